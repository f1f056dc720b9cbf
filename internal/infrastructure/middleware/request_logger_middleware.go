package middleware

import (
	"strings"
	"time"

	"studyroom/pkg/logger"
	"studyroom/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

const requestIDHeader = "X-Request-ID"

// RequestLogger tags each request with a request id (and the trace id when
// a span is active) and logs it once it completes.
func RequestLogger(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = utils.NewRequestID()
		}
		c.Header(requestIDHeader, requestID)

		ctx := logger.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = logger.WithValue(ctx, logger.TraceIDKey, sc.TraceID().String())
		}
		route := c.FullPath()
		if strings.Contains(route, "/rooms/:id") {
			ctx = logger.WithValue(ctx, logger.RoomIDKey, c.Param("id"))
		}
		if route == "" {
			route = c.Request.URL.Path
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		cl.LogRequest(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
