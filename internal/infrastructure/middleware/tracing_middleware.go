package middleware

import (
	"strings"

	"studyroom/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a server span per request, named after the
// matched route so that /rooms/:id requests share one span name.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("http.client_ip", c.ClientIP()),
		)
		if user, ok := CurrentUser(c); ok {
			span.SetAttributes(tracing.UserIDKey.String(string(user.ID)))
		}
		if strings.Contains(route, "/rooms/:id") {
			span.SetAttributes(tracing.RoomIDKey.String(c.Param("id")))
		}

		switch {
		case status >= 500:
			span.SetStatus(codes.Error, c.Errors.String())
		case len(c.Errors) > 0:
			span.SetAttributes(attribute.String("studyroom.error", c.Errors.Last().Error()))
		}
	}
}
