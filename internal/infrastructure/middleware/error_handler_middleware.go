package middleware

import (
	"net/http"

	"studyroom/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func routeOf(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return c.Request.URL.Path
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. Policy rejections keep their reason code so clients can tell a
// full room from an exhausted quota.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		resp, status := errors.ToResponse(err)

		fields := []interface{}{
			"method", c.Request.Method,
			"route", routeOf(c),
			"status", status,
		}
		if user, ok := CurrentUser(c); ok {
			fields = append(fields, "user_id", user.ID)
		}

		if status >= http.StatusInternalServerError {
			logger.Errorw("request failed", append(fields, "error", err)...)
		} else {
			fields = append(fields, "code", resp.Code)
			if resp.Reason != "" {
				fields = append(fields, "reason", resp.Reason)
			}
			if appErr := errors.GetAppError(err); appErr != nil && len(appErr.Context) > 0 {
				fields = append(fields, "context", appErr.Context)
			}
			logger.Infow("request rejected", fields...)
		}

		c.JSON(status, resp)
	}
}

// RecoveryMiddleware turns a handler panic into a 500 with the stack logged.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("handler panicked",
					"panic", rec,
					"method", c.Request.Method,
					"route", routeOf(c),
					zap.Stack("stack"),
				)
				resp, status := errors.ToResponse(nil)
				c.AbortWithStatusJSON(status, resp)
			}
		}()

		c.Next()
	}
}
