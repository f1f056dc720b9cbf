package middleware

import (
	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	apperrors "studyroom/pkg/errors"
	"studyroom/pkg/logger"

	"github.com/gin-gonic/gin"
)

const userContextKey = "user_context"

// AuthMiddleware resolves the bearer token to a domain.UserContext and
// stores it on the gin context.
func AuthMiddleware(auth ports.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := auth.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(userContextKey, user)
		c.Request = c.Request.WithContext(logger.WithValue(c.Request.Context(), logger.UserIDKey, string(user.ID)))
		c.Next()
	}
}

// AdminOnly must run after AuthMiddleware.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			abortWithError(c, apperrors.NewAuthenticationError("authentication required", nil))
			return
		}
		if !user.IsAdmin() {
			abortWithError(c, apperrors.NewPolicyViolation(domain.ReasonAdminOnly, "admin access required", domain.ErrAdminOnly))
			return
		}
		c.Next()
	}
}

// CurrentUser returns the identity set by AuthMiddleware.
func CurrentUser(c *gin.Context) (domain.UserContext, bool) {
	v, exists := c.Get(userContextKey)
	if !exists {
		return domain.UserContext{}, false
	}
	user, ok := v.(domain.UserContext)
	return user, ok
}

func abortWithError(c *gin.Context, err error) {
	resp, status := apperrors.ToResponse(err)
	c.AbortWithStatusJSON(status, resp)
}
