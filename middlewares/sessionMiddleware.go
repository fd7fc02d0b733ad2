package middlewares

import (
	"net/http"

	"bitbucket.org/fieldserve/billing_backend/config"
	"bitbucket.org/fieldserve/billing_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the opaque token header written by the identity
// collaborator. Identity itself is out of scope here; the engine only needs
// "who is calling" for audit context and the admin gate on refinalize.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)

		isAdmin, _, err := config.GetRedisValue("AdminUser:" + username)
		if err == nil && isAdmin == "true" {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
