package docent

import (
	"github.com/gin-gonic/gin"

	"docent/pkg/ctxkeys"
)

// ContextMiddleware lifts the identity values the auth middleware stored on
// the gin context into the request context, so storage and pipeline code can
// read them without a gin dependency.
func ContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if v := c.GetString(string(ctxkeys.KeyTenantID)); v != "" {
			ctx = WithTenantID(ctx, v)
		}
		if v := c.GetString(string(ctxkeys.KeyUserID)); v != "" {
			ctx = WithUserID(ctx, v)
		}
		if v := c.GetString(string(ctxkeys.KeyRole)); v != "" {
			ctx = WithRole(ctx, v)
		}
		if v := c.GetString(string(ctxkeys.KeyAuthType)); v != "" {
			ctx = WithAuthType(ctx, v)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
