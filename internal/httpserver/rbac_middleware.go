package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"subscan/pkg/auth"
	"subscan/pkg/rbac"
)

// RequirePermission 中间件：要求调用方 component 具有指定权限。
// 必须挂在 ServiceAuthMiddleware 之后；未配置 secret 时放行
func RequirePermission(signer *auth.Signer, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !signer.Enabled() {
			c.Next()
			return
		}

		component := c.GetString(componentKey)
		if component == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "caller not authenticated"})
			c.Abort()
			return
		}

		if err := rbac.CheckPermission(component, permission); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Next()
	}
}
