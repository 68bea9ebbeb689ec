// 文件: pkg/api/middleware.go
// X-API-Key 鉴权中间件

package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const apiKeyHeader = "X-API-Key"

// requireAPIKey 写操作与管理端鉴权
// 缺失首部 → 422，值不匹配 → 401。读接口不挂这个中间件。
func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(apiKeyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"detail": "X-API-Key header required"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid API key"})
			return
		}
		c.Next()
	}
}
