// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"roomchat-go/pkg/token"
	"strings"

	"github.com/gin-gonic/gin"
)

// ParticipantKey 是已验证的参与者声明在 gin 上下文中的键。
const ParticipantKey = "participant"

// TokenVerifier 验证参与者访问令牌。
type TokenVerifier interface {
	VerifyToken(tokenString string) (*token.AccessClaims, error)
}

// ParticipantAuth 创建一个 Gin 中间件，用于参与者访问令牌认证。
// required 为 false 时不做任何检查。令牌可以放在 Authorization 头中，
// 浏览器的 WebSocket 无法设置请求头，因此也接受 ?token= 查询参数。
func ParticipantAuth(verifier TokenVerifier, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !required {
			c.Next()
			return
		}

		tokenString := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			// Token 通常以 "Bearer <token>" 的形式提供，我们需要提取出 token 本身
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式", "data": nil})
				return
			}
			tokenString = strings.TrimPrefix(authHeader, bearerPrefix)
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含访问令牌", "data": nil})
			return
		}

		claims, err := verifier.VerifyToken(tokenString)
		if err != nil || claims.Video == nil || !claims.Video.RoomJoin {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
			return
		}

		c.Set(ParticipantKey, claims)
		c.Next()
	}
}

// Participant 返回已验证的参与者声明，未启用认证时返回 nil。
func Participant(c *gin.Context) *token.AccessClaims {
	v, ok := c.Get(ParticipantKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*token.AccessClaims)
	return claims
}
