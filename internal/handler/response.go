// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"roomchat-go/internal/middleware"

	"github.com/gin-gonic/gin"
)

func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": nil})
}

// authorizeRoom 在启用了参与者认证时检查令牌的房间授权，并返回令牌中的身份。
// 未启用认证时原样返回 sender。
func authorizeRoom(c *gin.Context, roomID, sender string) (string, bool) {
	claims := middleware.Participant(c)
	if claims == nil {
		return sender, true
	}
	if roomID != "" && claims.Video.Room != roomID {
		fail(c, http.StatusForbidden, "令牌无权访问该房间")
		return "", false
	}
	return claims.Subject, true
}
