package handler

import "github.com/gin-gonic/gin"

// Handlers 汇总了所有需要注册路由的控制器。
type Handlers struct {
	Chat   *ChatHandler
	Room   *RoomHandler
	Memory *MemoryHandler
}

// RegisterRoutes 注册所有 API 路由。auth 作用于读写会话内容的路由。
func RegisterRoutes(r gin.IRouter, h Handlers, auth gin.HandlerFunc) {
	r.GET("/healthz", Health)

	// 房间与令牌路由
	r.POST("/rooms", h.Room.CreateRoom)
	r.GET("/rooms", h.Room.ListRooms)
	r.DELETE("/rooms/:room", h.Room.DeleteRoom)
	r.GET("/rooms/:room/participants", h.Room.ListParticipants)
	r.POST("/token", h.Room.CreateToken)

	r.GET("/memory/rooms", h.Memory.ListRooms)

	// 需要参与者令牌的路由，令牌只能访问其授权的房间
	authed := r.Group("/")
	authed.Use(auth)
	{
		authed.POST("/chat", h.Chat.Chat)
		authed.GET("/chat/ws/:room", h.Chat.Stream)
		authed.GET("/rooms/:room/history", h.Memory.History)
		authed.GET("/rooms/:room/context", h.Memory.Context)
		authed.DELETE("/rooms/:room/memory", h.Memory.DeleteMemory)
		authed.GET("/rooms/:room/archives", h.Memory.ListArchives)
	}
}
