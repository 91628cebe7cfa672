package handler

import (
	"errors"
	"net/http"
	"roomchat-go/internal/repository"
	"roomchat-go/internal/service"
	"roomchat-go/pkg/log"
	"strings"

	"github.com/gin-gonic/gin"
)

// RoomHandler 处理房间生命周期和访问令牌相关的 API 请求。
type RoomHandler struct {
	roomService service.RoomService
}

// NewRoomHandler 创建一个新的 RoomHandler。
func NewRoomHandler(roomService service.RoomService) *RoomHandler {
	return &RoomHandler{roomService: roomService}
}

// CreateRoomRequest 是创建房间的请求体。
type CreateRoomRequest struct {
	RoomName string `json:"room_name" binding:"required"`
}

// TokenRequest 是申请访问令牌的请求体。发布和订阅权限默认开启。
type TokenRequest struct {
	RoomName        string `json:"room_name" binding:"required"`
	ParticipantName string `json:"participant_name" binding:"required"`
	CanPublish      *bool  `json:"can_publish"`
	CanSubscribe    *bool  `json:"can_subscribe"`
}

// CreateRoom 创建一个房间。
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	if err := repository.ValidateRoomID(req.RoomName); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	room, err := h.roomService.CreateRoom(c.Request.Context(), req.RoomName)
	if err != nil {
		if errors.Is(err, service.ErrRoomNameRequired) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		fail(c, http.StatusBadGateway, "创建房间失败")
		return
	}
	success(c, room)
}

// ListRooms 列出所有房间。
func (h *RoomHandler) ListRooms(c *gin.Context) {
	success(c, gin.H{"rooms": h.roomService.ListRooms(c.Request.Context())})
}

// DeleteRoom 删除房间并清理其记忆。
func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	room := c.Param("room")
	if err := h.roomService.DeleteRoom(c.Request.Context(), room); err != nil {
		switch {
		case errors.Is(err, service.ErrRoomNameRequired), errors.Is(err, repository.ErrInvalidRoomID):
			fail(c, http.StatusBadRequest, err.Error())
		default:
			fail(c, http.StatusBadGateway, "删除房间失败")
		}
		return
	}
	success(c, gin.H{"room": room, "deleted": true})
}

// ListParticipants 列出房间内的参与者。
func (h *RoomHandler) ListParticipants(c *gin.Context) {
	success(c, gin.H{"participants": h.roomService.ListParticipants(c.Request.Context(), c.Param("room"))})
}

// CreateToken 为参与者签发房间访问令牌。
func (h *RoomHandler) CreateToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	if strings.TrimSpace(req.RoomName) == "" || strings.TrimSpace(req.ParticipantName) == "" {
		fail(c, http.StatusBadRequest, "room_name 和 participant_name 不能为空")
		return
	}
	canPublish, canSubscribe := true, true
	if req.CanPublish != nil {
		canPublish = *req.CanPublish
	}
	if req.CanSubscribe != nil {
		canSubscribe = *req.CanSubscribe
	}

	tok, err := h.roomService.CreateToken(req.RoomName, req.ParticipantName, canPublish, canSubscribe)
	if err != nil {
		log.Errorf("[RoomHandler] 生成令牌失败: %v", err)
		fail(c, http.StatusInternalServerError, "生成令牌失败")
		return
	}
	success(c, gin.H{"token": tok})
}
