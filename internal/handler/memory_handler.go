package handler

import (
	"net/http"
	"roomchat-go/internal/repository"
	"roomchat-go/internal/service"
	"roomchat-go/pkg/log"
	"strconv"

	"github.com/gin-gonic/gin"
)

// maxHistoryLimit 是单次历史查询允许的最大条数。
const maxHistoryLimit = 10000

// MemoryHandler 处理房间会话记忆和归档相关的 API 请求。
type MemoryHandler struct {
	memory       service.MemoryService
	archives     service.ArchiveService
	historyLimit int
}

// NewMemoryHandler 创建一个新的 MemoryHandler。archives 为 nil 表示未启用归档，
// historyLimit 是未指定 limit 时返回的消息条数。
func NewMemoryHandler(memory service.MemoryService, archives service.ArchiveService, historyLimit int) *MemoryHandler {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &MemoryHandler{memory: memory, archives: archives, historyLimit: historyLimit}
}

// History 返回房间最近的消息，按时间升序。
func (h *MemoryHandler) History(c *gin.Context) {
	room := c.Param("room")
	if _, ok := authorizeRoom(c, room, ""); !ok {
		return
	}
	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "limit 必须是正整数")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	msgs, err := h.memory.GetHistory(c.Request.Context(), room, limit)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	success(c, gin.H{"messages": msgs})
}

// Context 返回房间的上下文文本，query 为空时使用最近的消息窗口。
func (h *MemoryHandler) Context(c *gin.Context) {
	room := c.Param("room")
	if err := repository.ValidateRoomID(room); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := authorizeRoom(c, room, ""); !ok {
		return
	}
	success(c, gin.H{"context": h.memory.GetContext(c.Request.Context(), room, c.Query("query"))})
}

// DeleteMemory 只删除房间的会话记忆，不影响房间本身。
func (h *MemoryHandler) DeleteMemory(c *gin.Context) {
	room := c.Param("room")
	if err := repository.ValidateRoomID(room); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := authorizeRoom(c, room, ""); !ok {
		return
	}
	if err := h.memory.DeleteRoomMemory(c.Request.Context(), room); err != nil {
		log.Errorf("[MemoryHandler] 删除房间 %s 的记忆失败: %v", room, err)
		fail(c, http.StatusInternalServerError, "删除记忆失败")
		return
	}
	success(c, gin.H{"room": room, "deleted": true})
}

// ListRooms 返回所有有记忆的房间。
func (h *MemoryHandler) ListRooms(c *gin.Context) {
	success(c, gin.H{"rooms": h.memory.ListActiveRooms(c.Request.Context())})
}

// ListArchives 返回房间的归档记录及临时下载链接。
func (h *MemoryHandler) ListArchives(c *gin.Context) {
	if h.archives == nil {
		fail(c, http.StatusServiceUnavailable, "归档功能未启用")
		return
	}
	room := c.Param("room")
	if _, ok := authorizeRoom(c, room, ""); !ok {
		return
	}
	views, err := h.archives.ListArchives(c.Request.Context(), room)
	if err != nil {
		log.Errorf("[MemoryHandler] 获取房间 %s 的归档失败: %v", room, err)
		fail(c, http.StatusInternalServerError, "获取归档失败")
		return
	}
	success(c, gin.H{"archives": views})
}

// Health 返回服务存活状态。
func Health(c *gin.Context) {
	success(c, gin.H{"status": "ok"})
}
