package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"roomchat-go/internal/repository"
	"roomchat-go/internal/service"
	"roomchat-go/pkg/log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 跨域由 CORS 中间件控制
		},
	}
)

// ChatHandler 负责处理聊天请求，包括普通 HTTP 和 WebSocket 流式两种方式。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// ChatRequest 是 POST /chat 的请求体。
type ChatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message" binding:"required"`
	RoomID  string `json:"room_id"`
}

// Chat 处理一次非流式对话。
func (h *ChatHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	sender, ok := authorizeRoom(c, req.RoomID, req.UserID)
	if !ok {
		return
	}
	if sender == "" {
		sender = "anonymous"
	}

	result, err := h.chatService.HandleChat(c.Request.Context(), req.RoomID, sender, req.Message)
	if err != nil {
		if errors.Is(err, service.ErrEmptyMessage) || errors.Is(err, repository.ErrInvalidRoomID) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		log.Errorf("[ChatHandler] 处理聊天失败: %v", err)
		fail(c, http.StatusInternalServerError, "处理聊天失败")
		return
	}
	success(c, result)
}

// lockedConn 串行化对同一 WebSocket 连接的写入。
type lockedConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *lockedConn) WriteMessage(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(messageType, data)
}

func (l *lockedConn) writeJSON(v interface{}) {
	b, _ := json.Marshal(v)
	_ = l.WriteMessage(websocket.TextMessage, b)
}

// Stream 处理一个 WebSocket 聊天连接。每个文本帧是一条用户消息，
// {"type":"stop"} 帧中断当前正在生成的回复。
func (h *ChatHandler) Stream(c *gin.Context) {
	roomID := c.Param("room")
	if err := repository.ValidateRoomID(roomID); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	sender, ok := authorizeRoom(c, roomID, c.Query("user"))
	if !ok {
		return
	}
	if sender == "" {
		sender = "anonymous"
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	ws := &lockedConn{conn: conn}

	log.Infof("[ChatHandler] WebSocket 连接已建立，房间: %s, 用户: %s", roomID, sender)

	var (
		stopped   atomic.Bool
		streaming atomic.Bool
		wg        sync.WaitGroup
	)
	defer wg.Wait()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("[ChatHandler] 从 WebSocket 读取消息失败: %v", err)
			return
		}

		if isStopCommand(message) {
			stopped.Store(true)
			ws.writeJSON(map[string]interface{}{
				"type":      "stop",
				"message":   "响应已停止",
				"timestamp": time.Now().UnixMilli(),
			})
			continue
		}
		if !streaming.CompareAndSwap(false, true) {
			ws.writeJSON(map[string]string{"error": "上一条回复尚未完成"})
			continue
		}

		stopped.Store(false)
		text := string(message)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer streaming.Store(false)
			err := h.chatService.StreamChat(c.Request.Context(), roomID, sender, text, ws, stopped.Load)
			if err != nil {
				log.Errorf("[ChatHandler] 处理流式响应失败: %v", err)
				ws.writeJSON(map[string]string{"error": "AI服务暂时不可用，请稍后重试"})
			}
		}()
	}
}

func isStopCommand(message []byte) bool {
	trimmed := strings.TrimSpace(string(message))
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var ctrl struct {
		Type string `json:"type"`
	}
	return json.Unmarshal([]byte(trimmed), &ctrl) == nil && ctrl.Type == "stop"
}
