// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"roomchat-go/internal/config"
	"roomchat-go/internal/model"
	"roomchat-go/pkg/llm"
	"roomchat-go/pkg/log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrEmptyMessage 表示聊天消息为空。
var ErrEmptyMessage = errors.New("message must not be empty")

// ChatResult 是一次非流式对话的结果。
type ChatResult struct {
	Response string          `json:"response"`
	Messages []model.Message `json:"messages"`
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	// Generate 根据用户输入和上下文生成回复，失败或为空时返回兜底文本。
	Generate(ctx context.Context, userText, contextText string) string
	// Stream 将回复分块写入 w 并返回完整回复。
	Stream(ctx context.Context, userText, contextText string, w llm.MessageWriter) (string, error)
	// HandleChat 检索上下文、生成回复并保存用户消息和回复。roomID 为空时不读写记忆。
	HandleChat(ctx context.Context, roomID, sender, text string) (*ChatResult, error)
	// StreamChat 与 HandleChat 相同，但把回复以 {"chunk": ...} 帧流式写入 ws。
	StreamChat(ctx context.Context, roomID, sender, text string, ws llm.MessageWriter, shouldStop func() bool) error
}

type chatService struct {
	memory    MemoryService
	llmClient llm.Client
	llmCfg    config.LLMConfig
	aiSender  string
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(memory MemoryService, llmClient llm.Client, llmCfg config.LLMConfig, memCfg config.MemoryConfig) ChatService {
	aiSender := memCfg.AISender
	if aiSender == "" {
		aiSender = "AI Assistant"
	}
	if llmCfg.FallbackText == "" {
		llmCfg.FallbackText = "Sorry, I couldn't generate a response."
	}
	return &chatService{
		memory:    memory,
		llmClient: llmClient,
		llmCfg:    llmCfg,
		aiSender:  aiSender,
	}
}

func (s *chatService) Generate(ctx context.Context, userText, contextText string) string {
	answer, err := s.generate(ctx, userText, contextText)
	if err != nil {
		log.Errorf("[ChatService] 生成回复失败: %v", err)
		return s.llmCfg.FallbackText
	}
	return answer
}

// generate 返回非空回复，或者错误。
func (s *chatService) generate(ctx context.Context, userText, contextText string) (string, error) {
	answer, err := llm.Complete(ctx, s.llmClient, s.composeMessages(userText, contextText), llm.ParamsFromConfig(s.llmCfg.Generation))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return "", errors.New("llm returned an empty response")
	}
	return answer, nil
}

func (s *chatService) Stream(ctx context.Context, userText, contextText string, w llm.MessageWriter) (string, error) {
	tee := &teeWriter{next: w, sb: &strings.Builder{}}
	err := s.llmClient.StreamChatMessages(ctx, s.composeMessages(userText, contextText), llm.ParamsFromConfig(s.llmCfg.Generation), tee)
	return tee.sb.String(), err
}

// teeWriter 原样转发分块并记录完整内容。
type teeWriter struct {
	next llm.MessageWriter
	sb   *strings.Builder
}

func (t *teeWriter) WriteMessage(messageType int, data []byte) error {
	t.sb.Write(data)
	return t.next.WriteMessage(messageType, data)
}

func (s *chatService) HandleChat(ctx context.Context, roomID, sender, text string) (*ChatResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if roomID == "" {
		// 不属于任何房间的消息：无上下文，也不保存
		return &ChatResult{Response: s.Generate(ctx, text, ""), Messages: []model.Message{}}, nil
	}

	// 1. 检索上下文
	contextText := s.memory.GetContext(ctx, roomID, text)
	// 2. 生成回复
	answer, genErr := s.generate(ctx, text, contextText)
	if genErr != nil {
		log.Errorf("[ChatService] 房间 %s 生成回复失败: %v", roomID, genErr)
		answer = s.llmCfg.FallbackText
	}
	// 3. 保存用户消息和回复
	messages, err := s.saveExchange(ctx, roomID, sender, text, answer, genErr == nil)
	if err != nil {
		return nil, err
	}
	return &ChatResult{Response: answer, Messages: messages}, nil
}

func (s *chatService) StreamChat(ctx context.Context, roomID, sender, text string, ws llm.MessageWriter, shouldStop func() bool) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	contextText := ""
	if roomID != "" {
		contextText = s.memory.GetContext(ctx, roomID, text)
	}

	// 拦截 websocket writer 以捕获完整答案，并包装为 JSON 分块
	answerBuilder := &strings.Builder{}
	interceptor := &wsWriterInterceptor{conn: ws, writer: answerBuilder, shouldStop: shouldStop}
	err := s.llmClient.StreamChatMessages(ctx, s.composeMessages(text, contextText), llm.ParamsFromConfig(s.llmCfg.Generation), interceptor)
	if err != nil {
		log.Errorf("[ChatService] 流式生成失败: %v", err)
	}

	answer := answerBuilder.String()
	generated := strings.TrimSpace(answer) != ""
	if !generated {
		if werr := interceptor.WriteMessage(websocket.TextMessage, []byte(s.llmCfg.FallbackText)); werr != nil {
			return werr
		}
	}
	sendCompletion(ws)

	if roomID != "" {
		// 使用后台上下文，因为即使原始请求被取消，我们也希望保存已生成的答案
		if _, err := s.saveExchange(context.Background(), roomID, sender, text, answer, generated); err != nil {
			log.Errorf("[ChatService] 保存对话失败: %v", err)
		}
	}
	return nil
}

// saveExchange 先保存用户消息，再保存 AI 回复。兜底文本不写入记忆。
func (s *chatService) saveExchange(ctx context.Context, roomID, sender, question, answer string, generated bool) ([]model.Message, error) {
	messages := make([]model.Message, 0, 2)
	userMsg, err := s.memory.AddMessage(ctx, roomID, sender, question, false)
	if err != nil {
		return nil, err
	}
	messages = append(messages, *userMsg)
	if !generated {
		return messages, nil
	}
	aiMsg, err := s.memory.AddMessage(ctx, roomID, s.aiSender, answer, true)
	if err != nil {
		return nil, err
	}
	return append(messages, *aiMsg), nil
}

func (s *chatService) buildSystemMessage(contextText string) string {
	rules := s.llmCfg.Prompt.Rules
	refStart := s.llmCfg.Prompt.RefStart
	if refStart == "" {
		refStart = "<<MEMORY>>"
	}
	refEnd := s.llmCfg.Prompt.RefEnd
	if refEnd == "" {
		refEnd = "<<END>>"
	}
	if contextText == "" {
		contextText = NoConversationSentinel
	}
	var sys strings.Builder
	if rules != "" {
		sys.WriteString(rules)
		sys.WriteString("\n\n")
	}
	sys.WriteString(refStart)
	sys.WriteString("\n")
	sys.WriteString(contextText)
	sys.WriteString("\n")
	sys.WriteString(refEnd)
	return sys.String()
}

func (s *chatService) composeMessages(userText, contextText string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: s.buildSystemMessage(contextText)},
		{Role: llm.RoleUser, Content: userText},
	}
}

// wsWriterInterceptor 是对 websocket 连接的封装，用于捕获写入的消息。
type wsWriterInterceptor struct {
	conn       llm.MessageWriter
	writer     *strings.Builder
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	w.writer.Write(data)
	// 将原始分块包装成 {"chunk":"..."}
	payload := map[string]string{"chunk": string(data)}
	b, _ := json.Marshal(payload)
	return w.conn.WriteMessage(messageType, b)
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(ws llm.MessageWriter) {
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"message":   "响应已完成",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(notif)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}
