// Package model 包含了应用的数据模型定义。
package model

import (
	"time"

	"github.com/google/uuid"
)

// Message 代表房间内的一条聊天消息，创建后不可修改。
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsAI      bool      `json:"is_ai"`
}

// NewMessage 以当前时间和随机 ID 构造一条消息。
func NewMessage(roomID, sender, text string, isAI bool) *Message {
	return &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now(),
		IsAI:      isAI,
	}
}
