// Package model 定义了与存储后端对应的 Go 结构体。
package model

// MessageDocument 定义了存储在 Elasticsearch 中的消息文档结构。
// is_ai 以字符串形式保存（"true"/"false"），与其它向量后端的元数据格式保持一致。
type MessageDocument struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	IsAI      string    `json:"is_ai"`
	Timestamp string    `json:"timestamp"` // RFC3339Nano
	Vector    []float32 `json:"vector,omitempty"`
}
