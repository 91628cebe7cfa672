// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"roomchat-go/internal/model"
	"roomchat-go/pkg/embedding"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRoomID 表示房间 ID 为空或无法安全映射到存储键。
var ErrInvalidRoomID = errors.New("invalid room id")

// MessageRepository 定义了房间消息存储的操作接口。所有房间共用一个后端，room_id 仅作为过滤条件。
type MessageRepository interface {
	// Append 持久化一条消息。消息一经写入不再修改。
	Append(ctx context.Context, msg *model.Message) error
	// History 返回房间最近 limit 条消息，按时间升序。
	History(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	// Relevant 返回与 query 最相关的至多 k 条消息。语义后端按相似度排序，时间序后端返回最近 k 条。
	Relevant(ctx context.Context, roomID, query string, k int) ([]model.Message, error)
	// DeleteRoom 删除房间的全部消息。
	DeleteRoom(ctx context.Context, roomID string) error
	// ListRooms 列出存有消息的房间。
	ListRooms(ctx context.Context) ([]string, error)
	// Semantic 表示 Relevant 是否基于向量相似度。
	Semantic() bool
}

// ValidateRoomID 检查房间 ID 是否可用。
func ValidateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" || roomID == "." || roomID == ".." {
		return ErrInvalidRoomID
	}
	return nil
}

// sortByTimestamp 按时间升序稳定排序。
func sortByTimestamp(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// tail 返回最后 limit 条；limit <= 0 时返回空。
func tail(msgs []model.Message, limit int) []model.Message {
	if limit <= 0 {
		return []model.Message{}
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// embeddingText 是语义后端用来计算向量的文本，包含发言人以便按人名检索。
func embeddingText(msg *model.Message) string {
	return embedding.MessageInput(msg.Sender, msg.Text)
}

// 语义后端的元数据键。
const (
	metaRoomID    = "room_id"
	metaSender    = "sender"
	metaIsAI      = "is_ai"
	metaTimestamp = "timestamp"
)

func messageMetadata(msg *model.Message) map[string]string {
	return map[string]string{
		metaRoomID:    msg.RoomID,
		metaSender:    msg.Sender,
		metaIsAI:      strconv.FormatBool(msg.IsAI),
		metaTimestamp: msg.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func messageFromMetadata(id, text string, meta map[string]string) model.Message {
	isAI, _ := strconv.ParseBool(meta[metaIsAI])
	ts, _ := parseTimestamp(meta[metaTimestamp])
	return model.Message{
		ID:        id,
		RoomID:    meta[metaRoomID],
		Sender:    meta[metaSender],
		Text:      text,
		Timestamp: ts,
		IsAI:      isAI,
	}
}

// 兼容带时区的 RFC3339 和不带时区的 ISO-8601 本地时间。
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
