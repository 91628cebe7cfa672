// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import (
	"fmt"
	"roomchat-go/internal/model"
	"time"
)

// ArchiveTask carries the transcript of a deleted room to the archive consumer.
type ArchiveTask struct {
	RoomID    string          `json:"room_id"`
	Messages  []model.Message `json:"messages"`
	DeletedAt time.Time       `json:"deleted_at"`
}

// Key identifies one deletion of a room; used for retry counting and object naming.
func (t ArchiveTask) Key() string {
	return fmt.Sprintf("%s:%d", t.RoomID, t.DeletedAt.Unix())
}
