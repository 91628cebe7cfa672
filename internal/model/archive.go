package model

import (
	"fmt"
	"time"
)

// RoomArchive 对应于数据库中的 room_archives 表。
// 每条记录描述一份已上传到对象存储的房间聊天记录。
type RoomArchive struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID       string    `gorm:"type:varchar(255);not null;index" json:"roomId"`
	ObjectName   string    `gorm:"type:varchar(512);not null" json:"objectName"`
	MessageCount int       `gorm:"not null" json:"messageCount"`
	ArchivedAt   time.Time `gorm:"not null" json:"archivedAt"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (RoomArchive) TableName() string {
	return "room_archives"
}

// ArchiveView 是返回给前端的归档条目，附带临时下载链接。
type ArchiveView struct {
	ID           uint      `json:"id"`
	RoomID       string    `json:"roomId"`
	MessageCount int       `json:"messageCount"`
	ArchivedAt   LocalTime `json:"archivedAt"`
	DownloadURL  string    `json:"downloadUrl"`
}

// Transcript 是上传到对象存储的归档文件内容。
type Transcript struct {
	RoomID    string    `json:"room_id"`
	DeletedAt time.Time `json:"deleted_at"`
	Messages  []Message `json:"messages"`
}

// LocalTime 以 "YYYY-MM-DD HH:MM:SS" 格式序列化时间。
type LocalTime time.Time

const timeFormat = "2006-01-02 15:04:05"

// MarshalJSON implements the json.Marshaler interface.
func (t LocalTime) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"%s\"", time.Time(t).Format(timeFormat))), nil
}
