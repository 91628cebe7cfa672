package repository

import (
	"roomchat-go/internal/model"

	"gorm.io/gorm"
)

// ArchiveRepository 定义了对 room_archives 表的数据操作接口。
type ArchiveRepository interface {
	Create(archive *model.RoomArchive) error
	FindByRoomID(roomID string) ([]model.RoomArchive, error)
}

type archiveRepository struct {
	db *gorm.DB
}

// NewArchiveRepository 创建一个新的 ArchiveRepository 实例。
func NewArchiveRepository(db *gorm.DB) ArchiveRepository {
	return &archiveRepository{db: db}
}

// Create 写入一条归档记录。
func (r *archiveRepository) Create(archive *model.RoomArchive) error {
	return r.db.Create(archive).Error
}

// FindByRoomID 按归档时间倒序返回房间的全部归档记录。
func (r *archiveRepository) FindByRoomID(roomID string) ([]model.RoomArchive, error) {
	var archives []model.RoomArchive
	err := r.db.Where("room_id = ?", roomID).Order("archived_at DESC").Find(&archives).Error
	return archives, err
}
