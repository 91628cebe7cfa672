package service

import (
	"context"
	"roomchat-go/internal/config"
	"roomchat-go/internal/model"
	"roomchat-go/internal/repository"
	"roomchat-go/pkg/log"
	"roomchat-go/pkg/tasks"
	"time"
)

// TaskProducer 发送归档任务。
type TaskProducer interface {
	ProduceArchiveTask(ctx context.Context, task tasks.ArchiveTask) error
}

// URLSigner 为对象生成临时下载链接。
type URLSigner interface {
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// ArchiveService 负责房间删除时的聊天记录归档和归档查询。
type ArchiveService interface {
	// ArchiveRoom 快照房间历史并投递归档任务。没有消息时什么也不做。
	ArchiveRoom(ctx context.Context, roomID string) error
	ListArchives(ctx context.Context, roomID string) ([]model.ArchiveView, error)
}

type archiveService struct {
	memory   MemoryService
	producer TaskProducer
	repo     repository.ArchiveRepository
	signer   URLSigner
	cfg      config.ArchiveConfig
}

// NewArchiveService 创建一个新的 ArchiveService 实例。
func NewArchiveService(memory MemoryService, producer TaskProducer, repo repository.ArchiveRepository, signer URLSigner, cfg config.ArchiveConfig) ArchiveService {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10000
	}
	if cfg.URLExpiryMinutes <= 0 {
		cfg.URLExpiryMinutes = 60
	}
	return &archiveService{memory: memory, producer: producer, repo: repo, signer: signer, cfg: cfg}
}

func (s *archiveService) ArchiveRoom(ctx context.Context, roomID string) error {
	msgs, err := s.memory.GetHistory(ctx, roomID, s.cfg.MaxMessages)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		log.Infof("[ArchiveService] 房间 %s 没有消息，跳过归档", roomID)
		return nil
	}
	task := tasks.ArchiveTask{RoomID: roomID, Messages: msgs, DeletedAt: time.Now()}
	if err := s.producer.ProduceArchiveTask(ctx, task); err != nil {
		return err
	}
	log.Infof("[ArchiveService] 房间 %s 的 %d 条消息已提交归档", roomID, len(msgs))
	return nil
}

func (s *archiveService) ListArchives(ctx context.Context, roomID string) ([]model.ArchiveView, error) {
	archives, err := s.repo.FindByRoomID(roomID)
	if err != nil {
		return nil, err
	}
	expiry := time.Duration(s.cfg.URLExpiryMinutes) * time.Minute
	views := make([]model.ArchiveView, 0, len(archives))
	for _, a := range archives {
		url, err := s.signer.PresignedURL(ctx, a.ObjectName, expiry)
		if err != nil {
			// 链接生成失败时仍返回记录
			log.Warnf("[ArchiveService] 生成归档 %d 的下载链接失败: %v", a.ID, err)
		}
		views = append(views, model.ArchiveView{
			ID:           a.ID,
			RoomID:       a.RoomID,
			MessageCount: a.MessageCount,
			ArchivedAt:   model.LocalTime(a.ArchivedAt),
			DownloadURL:  url,
		})
	}
	return views, nil
}
