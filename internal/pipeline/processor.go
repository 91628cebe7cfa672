// Package pipeline 定义了房间聊天记录归档的核心流程。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"roomchat-go/internal/model"
	"roomchat-go/internal/repository"
	"roomchat-go/pkg/log"
	"roomchat-go/pkg/tasks"
)

// ObjectUploader 上传归档文件。
type ObjectUploader interface {
	PutJSON(ctx context.Context, objectName string, data []byte) error
}

// Processor 封装了归档处理的所有依赖和逻辑。
type Processor struct {
	uploader    ObjectUploader
	archiveRepo repository.ArchiveRepository
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(uploader ObjectUploader, archiveRepo repository.ArchiveRepository) *Processor {
	return &Processor{
		uploader:    uploader,
		archiveRepo: archiveRepo,
	}
}

// ObjectName 返回归档文件在对象存储中的路径：archives/<room>/<unix>.json。
func ObjectName(task tasks.ArchiveTask) string {
	return fmt.Sprintf("archives/%s/%d.json", url.PathEscape(task.RoomID), task.DeletedAt.Unix())
}

// Process 是归档处理的主函数。重复投递会覆盖同名对象并多写一条记录。
func (p *Processor) Process(ctx context.Context, task tasks.ArchiveTask) error {
	if task.RoomID == "" {
		return errors.New("archive task without room id")
	}
	log.Infof("[Processor] 开始归档房间 %s, 消息数: %d", task.RoomID, len(task.Messages))

	// 1. 序列化聊天记录
	transcript := model.Transcript{
		RoomID:    task.RoomID,
		DeletedAt: task.DeletedAt,
		Messages:  task.Messages,
	}
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化聊天记录失败: %w", err)
	}

	// 2. 上传到对象存储
	objectName := ObjectName(task)
	log.Infof("[Processor] 步骤1: 上传聊天记录, Object: %s, 大小: %d字节", objectName, len(data))
	if err := p.uploader.PutJSON(ctx, objectName, data); err != nil {
		log.Errorf("[Processor] 上传聊天记录失败, Object: %s, Error: %v", objectName, err)
		return err
	}

	// 3. 写入归档记录
	archive := &model.RoomArchive{
		RoomID:       task.RoomID,
		ObjectName:   objectName,
		MessageCount: len(task.Messages),
		ArchivedAt:   task.DeletedAt,
	}
	if err := p.archiveRepo.Create(archive); err != nil {
		log.Errorf("[Processor] 写入归档记录失败, room: %s, Error: %v", task.RoomID, err)
		return fmt.Errorf("写入归档记录失败: %w", err)
	}

	log.Infof("[Processor] 房间 %s 归档完成, 记录 ID: %d", task.RoomID, archive.ID)
	return nil
}
