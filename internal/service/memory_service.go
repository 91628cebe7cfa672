package service

import (
	"context"
	"errors"
	"roomchat-go/internal/config"
	"roomchat-go/internal/model"
	"roomchat-go/internal/repository"
	"roomchat-go/pkg/log"
	"sort"
	"sync"
)

// ErrRoomMemoryDeleted 表示句柄对应的房间记忆已被删除，需要重新获取。
var ErrRoomMemoryDeleted = errors.New("room memory has been deleted")

// MemoryService 是所有房间记忆的唯一入口。
type MemoryService interface {
	// Room 返回房间的记忆句柄，同一个 room_id 始终返回同一个句柄直到被删除。
	Room(roomID string) (*RoomMemory, error)
	AddMessage(ctx context.Context, roomID, sender, text string, isAI bool) (*model.Message, error)
	// GetContext 返回注入 prompt 的上下文文本，出错时返回空记忆提示而不是错误。
	GetContext(ctx context.Context, roomID, query string) string
	// GetHistory 返回最近 limit 条消息，出错时返回空列表。
	GetHistory(ctx context.Context, roomID string, limit int) ([]model.Message, error)
	DeleteRoomMemory(ctx context.Context, roomID string) error
	ListActiveRooms(ctx context.Context) []string
}

type memoryService struct {
	repo          repository.MessageRepository
	contextWindow int
	relevantTopK  int

	mu    sync.Mutex
	rooms map[string]*RoomMemory
}

// NewMemoryService 创建一个新的 MemoryService 实例。
func NewMemoryService(repo repository.MessageRepository, cfg config.MemoryConfig) MemoryService {
	window := cfg.ContextWindow
	if window <= 0 {
		window = 10
	}
	topK := cfg.RelevantTopK
	if topK <= 0 {
		topK = 5
	}
	return &memoryService{
		repo:          repo,
		contextWindow: window,
		relevantTopK:  topK,
		rooms:         make(map[string]*RoomMemory),
	}
}

// RoomMemory 是单个房间的记忆句柄。同一房间的写入经由句柄串行执行。
type RoomMemory struct {
	roomID        string
	repo          repository.MessageRepository
	contextWindow int
	relevantTopK  int

	mu      sync.Mutex
	deleted bool
}

// RoomID 返回句柄所属的房间。
func (m *RoomMemory) RoomID() string { return m.roomID }

// Append 构造一条带当前时间的消息并持久化。
func (m *RoomMemory) Append(ctx context.Context, sender, text string, isAI bool) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted {
		return nil, ErrRoomMemoryDeleted
	}
	msg := model.NewMessage(m.roomID, sender, text, isAI)
	return msg, m.repo.Append(ctx, msg)
}

// Recent 返回最近 limit 条消息，按时间升序。
func (m *RoomMemory) Recent(ctx context.Context, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted {
		return nil, ErrRoomMemoryDeleted
	}
	return m.repo.History(ctx, m.roomID, limit)
}

// Context 返回上下文文本。语义后端且 query 非空时按相似度检索，否则取最近的窗口。
func (m *RoomMemory) Context(ctx context.Context, query string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted {
		return "", ErrRoomMemoryDeleted
	}
	if m.repo.Semantic() && query != "" {
		msgs, err := m.repo.Relevant(ctx, m.roomID, query, m.relevantTopK)
		if err != nil {
			return "", err
		}
		return FormatContext(msgs, true), nil
	}
	msgs, err := m.repo.History(ctx, m.roomID, m.contextWindow)
	if err != nil {
		return "", err
	}
	return FormatContext(msgs, false), nil
}

func (s *memoryService) Room(roomID string) (*RoomMemory, error) {
	if err := repository.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.rooms[roomID]; ok {
		return h, nil
	}
	h := &RoomMemory{
		roomID:        roomID,
		repo:          s.repo,
		contextWindow: s.contextWindow,
		relevantTopK:  s.relevantTopK,
	}
	s.rooms[roomID] = h
	return h, nil
}

// withRoom 在句柄上执行 fn。句柄在等待期间被删除时重新获取一次。
func (s *memoryService) withRoom(roomID string, fn func(h *RoomMemory) error) error {
	for {
		h, err := s.Room(roomID)
		if err != nil {
			return err
		}
		err = fn(h)
		if errors.Is(err, ErrRoomMemoryDeleted) {
			continue
		}
		return err
	}
}

// AddMessage 只返回参数错误；存储失败仅记录日志，仍返回构造好的消息。
func (s *memoryService) AddMessage(ctx context.Context, roomID, sender, text string, isAI bool) (*model.Message, error) {
	var msg *model.Message
	err := s.withRoom(roomID, func(h *RoomMemory) error {
		var err error
		msg, err = h.Append(ctx, sender, text, isAI)
		return err
	})
	if errors.Is(err, repository.ErrInvalidRoomID) {
		return nil, err
	}
	if err != nil {
		log.Errorf("[MemoryService] 保存房间 %s 的消息失败: %v", roomID, err)
	}
	return msg, nil
}

func (s *memoryService) GetContext(ctx context.Context, roomID, query string) string {
	var text string
	err := s.withRoom(roomID, func(h *RoomMemory) error {
		var err error
		text, err = h.Context(ctx, query)
		return err
	})
	if err != nil {
		log.Errorf("[MemoryService] 获取房间 %s 的上下文失败: %v", roomID, err)
		return NoConversationSentinel
	}
	return text
}

func (s *memoryService) GetHistory(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := s.withRoom(roomID, func(h *RoomMemory) error {
		var err error
		msgs, err = h.Recent(ctx, limit)
		return err
	})
	if errors.Is(err, repository.ErrInvalidRoomID) {
		return nil, err
	}
	if err != nil {
		log.Errorf("[MemoryService] 获取房间 %s 的历史失败: %v", roomID, err)
		return []model.Message{}, nil
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// DeleteRoomMemory 删除句柄和持久化数据。删除期间对该房间的 Room 调用拿到的是同一个句柄，
// 其上的操作会等待删除完成后转到新句柄，因此不会读到正在删除的数据。
func (s *memoryService) DeleteRoomMemory(ctx context.Context, roomID string) error {
	h, err := s.Room(roomID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deleted {
		return nil
	}
	if err := s.repo.DeleteRoom(ctx, roomID); err != nil {
		log.Errorf("[MemoryService] 删除房间 %s 的记忆失败: %v", roomID, err)
		return err
	}
	s.mu.Lock()
	if s.rooms[roomID] == h {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
	h.deleted = true
	log.Infof("[MemoryService] 房间 %s 的记忆已删除", roomID)
	return nil
}

// ListActiveRooms 返回内存中的句柄与持久化存储中房间的并集。
func (s *memoryService) ListActiveRooms(ctx context.Context) []string {
	set := make(map[string]struct{})
	s.mu.Lock()
	for id := range s.rooms {
		set[id] = struct{}{}
	}
	s.mu.Unlock()

	persisted, err := s.repo.ListRooms(ctx)
	if err != nil {
		log.Errorf("[MemoryService] 列出已存储的房间失败: %v", err)
	}
	for _, id := range persisted {
		set[id] = struct{}{}
	}
	rooms := make([]string, 0, len(set))
	for id := range set {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}
