package service

import (
	"context"
	"errors"
	"fmt"
	"roomchat-go/internal/config"
	"roomchat-go/internal/model"
	"roomchat-go/pkg/livekit"
	"roomchat-go/pkg/log"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const roomListCacheKey = "rooms"

// ErrRoomNameRequired 表示房间名为空。
var ErrRoomNameRequired = errors.New("room name is required")

// RoomProvider 是音视频房间服务的房间管理接口。
type RoomProvider interface {
	CreateRoom(ctx context.Context, name string, emptyTimeout, maxParticipants int) (*model.Room, error)
	ListRooms(ctx context.Context) ([]model.Room, error)
	DeleteRoom(ctx context.Context, name string) error
	ListParticipants(ctx context.Context, room string) ([]model.Participant, error)
}

// TokenIssuer 签发参与者访问令牌。
type TokenIssuer interface {
	ParticipantToken(identity, name, room string, canPublish, canSubscribe bool) (string, error)
}

// RoomService 负责房间生命周期和访问令牌。
type RoomService interface {
	CreateRoom(ctx context.Context, name string) (*model.Room, error)
	// DeleteRoom 删除房间，归档聊天记录，再删除房间记忆。
	DeleteRoom(ctx context.Context, name string) error
	ListRooms(ctx context.Context) []model.Room
	ListParticipants(ctx context.Context, room string) []model.Participant
	CreateToken(room, participant string, canPublish, canSubscribe bool) (string, error)
}

type roomService struct {
	provider RoomProvider
	tokens   TokenIssuer
	memory   MemoryService
	archiver ArchiveService
	cfg      config.LiveKitConfig
	cache    *cache.Cache
}

// NewRoomService 创建一个新的 RoomService 实例。archiver 为 nil 时删除房间不归档。
func NewRoomService(provider RoomProvider, tokens TokenIssuer, memory MemoryService, archiver ArchiveService, cfg config.LiveKitConfig) RoomService {
	ttl := time.Duration(cfg.RoomCacheSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if cfg.EmptyTimeout <= 0 {
		cfg.EmptyTimeout = 300
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = 10
	}
	return &roomService{
		provider: provider,
		tokens:   tokens,
		memory:   memory,
		archiver: archiver,
		cfg:      cfg,
		cache:    cache.New(ttl, 2*ttl),
	}
}

func (s *roomService) CreateRoom(ctx context.Context, name string) (*model.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrRoomNameRequired
	}
	room, err := s.provider.CreateRoom(ctx, name, s.cfg.EmptyTimeout, s.cfg.MaxParticipants)
	if err != nil {
		log.Errorf("[RoomService] 创建房间 %s 失败: %v", name, err)
		return nil, fmt.Errorf("create room: %w", err)
	}
	s.cache.Delete(roomListCacheKey)
	log.Infof("[RoomService] 房间 %s 创建成功, sid=%s", name, room.SID)
	return room, nil
}

func (s *roomService) DeleteRoom(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrRoomNameRequired
	}
	if err := s.provider.DeleteRoom(ctx, name); err != nil {
		if !livekit.IsNotFound(err) {
			log.Errorf("[RoomService] 删除房间 %s 失败: %v", name, err)
			return fmt.Errorf("delete room: %w", err)
		}
		// 房间已不存在，继续清理记忆
		log.Warnf("[RoomService] 房间 %s 在服务端不存在，继续清理记忆", name)
	}
	s.cache.Delete(roomListCacheKey)

	if s.archiver != nil {
		// 归档失败不阻止删除
		if err := s.archiver.ArchiveRoom(ctx, name); err != nil {
			log.Errorf("[RoomService] 归档房间 %s 失败: %v", name, err)
		}
	}
	return s.memory.DeleteRoomMemory(ctx, name)
}

// ListRooms 返回房间列表，结果短暂缓存。服务端出错时返回空列表。
func (s *roomService) ListRooms(ctx context.Context) []model.Room {
	if cached, ok := s.cache.Get(roomListCacheKey); ok {
		return cached.([]model.Room)
	}
	rooms, err := s.provider.ListRooms(ctx)
	if err != nil {
		log.Errorf("[RoomService] 获取房间列表失败: %v", err)
		return []model.Room{}
	}
	s.cache.SetDefault(roomListCacheKey, rooms)
	return rooms
}

func (s *roomService) ListParticipants(ctx context.Context, room string) []model.Participant {
	parts, err := s.provider.ListParticipants(ctx, room)
	if err != nil {
		log.Errorf("[RoomService] 获取房间 %s 的参与者失败: %v", room, err)
		return []model.Participant{}
	}
	return parts
}

func (s *roomService) CreateToken(room, participant string, canPublish, canSubscribe bool) (string, error) {
	tok, err := s.tokens.ParticipantToken(participant, participant, room, canPublish, canSubscribe)
	if err != nil {
		log.Errorf("[RoomService] 为 %s 生成房间 %s 的令牌失败: %v", participant, room, err)
		return "", err
	}
	return tok, nil
}
