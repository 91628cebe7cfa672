package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"roomchat-go/internal/model"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"
)

const (
	roomKeyPrefix = "room:"
	roomKeySuffix = ":messages"
)

type redisMessageRepository struct {
	redisClient *redis.Client
}

// NewRedisMessageRepository 创建一个基于 Redis 列表的消息仓库，每个房间一个 list。
func NewRedisMessageRepository(redisClient *redis.Client) MessageRepository {
	return &redisMessageRepository{redisClient: redisClient}
}

func roomKey(roomID string) string {
	return roomKeyPrefix + roomID + roomKeySuffix
}

func (r *redisMessageRepository) Semantic() bool { return false }

// Append 以 RPUSH 追加消息，Redis 单命令原子执行。
func (r *redisMessageRepository) Append(ctx context.Context, msg *model.Message) error {
	if err := ValidateRoomID(msg.RoomID); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := r.redisClient.RPush(ctx, roomKey(msg.RoomID), data).Err(); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// History 读取列表尾部的 limit 条消息。
func (r *redisMessageRepository) History(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []model.Message{}, nil
	}
	items, err := r.redisClient.LRange(ctx, roomKey(roomID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room history: %w", err)
	}
	msgs := make([]model.Message, 0, len(items))
	for _, item := range items {
		var msg model.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			// 单条损坏不影响其他消息
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *redisMessageRepository) Relevant(ctx context.Context, roomID, _ string, k int) ([]model.Message, error) {
	return r.History(ctx, roomID, k)
}

func (r *redisMessageRepository) DeleteRoom(ctx context.Context, roomID string) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	if err := r.redisClient.Del(ctx, roomKey(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to delete room history: %w", err)
	}
	return nil
}

// ListRooms 通过 SCAN 遍历 room:*:messages 键。
func (r *redisMessageRepository) ListRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	var cursor uint64
	for {
		keys, next, err := r.redisClient.Scan(ctx, cursor, roomKeyPrefix+"*"+roomKeySuffix, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan room keys: %w", err)
		}
		for _, k := range keys {
			id := strings.TrimSuffix(strings.TrimPrefix(k, roomKeyPrefix), roomKeySuffix)
			if id != "" {
				rooms = append(rooms, id)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(rooms)
	return dedupeSorted(rooms), nil
}

// dedupeSorted 去除已排序切片中的重复项。SCAN 可能多次返回同一个键。
func dedupeSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	if out == nil {
		return []string{}
	}
	return out
}
