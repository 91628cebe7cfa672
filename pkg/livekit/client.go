// Package livekit 封装 LiveKit RoomService 的 Twirp JSON 客户端。
package livekit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"roomchat-go/internal/config"
	"roomchat-go/internal/model"
	"roomchat-go/pkg/token"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	lkproto "github.com/livekit/protocol/livekit"
	"github.com/twitchtv/twirp"
)

// IsNotFound 判断错误是否为房间或参与者不存在，支持被 %w 包装过的错误。
func IsNotFound(err error) bool {
	var twerr twirp.Error
	if errors.As(err, &twerr) {
		return twerr.Code() == twirp.NotFound
	}
	return false
}

// Client 调用 RoomService 的各个方法，每次调用签发带对应授权的短期令牌。
type Client struct {
	rooms  lkproto.RoomService
	tokens *token.AccessTokenManager
}

// NewClient 创建客户端。ws:// 与 wss:// 地址会被转换为 http:// 与 https://。
func NewClient(cfg config.LiveKitConfig, tokens *token.AccessTokenManager) *Client {
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		rooms:  lkproto.NewRoomServiceJSONClient(HTTPURL(cfg.URL), &http.Client{Timeout: timeout}),
		tokens: tokens,
	}
}

// HTTPURL 把 LiveKit 的 websocket 地址转换为 HTTP 地址。
func HTTPURL(raw string) string {
	u := strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}

func roomToModel(r *lkproto.Room) model.Room {
	room := model.Room{
		SID:             r.GetSid(),
		Name:            r.GetName(),
		NumParticipants: int(r.GetNumParticipants()),
		MaxParticipants: int(r.GetMaxParticipants()),
		EmptyTimeout:    int(r.GetEmptyTimeout()),
		Metadata:        r.GetMetadata(),
	}
	if ts := r.GetCreationTime(); ts > 0 {
		t := time.Unix(ts, 0)
		room.CreatedAt = &t
	}
	return room
}

func participantToModel(p *lkproto.ParticipantInfo) model.Participant {
	part := model.Participant{
		SID:      p.GetSid(),
		Identity: p.GetIdentity(),
		Name:     p.GetName(),
		State:    p.GetState().String(),
		Metadata: p.GetMetadata(),
	}
	if ts := p.GetJoinedAt(); ts > 0 {
		t := time.Unix(ts, 0)
		part.JoinedAt = &t
	}
	return part
}

// CreateRoom 创建房间。房间已存在时 LiveKit 返回现有房间。
func (c *Client) CreateRoom(ctx context.Context, name string, emptyTimeout, maxParticipants int) (*model.Room, error) {
	ctx, err := c.withAuth(ctx, auth.VideoGrant{RoomCreate: true})
	if err != nil {
		return nil, err
	}
	resp, err := c.rooms.CreateRoom(ctx, &lkproto.CreateRoomRequest{
		Name:            name,
		EmptyTimeout:    uint32(emptyTimeout),
		MaxParticipants: uint32(maxParticipants),
	})
	if err != nil {
		return nil, fmt.Errorf("livekit CreateRoom 失败: %w", err)
	}
	room := roomToModel(resp)
	return &room, nil
}

// ListRooms 列出所有活跃房间。
func (c *Client) ListRooms(ctx context.Context) ([]model.Room, error) {
	ctx, err := c.withAuth(ctx, auth.VideoGrant{RoomList: true})
	if err != nil {
		return nil, err
	}
	resp, err := c.rooms.ListRooms(ctx, &lkproto.ListRoomsRequest{})
	if err != nil {
		return nil, fmt.Errorf("livekit ListRooms 失败: %w", err)
	}
	rooms := make([]model.Room, 0, len(resp.GetRooms()))
	for _, r := range resp.GetRooms() {
		rooms = append(rooms, roomToModel(r))
	}
	return rooms, nil
}

// DeleteRoom 删除房间并断开所有参与者。
func (c *Client) DeleteRoom(ctx context.Context, name string) error {
	ctx, err := c.withAuth(ctx, auth.VideoGrant{RoomCreate: true})
	if err != nil {
		return err
	}
	if _, err := c.rooms.DeleteRoom(ctx, &lkproto.DeleteRoomRequest{Room: name}); err != nil {
		return fmt.Errorf("livekit DeleteRoom 失败: %w", err)
	}
	return nil
}

// ListParticipants 列出房间内的参与者。
func (c *Client) ListParticipants(ctx context.Context, room string) ([]model.Participant, error) {
	ctx, err := c.withAuth(ctx, auth.VideoGrant{RoomAdmin: true, Room: room})
	if err != nil {
		return nil, err
	}
	resp, err := c.rooms.ListParticipants(ctx, &lkproto.ListParticipantsRequest{Room: room})
	if err != nil {
		return nil, fmt.Errorf("livekit ListParticipants 失败: %w", err)
	}
	parts := make([]model.Participant, 0, len(resp.GetParticipants()))
	for _, p := range resp.GetParticipants() {
		parts = append(parts, participantToModel(p))
	}
	return parts, nil
}

// withAuth 把带指定授权的 Bearer 令牌放进 Twirp 请求头。
func (c *Client) withAuth(ctx context.Context, grant auth.VideoGrant) (context.Context, error) {
	authToken, err := c.tokens.AdminToken(grant)
	if err != nil {
		return ctx, err
	}
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+authToken)
	return twirp.WithHTTPRequestHeaders(ctx, header)
}
