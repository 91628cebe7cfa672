package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要真实 Redis，未设置 ROOMCHAT_TEST_REDIS_ADDR 时跳过。
func newRedisRepo(t *testing.T) MessageRepository {
	t.Helper()
	addr := os.Getenv("ROOMCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ROOMCHAT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return NewRedisMessageRepository(rdb)
}

func TestRedisRepositoryRoundTrip(t *testing.T) {
	repo := newRedisRepo(t)
	ctx := context.Background()
	room := "test-" + uuid.NewString()
	other := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_ = repo.DeleteRoom(ctx, room)
		_ = repo.DeleteRoom(ctx, other)
	})

	base := time.Now()
	appendAt(t, repo, room, "alice", "hello", false, base)
	appendAt(t, repo, room, "AI Assistant", "hi there", true, base.Add(time.Second))
	appendAt(t, repo, other, "bob", "elsewhere", false, base)

	got, err := repo.History(ctx, room, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, []bool{false, true}, []bool{got[0].IsAI, got[1].IsAI})

	last, err := repo.History(ctx, room, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "hi there", last[0].Text)

	rooms, err := repo.ListRooms(ctx)
	require.NoError(t, err)
	assert.Contains(t, rooms, room)
	assert.Contains(t, rooms, other)

	require.NoError(t, repo.DeleteRoom(ctx, room))
	got, err = repo.History(ctx, room, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDedupeSorted(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupeSorted([]string{"a", "a", "b"}))
	assert.Equal(t, []string{}, dedupeSorted(nil))
}
