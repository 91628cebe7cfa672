package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"roomchat-go/internal/model"
	"roomchat-go/pkg/tasks"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	err   error
	calls int
}

func (p *stubProcessor) Process(_ context.Context, _ tasks.ArchiveTask) error {
	p.calls++
	return p.err
}

type memAttempts struct {
	counts map[string]int64
	err    error
}

func (a *memAttempts) Incr(_ context.Context, key string) (int64, error) {
	if a.err != nil {
		return 0, a.err
	}
	a.counts[key]++
	return a.counts[key], nil
}

func (a *memAttempts) Reset(_ context.Context, key string) {
	delete(a.counts, key)
}

func encodeTask(t *testing.T) ([]byte, tasks.ArchiveTask) {
	t.Helper()
	task := tasks.ArchiveTask{
		RoomID:    "r1",
		Messages:  []model.Message{{ID: "m1", RoomID: "r1", Sender: "alice", Text: "hi"}},
		DeletedAt: time.Unix(1700000000, 0),
	}
	b, err := json.Marshal(task)
	require.NoError(t, err)
	return b, task
}

const testBackoff = time.Millisecond

func TestHandleMessageSuccessResetsAttempts(t *testing.T) {
	value, task := encodeTask(t)
	attempts := &memAttempts{counts: map[string]int64{attemptsKey(task): 2}}

	assert.True(t, handleMessage(context.Background(), value, &stubProcessor{}, attempts, testBackoff))
	assert.Empty(t, attempts.counts)
}

func TestHandleMessageRetriesInProcessUntilLimit(t *testing.T) {
	value, task := encodeTask(t)
	attempts := &memAttempts{counts: map[string]int64{}}
	proc := &stubProcessor{err: errors.New("minio down")}

	assert.True(t, handleMessage(context.Background(), value, proc, attempts, testBackoff))
	assert.Equal(t, maxAttempts, proc.calls)
	assert.Empty(t, attempts.counts)
	assert.Equal(t, "kafka:attempts:r1:1700000000", attemptsKey(task))
}

func TestHandleMessageResumesCountAfterRestart(t *testing.T) {
	value, task := encodeTask(t)
	// 上一个进程已经失败过两次
	attempts := &memAttempts{counts: map[string]int64{attemptsKey(task): 2}}
	proc := &stubProcessor{err: errors.New("minio down")}

	assert.True(t, handleMessage(context.Background(), value, proc, attempts, testBackoff))
	assert.Equal(t, 1, proc.calls)
}

func TestHandleMessageCounterUnavailable(t *testing.T) {
	value, _ := encodeTask(t)

	proc := &stubProcessor{err: errors.New("boom")}
	assert.True(t, handleMessage(context.Background(), value, proc, &memAttempts{err: errors.New("redis down")}, testBackoff))
	assert.Equal(t, maxAttempts, proc.calls)

	proc = &stubProcessor{err: errors.New("boom")}
	assert.True(t, handleMessage(context.Background(), value, proc, nil, testBackoff))
	assert.Equal(t, maxAttempts, proc.calls)
}

func TestHandleMessageStopsRetryingOnShutdown(t *testing.T) {
	value, _ := encodeTask(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	proc := &stubProcessor{err: errors.New("boom")}
	assert.False(t, handleMessage(ctx, value, proc, nil, time.Hour))
	assert.Equal(t, 1, proc.calls)
}

func TestHandleMessageMalformed(t *testing.T) {
	proc := &stubProcessor{}
	assert.True(t, handleMessage(context.Background(), []byte("{not json"), proc, nil, testBackoff))
	assert.Zero(t, proc.calls)
}

// flakyProcessor 前 failures 次调用失败。
type flakyProcessor struct {
	failures int
	calls    int
	rooms    []string
}

func (p *flakyProcessor) Process(_ context.Context, task tasks.ArchiveTask) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("transient")
	}
	p.rooms = append(p.rooms, task.RoomID)
	return nil
}

// fakeReader 依次返回预置消息，取完后返回 context.Canceled。
type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		return kafka.Message{}, context.Canceled
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func taskMessage(t *testing.T, room string, offset int64) kafka.Message {
	t.Helper()
	b, err := json.Marshal(tasks.ArchiveTask{RoomID: room, DeletedAt: time.Unix(1700000000+offset, 0)})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestConsumeRetriesFailedTaskBeforeCommitting(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{taskMessage(t, "a", 1), taskMessage(t, "b", 2)}}
	proc := &flakyProcessor{failures: 2}

	consume(context.Background(), reader, proc, &memAttempts{counts: map[string]int64{}}, testBackoff)

	// 第一条失败两次后成功，没有被跳过
	assert.Equal(t, []string{"a", "b"}, proc.rooms)
	assert.Equal(t, 4, proc.calls)
	assert.Equal(t, []int64{1, 2}, reader.committed)
	assert.True(t, reader.closed)
}

func TestConsumeGivesUpAfterMaxAttempts(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{taskMessage(t, "a", 1), taskMessage(t, "b", 2)}}
	proc := &flakyProcessor{failures: maxAttempts}

	consume(context.Background(), reader, proc, nil, testBackoff)

	assert.Equal(t, []string{"b"}, proc.rooms)
	assert.Equal(t, maxAttempts+1, proc.calls)
	assert.Equal(t, []int64{1, 2}, reader.committed)
}
