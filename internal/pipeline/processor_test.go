package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"roomchat-go/internal/model"
	"roomchat-go/pkg/tasks"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUploader struct {
	objects map[string][]byte
	err     error
}

func (u *memUploader) PutJSON(_ context.Context, objectName string, data []byte) error {
	if u.err != nil {
		return u.err
	}
	u.objects[objectName] = data
	return nil
}

type memArchiveRepo struct {
	created []model.RoomArchive
}

func (r *memArchiveRepo) Create(a *model.RoomArchive) error {
	a.ID = uint(len(r.created) + 1)
	r.created = append(r.created, *a)
	return nil
}

func (r *memArchiveRepo) FindByRoomID(string) ([]model.RoomArchive, error) {
	return r.created, nil
}

func newTask() tasks.ArchiveTask {
	return tasks.ArchiveTask{
		RoomID: "team/r1",
		Messages: []model.Message{
			{ID: "m1", RoomID: "team/r1", Sender: "alice", Text: "hello"},
			{ID: "m2", RoomID: "team/r1", Sender: "AI Assistant", Text: "hi", IsAI: true},
		},
		DeletedAt: time.Unix(1700000000, 0),
	}
}

func TestProcessUploadsAndRecords(t *testing.T) {
	uploader := &memUploader{objects: map[string][]byte{}}
	repo := &memArchiveRepo{}
	p := NewProcessor(uploader, repo)

	require.NoError(t, p.Process(context.Background(), newTask()))

	data, ok := uploader.objects["archives/team%2Fr1/1700000000.json"]
	require.True(t, ok)
	var transcript model.Transcript
	require.NoError(t, json.Unmarshal(data, &transcript))
	assert.Equal(t, "team/r1", transcript.RoomID)
	assert.Len(t, transcript.Messages, 2)

	require.Len(t, repo.created, 1)
	assert.Equal(t, 2, repo.created[0].MessageCount)
	assert.Equal(t, "archives/team%2Fr1/1700000000.json", repo.created[0].ObjectName)
}

func TestProcessUploadFailureSkipsRecord(t *testing.T) {
	repo := &memArchiveRepo{}
	p := NewProcessor(&memUploader{err: errors.New("minio down")}, repo)

	assert.Error(t, p.Process(context.Background(), newTask()))
	assert.Empty(t, repo.created)
}
