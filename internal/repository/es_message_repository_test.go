package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"roomchat-go/internal/model"
	"roomchat-go/pkg/es"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildKnnQuery(t *testing.T) {
	q := buildKnnQuery([]float32{0.1, 0.2}, "r1", 5)
	b, err := json.Marshal(q)
	require.NoError(t, err)

	var decoded struct {
		Knn struct {
			Field         string `json:"field"`
			K             int    `json:"k"`
			NumCandidates int    `json:"num_candidates"`
			Filter        struct {
				Term map[string]string `json:"term"`
			} `json:"filter"`
		} `json:"knn"`
		Size int `json:"size"`
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "vector", decoded.Knn.Field)
	assert.Equal(t, 5, decoded.Knn.K)
	assert.Equal(t, 100, decoded.Knn.NumCandidates)
	assert.Equal(t, "r1", decoded.Knn.Filter.Term["room_id"])
	assert.Equal(t, 5, decoded.Size)
}

func TestBuildHistoryQuery(t *testing.T) {
	q := buildHistoryQuery("r1", 50, nil)
	assert.Equal(t, 50, q["size"])
	assert.NotContains(t, q, "search_after")
	b, err := json.Marshal(q["sort"])
	require.NoError(t, err)
	assert.JSONEq(t, `[{"timestamp":{"order":"desc"}},{"message_id":{"order":"asc"}}]`, string(b))
}

func TestBuildHistoryQueryStaysInsideResultWindow(t *testing.T) {
	q := buildHistoryQuery("r1", 20000, []interface{}{json.Number("1714557600000"), "m9"})
	b, err := json.Marshal(q)
	require.NoError(t, err)

	var decoded struct {
		Size        int           `json:"size"`
		SearchAfter []interface{} `json:"search_after"`
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, maxResultWindow, decoded.Size)
	assert.Equal(t, []interface{}{float64(1714557600000), "m9"}, decoded.SearchAfter)
}

func TestBuildKnnQueryStaysInsideResultWindow(t *testing.T) {
	q := buildKnnQuery([]float32{0.1}, "r1", 50000)
	assert.Equal(t, maxResultWindow, q["size"])
	knn := q["knn"].(map[string]interface{})
	assert.Equal(t, maxResultWindow, knn["k"])
	assert.Equal(t, maxResultWindow, knn["num_candidates"])
}

func TestDocumentToMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := documentToMessage(model.MessageDocument{
		MessageID: "m1", RoomID: "r1", Sender: "AI Assistant", Text: "hi",
		IsAI: "true", Timestamp: ts.Format(time.RFC3339Nano),
	})
	assert.Equal(t, "m1", msg.ID)
	assert.True(t, msg.IsAI)
	assert.True(t, msg.Timestamp.Equal(ts))
}

// 需要真实 Elasticsearch，未设置 ROOMCHAT_TEST_ES_ADDR 时跳过。
func TestESRepositoryIntegration(t *testing.T) {
	addr := os.Getenv("ROOMCHAT_TEST_ES_ADDR")
	if addr == "" {
		t.Skip("ROOMCHAT_TEST_ES_ADDR not set")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{addr}})
	require.NoError(t, err)

	index := "roomchat_test_" + uuid.NewString()[:8]
	require.NoError(t, es.CreateIndexIfNotExists(client, index, 64))
	t.Cleanup(func() {
		res, err := client.Indices.Delete([]string{index})
		if err == nil {
			res.Body.Close()
		}
	})

	// 小分页用来覆盖多轮删除
	repo := NewESMessageRepository(client, bagOfWords{dims: 64}, index, 2)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		appendAt(t, repo, "r1", "bob", fmt.Sprintf("message %d", i), false, base.Add(time.Duration(i)*time.Second))
	}
	appendAt(t, repo, "r2", "alice", "other", false, base)

	got, err := repo.History(ctx, "r1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "message 2", got[0].Text)
	assert.Equal(t, "message 4", got[2].Text)

	// 缩小分页，覆盖 search_after 多页读取
	repo.(*esMessageRepository).pageSize = 2
	got, err = repo.History(ctx, "r1", 100)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "message 0", got[0].Text)
	assert.Equal(t, "message 4", got[4].Text)

	rel, err := repo.Relevant(ctx, "r1", "message 3", 2)
	require.NoError(t, err)
	for _, m := range rel {
		assert.Equal(t, "r1", m.RoomID)
	}

	rooms, err := repo.ListRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, rooms)

	require.NoError(t, repo.DeleteRoom(ctx, "r1"))
	got, err = repo.History(ctx, "r1", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = repo.History(ctx, "r2", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
