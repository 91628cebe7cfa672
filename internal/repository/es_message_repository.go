package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"roomchat-go/internal/model"
	"roomchat-go/pkg/embedding"
	"roomchat-go/pkg/es"
	"roomchat-go/pkg/log"
	"sort"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
)

const (
	// 聚合房间列表时的桶上限
	maxRoomBuckets = 10000
	// 单次 from+size 不能超过 index.max_result_window 的默认值
	maxResultWindow = 10000
)

type esMessageRepository struct {
	esClient       *elasticsearch.Client
	embedder       embedding.Client
	indexName      string
	deletePageSize int
	pageSize       int
}

// NewESMessageRepository 创建一个基于 Elasticsearch 向量检索的消息仓库。
// deletePageSize 是每轮 delete_by_query 删除的最大文档数。
func NewESMessageRepository(esClient *elasticsearch.Client, embedder embedding.Client, indexName string, deletePageSize int) MessageRepository {
	if deletePageSize <= 0 {
		deletePageSize = 1000
	}
	return &esMessageRepository{
		esClient:       esClient,
		embedder:       embedder,
		indexName:      indexName,
		deletePageSize: deletePageSize,
		pageSize:       maxResultWindow,
	}
}

func (r *esMessageRepository) Semantic() bool { return true }

func (r *esMessageRepository) Append(ctx context.Context, msg *model.Message) error {
	if err := ValidateRoomID(msg.RoomID); err != nil {
		return err
	}
	vec, err := r.embedder.CreateEmbedding(ctx, embeddingText(msg))
	if err != nil {
		return fmt.Errorf("embed message: %w", err)
	}
	meta := messageMetadata(msg)
	doc := model.MessageDocument{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		Sender:    msg.Sender,
		Text:      msg.Text,
		IsAI:      meta[metaIsAI],
		Timestamp: meta[metaTimestamp],
		Vector:    vec,
	}
	return es.IndexDocument(ctx, r.esClient, r.indexName, doc)
}

func (r *esMessageRepository) Relevant(ctx context.Context, roomID, query string, k int) ([]model.Message, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []model.Message{}, nil
	}
	vec, err := r.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.search(ctx, buildKnnQuery(vec, roomID, k))
	if err != nil {
		return nil, err
	}
	return messagesOf(hits), nil
}

func (r *esMessageRepository) History(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []model.Message{}, nil
	}
	// 按时间倒序分页读取最新的 limit 条，每页不超过结果窗口
	msgs := make([]model.Message, 0)
	var after []interface{}
	for len(msgs) < limit {
		size := limit - len(msgs)
		if size > r.pageSize {
			size = r.pageSize
		}
		hits, err := r.search(ctx, buildHistoryQuery(roomID, size, after))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, messagesOf(hits)...)
		if len(hits) < size || len(hits[len(hits)-1].Sort) == 0 {
			break
		}
		after = hits[len(hits)-1].Sort
	}
	// 恢复为升序
	sortByTimestamp(msgs)
	return msgs, nil
}

// DeleteRoom 分批执行 delete_by_query，直到没有文档被删除。
func (r *esMessageRepository) DeleteRoom(ctx context.Context, roomID string) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	total := 0
	for {
		deleted, err := r.deletePage(ctx, roomID)
		if err != nil {
			return err
		}
		total += deleted
		if deleted == 0 {
			break
		}
	}
	log.Infof("[ESMessageRepository] 房间 %s 共删除 %d 条消息", roomID, total)
	return nil
}

func (r *esMessageRepository) deletePage(ctx context.Context, roomID string) (int, error) {
	body, err := encodeBody(buildRoomFilterQuery(roomID))
	if err != nil {
		return 0, err
	}
	res, err := r.esClient.DeleteByQuery(
		[]string{r.indexName},
		body,
		r.esClient.DeleteByQuery.WithContext(ctx),
		r.esClient.DeleteByQuery.WithMaxDocs(r.deletePageSize),
		r.esClient.DeleteByQuery.WithConflicts("proceed"),
		r.esClient.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return 0, fmt.Errorf("elasticsearch delete_by_query failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("elasticsearch returned an error: %s %s", res.Status(), string(bodyBytes))
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode delete_by_query response: %w", err)
	}
	return out.Deleted, nil
}

func (r *esMessageRepository) ListRooms(ctx context.Context) ([]string, error) {
	body, err := encodeBody(map[string]interface{}{
		"size": 0,
		"aggs": map[string]interface{}{
			"rooms": map[string]interface{}{
				"terms": map[string]interface{}{"field": "room_id", "size": maxRoomBuckets},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	res, err := r.esClient.Search(
		r.esClient.Search.WithContext(ctx),
		r.esClient.Search.WithIndex(r.indexName),
		r.esClient.Search.WithBody(body),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch returned an error: %s %s", res.Status(), string(bodyBytes))
	}

	var out struct {
		Aggregations struct {
			Rooms struct {
				Buckets []struct {
					Key string `json:"key"`
				} `json:"buckets"`
			} `json:"rooms"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}
	rooms := make([]string, 0, len(out.Aggregations.Rooms.Buckets))
	for _, b := range out.Aggregations.Rooms.Buckets {
		rooms = append(rooms, b.Key)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// esHit 是一条搜索命中，Sort 用于 search_after 翻页。
type esHit struct {
	Source model.MessageDocument `json:"_source"`
	Sort   []interface{}         `json:"sort"`
}

func messagesOf(hits []esHit) []model.Message {
	msgs := make([]model.Message, 0, len(hits))
	for _, hit := range hits {
		msgs = append(msgs, documentToMessage(hit.Source))
	}
	return msgs
}

func (r *esMessageRepository) search(ctx context.Context, query map[string]interface{}) ([]esHit, error) {
	body, err := encodeBody(query)
	if err != nil {
		return nil, err
	}
	res, err := r.esClient.Search(
		r.esClient.Search.WithContext(ctx),
		r.esClient.Search.WithIndex(r.indexName),
		r.esClient.Search.WithBody(body),
	)
	if err != nil {
		log.Errorf("[ESMessageRepository] 向 Elasticsearch 发送搜索请求失败: %v", err)
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[ESMessageRepository] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits []esHit `json:"hits"`
		} `json:"hits"`
	}
	decoder := json.NewDecoder(res.Body)
	// 保留 sort 值的原始精度，原样回传给 search_after
	decoder.UseNumber()
	if err := decoder.Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}
	return esResponse.Hits.Hits, nil
}

func documentToMessage(doc model.MessageDocument) model.Message {
	isAI, _ := strconv.ParseBool(doc.IsAI)
	ts, err := parseTimestamp(doc.Timestamp)
	if err != nil {
		ts = time.Time{}
	}
	return model.Message{
		ID:        doc.MessageID,
		RoomID:    doc.RoomID,
		Sender:    doc.Sender,
		Text:      doc.Text,
		Timestamp: ts,
		IsAI:      isAI,
	}
}

func encodeBody(query map[string]interface{}) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}
	return &buf, nil
}

var excludeVector = map[string]interface{}{"excludes": []string{"vector"}}

func buildRoomFilterQuery(roomID string) map[string]interface{} {
	return map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"room_id": roomID},
		},
	}
}

// buildKnnQuery 构建按房间过滤的 knn 查询，结果按相似度排序。
func buildKnnQuery(vec []float32, roomID string, k int) map[string]interface{} {
	if k > maxResultWindow {
		k = maxResultWindow
	}
	candidates := k * 10
	if candidates < 100 {
		candidates = 100
	}
	if candidates > maxResultWindow {
		candidates = maxResultWindow
	}
	return map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vec,
			"k":              k,
			"num_candidates": candidates,
			"filter": map[string]interface{}{
				"term": map[string]interface{}{"room_id": roomID},
			},
		},
		"size":    k,
		"_source": excludeVector,
	}
}

// buildHistoryQuery 构建按时间倒序的一页查询。message_id 作为次序键保证翻页稳定，
// after 为上一页最后一条的 sort 值。
func buildHistoryQuery(roomID string, size int, after []interface{}) map[string]interface{} {
	if size > maxResultWindow {
		size = maxResultWindow
	}
	q := buildRoomFilterQuery(roomID)
	q["sort"] = []map[string]interface{}{
		{"timestamp": map[string]interface{}{"order": "desc"}},
		{"message_id": map[string]interface{}{"order": "asc"}},
	}
	q["size"] = size
	q["_source"] = excludeVector
	if len(after) > 0 {
		q["search_after"] = after
	}
	return q
}
