package repository

import (
	"context"
	"fmt"
	"roomchat-go/internal/model"
	"roomchat-go/pkg/embedding"
	"roomchat-go/pkg/log"
	"sort"

	"github.com/philippgille/chromem-go"
)

// chromem 没有按条件遍历的接口，全量扫描时用这个固定文本的向量作为查询。
const scanQueryText = "conversation"

type chromemMessageRepository struct {
	col      *chromem.Collection
	embedder embedding.Client
}

// NewChromemMessageRepository 创建一个基于嵌入式向量库 chromem 的消息仓库。所有房间共用一个 collection。
func NewChromemMessageRepository(db *chromem.DB, collection string, embedder embedding.Client) (MessageRepository, error) {
	col, err := db.GetOrCreateCollection(collection, nil, chromem.EmbeddingFunc(embedder.CreateEmbedding))
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &chromemMessageRepository{col: col, embedder: embedder}, nil
}

func (r *chromemMessageRepository) Semantic() bool { return true }

func (r *chromemMessageRepository) Append(ctx context.Context, msg *model.Message) error {
	if err := ValidateRoomID(msg.RoomID); err != nil {
		return err
	}
	vec, err := r.embedder.CreateEmbedding(ctx, embeddingText(msg))
	if err != nil {
		return fmt.Errorf("embed message: %w", err)
	}
	doc := chromem.Document{
		ID:        msg.ID,
		Content:   msg.Text,
		Embedding: vec,
		Metadata:  messageMetadata(msg),
	}
	if err := r.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Relevant 返回与 query 最相似的 k 条，保持相似度顺序。
func (r *chromemMessageRepository) Relevant(ctx context.Context, roomID, query string, k int) ([]model.Message, error) {
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
	return r.query(ctx, vec, k, map[string]string{metaRoomID: roomID})
}

// History 取出房间的全部文档，按时间排序后保留最后 limit 条。
func (r *chromemMessageRepository) History(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []model.Message{}, nil
	}
	msgs, err := r.scan(ctx, map[string]string{metaRoomID: roomID})
	if err != nil {
		return nil, err
	}
	sortByTimestamp(msgs)
	return tail(msgs, limit), nil
}

func (r *chromemMessageRepository) DeleteRoom(ctx context.Context, roomID string) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	if r.col.Count() == 0 {
		return nil
	}
	if err := r.col.Delete(ctx, map[string]string{metaRoomID: roomID}, nil); err != nil {
		return fmt.Errorf("delete room documents: %w", err)
	}
	return nil
}

func (r *chromemMessageRepository) ListRooms(ctx context.Context) ([]string, error) {
	msgs, err := r.scan(ctx, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	rooms := []string{}
	for _, m := range msgs {
		if _, ok := seen[m.RoomID]; ok || m.RoomID == "" {
			continue
		}
		seen[m.RoomID] = struct{}{}
		rooms = append(rooms, m.RoomID)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// scan 用探测向量查询整个 collection，返回所有满足 where 的文档。
func (r *chromemMessageRepository) scan(ctx context.Context, where map[string]string) ([]model.Message, error) {
	total := r.col.Count()
	if total == 0 {
		return []model.Message{}, nil
	}
	anchor, err := r.embedder.CreateEmbedding(ctx, scanQueryText)
	if err != nil {
		return nil, fmt.Errorf("embed scan query: %w", err)
	}
	return r.query(ctx, anchor, total, where)
}

func (r *chromemMessageRepository) query(ctx context.Context, vec []float32, n int, where map[string]string) ([]model.Message, error) {
	// chromem 要求 nResults 不超过 collection 中的文档数
	if total := r.col.Count(); n > total {
		n = total
	}
	if n == 0 {
		return []model.Message{}, nil
	}
	results, err := r.col.QueryEmbedding(ctx, vec, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	msgs := make([]model.Message, 0, len(results))
	for _, res := range results {
		msgs = append(msgs, messageFromMetadata(res.ID, res.Content, res.Metadata))
	}
	log.Infof("[ChromemMessageRepository] 查询返回 %d 条结果", len(msgs))
	return msgs, nil
}
