package embedding

import (
	"context"
	"fmt"
	"roomchat-go/pkg/log"

	"github.com/dgraph-io/ristretto"
)

// cachedClient 在 Embedding 客户端之前加一层 ristretto 缓存，
// 相同文本（例如重复的问句）不再重复调用远端接口。
type cachedClient struct {
	next  Client
	cache *ristretto.Cache
}

// NewCachedClient 包装一个 Client。maxEntries <= 0 时直接返回原客户端。
func NewCachedClient(next Client, maxEntries int64) (Client, error) {
	if maxEntries <= 0 {
		return next, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &cachedClient{next: next, cache: cache}, nil
}

// CreateEmbedding 优先从缓存读取向量，未命中时调用下游并写回缓存。
func (c *cachedClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.next.CreateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	if !c.cache.Set(text, vec, 1) {
		log.Warnf("[EmbeddingCache] 缓存写入被丢弃, input_len: %d", len(text))
	}
	return vec, nil
}
