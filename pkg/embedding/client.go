// Package embedding 提供调用 OpenAI 兼容 Embedding 接口的客户端。
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"roomchat-go/internal/config"
	"roomchat-go/pkg/log"
	"strings"
	"time"
	"unicode/utf8"
)

// defaultMaxInputRunes 约等于 text-embedding-3 系列 8191 token 的上限。
const defaultMaxInputRunes = 8000

// ErrEmptyInput 表示规整后没有可向量化的文本。
var ErrEmptyInput = errors.New("embedding input is empty")

// Client 把一段文本转换为向量。
type Client interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type openAICompatibleClient struct {
	cfg      config.EmbeddingConfig
	maxRunes int
	client   *http.Client
}

// NewClient 创建 OpenAI 兼容的 Embedding 客户端。
func NewClient(cfg config.EmbeddingConfig) Client {
	maxRunes := cfg.MaxInputRunes
	if maxRunes <= 0 {
		maxRunes = defaultMaxInputRunes
	}
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openAICompatibleClient{
		cfg:      cfg,
		maxRunes: maxRunes,
		client:   &http.Client{Timeout: timeout},
	}
}

// MessageInput 生成聊天消息的向量化文本 "sender: text"，让发言人参与语义检索。
func MessageInput(sender, text string) string {
	text = normalize(text)
	if sender = strings.TrimSpace(sender); sender == "" {
		return text
	}
	return sender + ": " + text
}

// normalize 把换行和连续空白折叠为单个空格。
func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// truncate 按 rune 截断，保留开头的发言人前缀，不会切断多字节字符。
func truncate(text string, maxRunes int) string {
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	n := 0
	for i := range text {
		if n == maxRunes {
			return text[:i]
		}
		n++
	}
	return text
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// CreateEmbedding 规整并截断输入后调用 /embeddings，返回第一条向量。
func (c *openAICompatibleClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	input := normalize(text)
	if input == "" {
		return nil, ErrEmptyInput
	}
	if truncated := truncate(input, c.maxRunes); len(truncated) != len(input) {
		log.Warnf("[EmbeddingClient] 输入超过 %d 个字符，已截断", c.maxRunes)
		input = truncated
	}

	reqBytes, err := json.Marshal(embeddingRequest{
		Model:      c.cfg.Model,
		Input:      []string{input},
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, model: %s, error: %v", c.cfg.Model, err)
		return nil, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Errorf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s", resp.Status)
		return nil, fmt.Errorf("embedding api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	for _, d := range embeddingResp.Data {
		if d.Index == 0 && len(d.Embedding) > 0 {
			if c.cfg.Dimensions > 0 && len(d.Embedding) != c.cfg.Dimensions {
				return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(d.Embedding), c.cfg.Dimensions)
			}
			return d.Embedding, nil
		}
	}
	log.Warnf("[EmbeddingClient] Embedding API 返回了空的向量数据")
	return nil, fmt.Errorf("received empty embedding from api")
}
