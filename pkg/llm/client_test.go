package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"roomchat-go/internal/config"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, chunks []string, captured *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if captured != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": c}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestCompleteCollectsStream(t *testing.T) {
	var got chatRequest
	srv := sseServer(t, []string{"Hello", ", ", "world"}, &got)
	defer srv.Close()

	c := NewClient(config.LLMConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		Model:      "test-model",
		Generation: config.LLMGenerationConfig{MaxTokens: 64},
	})

	answer, err := Complete(context.Background(), c, []Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", answer)

	assert.Equal(t, "test-model", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 64, *got.MaxTokens)
	assert.Nil(t, got.Temperature)
}

func TestStreamChatMessagesNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{APIKey: "test-key", BaseURL: srv.URL})
	_, err := Complete(context.Background(), c, []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestParamsFromConfig(t *testing.T) {
	assert.Nil(t, ParamsFromConfig(config.LLMGenerationConfig{}))

	gp := ParamsFromConfig(config.LLMGenerationConfig{Temperature: 0.3, TopP: 0.9})
	require.NotNil(t, gp)
	assert.InDelta(t, 0.3, *gp.Temperature, 1e-9)
	assert.InDelta(t, 0.9, *gp.TopP, 1e-9)
	assert.Nil(t, gp.MaxTokens)
}

func TestBuildAnthropicParams(t *testing.T) {
	temp := 0.5
	params := buildAnthropicParams("claude-test", []Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleSystem, Content: "memory"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}, &GenerationParams{Temperature: &temp})

	require.Len(t, params.System, 1)
	assert.Equal(t, "rules\n\nmemory", params.System[0].Text)
	assert.Len(t, params.Messages, 2)
	assert.Equal(t, int64(defaultAnthropicMaxTokens), params.MaxTokens)
	assert.True(t, params.Temperature.Valid())
}
