package llm

import (
	"context"
	"fmt"
	"roomchat-go/internal/config"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/gorilla/websocket"
)

const defaultAnthropicMaxTokens = 1024

type anthropicClient struct {
	cfg    config.LLMConfig
	client anthropic.Client
}

func newAnthropicClient(cfg config.LLMConfig) *anthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicClient{
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
	}
}

// StreamChatMessages 调用 Anthropic Messages 流式接口。system 角色的消息合并为 System 参数。
func (c *anthropicClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	if gen == nil {
		gen = ParamsFromConfig(c.cfg.Generation)
	}
	params := buildAnthropicParams(c.cfg.Model, messages, gen)

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				if err := writer.WriteMessage(websocket.TextMessage, []byte(delta.Text)); err != nil {
					return fmt.Errorf("failed to write message to websocket: %w", err)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream failed: %w", err)
	}
	return nil
}

func buildAnthropicParams(model string, messages []Message, gen *GenerationParams) anthropic.MessageNewParams {
	var system []string
	var turns []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultAnthropicMaxTokens,
		Messages:  turns,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if gen != nil {
		if gen.MaxTokens != nil {
			params.MaxTokens = int64(*gen.MaxTokens)
		}
		if gen.Temperature != nil {
			params.Temperature = anthropic.Float(*gen.Temperature)
		}
		if gen.TopP != nil {
			params.TopP = anthropic.Float(*gen.TopP)
		}
	}
	return params
}
