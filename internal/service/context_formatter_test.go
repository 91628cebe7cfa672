package service

import (
	"roomchat-go/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatContextEmpty(t *testing.T) {
	assert.Equal(t, NoConversationSentinel, FormatContext(nil, false))
	assert.Equal(t, NoConversationSentinel, FormatContext([]model.Message{}, true))
}

func TestFormatContextRecent(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 5, 7, 0, time.UTC)
	msgs := []model.Message{
		{Sender: "alice", Text: "hello", Timestamp: base},
		{Sender: "AI Assistant", Text: "hi there", Timestamp: base.Add(2 * time.Second), IsAI: true},
	}

	want := "Recent conversation:\n09:05:07 [alice] hello\n09:05:09 [AI] hi there"
	assert.Equal(t, want, FormatContext(msgs, false))
	// 纯函数：相同输入得到相同输出
	assert.Equal(t, FormatContext(msgs, false), FormatContext(msgs, false))
}

func TestFormatContextRelevantKeepsOrder(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msgs := []model.Message{
		{Sender: "bob", Text: "later but more relevant", Timestamp: base.Add(time.Minute)},
		{Sender: "alice", Text: "earlier", Timestamp: base},
	}

	want := "Relevant conversation:\n10:01:00 [bob] later but more relevant\n10:00:00 [alice] earlier"
	assert.Equal(t, want, FormatContext(msgs, true))
}
