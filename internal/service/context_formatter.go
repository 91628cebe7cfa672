package service

import (
	"roomchat-go/internal/model"
	"strings"
)

// NoConversationSentinel 是房间没有任何消息时的上下文文本。
const NoConversationSentinel = "No previous conversation in this room."

const (
	recentHeader   = "Recent conversation:"
	relevantHeader = "Relevant conversation:"
	aiTag          = "[AI]"
)

// FormatContext 把消息格式化为注入 prompt 的文本，每行 "HH:MM:SS [sender] text"。
// relevant 为 true 时表示消息按相似度排序，使用不同的标题，不重新排序。
func FormatContext(msgs []model.Message, relevant bool) string {
	if len(msgs) == 0 {
		return NoConversationSentinel
	}
	header := recentHeader
	if relevant {
		header = relevantHeader
	}
	lines := make([]string, 0, len(msgs)+1)
	lines = append(lines, header)
	for _, m := range msgs {
		prefix := aiTag
		if !m.IsAI {
			prefix = "[" + m.Sender + "]"
		}
		lines = append(lines, m.Timestamp.Format("15:04:05")+" "+prefix+" "+m.Text)
	}
	return strings.Join(lines, "\n")
}
