package agentorch

import (
	"regexp"

	"github.com/mbkchat/convhub/internal/helpdesk"
	"github.com/mbkchat/convhub/internal/providers"
)

// BuildHistory maps a conversation's helpdesk messages onto provider chat
// roles: client messages (type=0) are "user", everything else — operator
// replies, the agent's own prior turns — is "assistant". Private notes and
// system activity entries are folded in as tagged assistant turns instead
// of being dropped, so the router sees the full operational context a
// human operator would.
func BuildHistory(messages []helpdesk.Message) []providers.Message {
	out := make([]providers.Message, 0, len(messages))
	for _, m := range messages {
		role := "assistant"
		content := m.Content
		switch {
		case m.Private:
			content = "[Внутренняя заметка: " + content + "]"
		case m.MessageType == 2:
			content = "[СИСТЕМНАЯ ИНФОРМАЦИЯ!] " + content
		case m.MessageType == 0:
			role = "user"
		}
		out = append(out, providers.Message{Role: role, Content: content})
	}
	return out
}

// fileLinkPattern matches the same attachment-link segments the outbound
// pipeline splits on, so the typing-delay char count can exclude them —
// a 40-character PDF URL shouldn't read as 40 characters of typed prose.
var fileLinkPattern = regexp.MustCompile(`https?://\S+?\.(pdf|jpe?g|png|docx?|xlsx?|pptx?|txt|csv|gif|webp|mp4|avi|zip|rar)`)

// VisibleCharCount returns the length of text with file-link segments
// removed, the input to the typing-delay formula.
func VisibleCharCount(text string) int {
	stripped := fileLinkPattern.ReplaceAllString(text, "")
	return len([]rune(stripped))
}
