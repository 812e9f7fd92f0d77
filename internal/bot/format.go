package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xaenox/slyntos/internal/models"
)

// replyEditor throttles edits of one streaming reply message.
type replyEditor struct {
	interval time.Duration
	send     func(text string) error
	now      func() time.Time

	mu       sync.Mutex
	last     time.Time
	lastText string
}

func newReplyEditor(interval time.Duration, send func(text string) error) *replyEditor {
	return &replyEditor{interval: interval, send: send, now: time.Now}
}

// update edits the message unless the text is unchanged or, when not
// forced, the previous edit was less than interval ago.
func (e *replyEditor) update(text string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if strings.TrimSpace(text) == "" || text == e.lastText {
		return nil
	}
	now := e.now()
	if !force && !e.last.IsZero() && now.Sub(e.last) < e.interval {
		return nil
	}
	if err := e.send(text); err != nil {
		return err
	}
	e.last = now
	e.lastText = text
	return nil
}

// formatReply renders the message text followed by its sources.
func formatReply(m models.Message) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(m.Content))
	if len(m.Sources) > 0 {
		sb.WriteString("\n\nSources:")
		for i, s := range m.Sources {
			fmt.Fprintf(&sb, "\n%d. %s - %s", i+1, s.Title, s.URI)
		}
	}
	if sb.Len() == 0 {
		return "..."
	}
	return sb.String()
}

func formatSessions(surface models.Surface, sessions []*models.ChatSession, active *models.ChatSession) string {
	var sb strings.Builder
	sb.WriteString("*" + escapeMarkdown(surface.DisplayName()+" chats:") + "*\n")
	for i, s := range sessions {
		line := fmt.Sprintf("%d. %s", i+1, s.Title)
		if active != nil && s.ID == active.ID {
			sb.WriteString("*" + escapeMarkdown(line) + "* " + escapeMarkdown("(current)") + "\n")
			continue
		}
		sb.WriteString(escapeMarkdown(line) + "\n")
	}
	return sb.String()
}

// splitText cuts text into chunks of at most limit runes, preferring line breaks.
func splitText(text string, limit int) []string {
	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		cut := runeOffset(text, limit)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

// truncate keeps the first limit runes of text.
func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return text[:runeOffset(text, limit-1)] + "…"
}

func runeOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}

// escapeMarkdown escapes the MarkdownV2 special characters, backslash first.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
