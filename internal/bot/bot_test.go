package bot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/slyntos/internal/auth"
	"github.com/xaenox/slyntos/internal/chat"
	"github.com/xaenox/slyntos/internal/classifier"
	"github.com/xaenox/slyntos/internal/models"
)

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `\#work\_notes`, escapeMarkdown("#work_notes"))
	assert.Equal(t, `1\. Hello \(draft\)\!`, escapeMarkdown("1. Hello (draft)!"))
	assert.Equal(t, `a\\b`, escapeMarkdown(`a\b`))
}

func TestReplyEditor_Throttles(t *testing.T) {
	var sent []string
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newReplyEditor(time.Second, func(text string) error {
		sent = append(sent, text)
		return nil
	})
	e.now = func() time.Time { return clock }

	require.NoError(t, e.update("Hi", false))
	clock = clock.Add(300 * time.Millisecond)
	require.NoError(t, e.update("Hi there", false))
	clock = clock.Add(time.Second)
	require.NoError(t, e.update("Hi there, friend", false))
	require.NoError(t, e.update("Hi there, friend", true))
	require.NoError(t, e.update("Hi there, friend!", true))
	require.NoError(t, e.update("   ", true))

	assert.Equal(t, []string{"Hi", "Hi there, friend", "Hi there, friend!"}, sent)
}

func TestReplyEditor_SendErrorKeepsState(t *testing.T) {
	fail := true
	var sent []string
	e := newReplyEditor(time.Hour, func(text string) error {
		if fail {
			return errors.New("telegram down")
		}
		sent = append(sent, text)
		return nil
	})

	require.Error(t, e.update("one", false))
	fail = false
	require.NoError(t, e.update("one", false))
	assert.Equal(t, []string{"one"}, sent)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	chunks := splitText("line one\nline two\nline three", 12)
	assert.Equal(t, []string{"line one\n", "line two\n", "line three"}, chunks)

	long := strings.Repeat("ж", 25)
	chunks = splitText(long, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, long, strings.Join(chunks, ""))
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
	assert.Equal(t, "жж…", truncate("жжжж", 3))
}

func TestFormatReply(t *testing.T) {
	assert.Equal(t, "...", formatReply(models.Message{}))
	got := formatReply(models.Message{
		Content: "Paris.\n",
		Sources: []models.Source{{URI: "https://a.example", Title: "A"}, {URI: "https://b.example", Title: "B"}},
	})
	assert.Equal(t, "Paris.\n\nSources:\n1. A - https://a.example\n2. B - https://b.example", got)
}

func TestFormatSessions(t *testing.T) {
	s1 := &models.ChatSession{ID: "s1", Title: "Trip plan"}
	s2 := &models.ChatSession{ID: "s2", Title: "New Chat"}
	got := formatSessions(models.SurfaceWebsiteCreator, []*models.ChatSession{s1, s2}, s2)
	assert.Equal(t, "*Website Creator chats:*\n1\\. Trip plan\n*2\\. New Chat* \\(current\\)\n", got)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{chat.ErrBusy, "Still working on your previous message, please wait."},
		{fmt.Errorf("open: %w", chat.ErrUpgradeRequired), "This surface needs a paid account. Use /upgrade <access code>."},
		{&chat.AttachmentError{Name: "a.zip", Reason: `file type "application/zip" is not supported`}, `a.zip: file type "application/zip" is not supported`},
		{&auth.ValidationError{Msg: "username is required"}, "username is required"},
		{auth.ErrInvalidCredentials, auth.ErrInvalidCredentials.Error()},
		{auth.ErrUsernameTaken, auth.ErrUsernameTaken.Error()},
		{errors.New("pq: connection refused"), "Something went wrong. Please try again."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, userMessage(tt.err))
	}
}

func TestDeliverableIntent(t *testing.T) {
	beat := classifier.PlayBeat{Style: "rock"}
	assert.Equal(t, beat, deliverableIntent(chat.Event{Kind: chat.EventToolPending, Intent: beat}))
	assert.Nil(t, deliverableIntent(chat.Event{Kind: chat.EventToolPending, Intent: beat, Err: errors.New("unknown beat style")}))
	assert.Nil(t, deliverableIntent(chat.Event{Kind: chat.EventFragment, Intent: beat}))

	// reply text mentioning a failure does not suppress a started beat
	ev := chat.Event{Kind: chat.EventToolPending, Intent: beat, Message: models.Message{Content: "Error starting beat"}}
	assert.Equal(t, beat, deliverableIntent(ev))
}

func TestImageName(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	jpeg := []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00")
	assert.Equal(t, "image-1.png", imageName(1, png))
	assert.Equal(t, "image-2.jpg", imageName(2, jpeg))
	assert.Equal(t, "image-3.png", imageName(3, []byte("unknown")))
}

func TestRenderBeat(t *testing.T) {
	wav, err := renderBeat(classifier.PlayBeat{Style: "rock", Tempo: 120})
	require.NoError(t, err)
	require.Greater(t, len(wav), 44)
	assert.Equal(t, "RIFF", string(wav[:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.EqualValues(t, 22050, binary.LittleEndian.Uint32(wav[24:28]))

	// unknown style falls back to hip-hop
	_, err = renderBeat(classifier.PlayBeat{Style: "polka"})
	require.NoError(t, err)
}
