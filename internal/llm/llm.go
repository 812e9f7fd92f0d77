// Package llm wraps hosted generative models behind a small streaming contract.
//
// A Generator turns a transcript into a lazy, single-pass sequence of fragments.
// Transport failures end the sequence with a non-nil error; nothing is retried.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/xaenox/slyntos/internal/models"
)

var ErrUnsupported = errors.New("operation not supported by this backend")

// Mode selects a model profile within a surface.
type Mode string

const (
	ModeDefault  Mode = "default"
	ModeThinking Mode = "thinking"
	ModeLite     Mode = "lite"
)

var Modes = []Mode{ModeDefault, ModeThinking, ModeLite}

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeDefault:
		return ModeDefault, nil
	case ModeThinking, ModeLite:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

type Options struct {
	Mode Mode
}

type Request struct {
	// Transcript excludes the in-flight model placeholder.
	Transcript        []models.Message
	SystemInstruction string
	// Attachments are sent with the last user turn.
	Attachments []models.Attachment
	Surface     models.Surface
	Options     Options
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	Name string
	Args map[string]any
}

// StringArg returns the named argument when it is a string.
func (c ToolCall) StringArg(name string) string {
	s, _ := c.Args[name].(string)
	return s
}

// NumberArg returns the named argument when it is numeric.
func (c ToolCall) NumberArg(name string) (float64, bool) {
	switch v := c.Args[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Fragment is one incremental unit of a streamed response.
type Fragment struct {
	Text      string
	Sources   []models.Source
	ToolCalls []ToolCall
}

type Generator interface {
	Stream(ctx context.Context, req Request) iter.Seq2[Fragment, error]
}

type ImageRequest struct {
	Prompt string
	// Source is the image to edit; nil generates from scratch.
	Source *models.Attachment
}

type ImageGenerator interface {
	// GenerateImage returns base64 encoded images.
	GenerateImage(ctx context.Context, req ImageRequest) ([]string, error)
}

type Audio struct {
	Data     []byte
	MIMEType string
}

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// lastUserIndex returns the index of the last user message, or -1.
func lastUserIndex(transcript []models.Message) int {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == models.RoleUser {
			return i
		}
	}
	return -1
}
