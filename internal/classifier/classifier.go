// Package classifier decides which secondary action, if any, a finished turn
// asks for.
package classifier

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/xaenox/slyntos/internal/llm"
	"github.com/xaenox/slyntos/internal/models"
)

// Intent is one of GenerateImage, EditImage, Speak, PlayBeat or StopBeat.
// A nil Intent means the turn needs no secondary action.
type Intent interface {
	intent()
}

type GenerateImage struct{ Prompt string }

type EditImage struct{ Prompt string }

type Speak struct{ Text string }

// PlayBeat carries a style name and a tempo in BPM; zero means the default.
type PlayBeat struct {
	Style string
	Tempo int
}

type StopBeat struct{}

func (GenerateImage) intent() {}
func (EditImage) intent()     {}
func (Speak) intent()         {}
func (PlayBeat) intent()      {}
func (StopBeat) intent()      {}

// Turn is what a classifier sees of a completed exchange.
type Turn struct {
	Surface     models.Surface
	UserText    string
	Attachments []models.Attachment
	ToolCalls   []llm.ToolCall
	// Response is the model's final text.
	Response string
}

type Classifier interface {
	Classify(ctx context.Context, turn Turn) Intent
}

// FromToolCalls maps the first recognised tool call to an Intent.
func FromToolCalls(calls []llm.ToolCall) Intent {
	for _, c := range calls {
		switch c.Name {
		case llm.ToolGenerateImage:
			return GenerateImage{Prompt: c.StringArg("prompt")}
		case llm.ToolEditImage:
			return EditImage{Prompt: c.StringArg("prompt")}
		case llm.ToolSpeak:
			return Speak{Text: c.StringArg("text")}
		case llm.ToolPlayBeat:
			tempo := 0
			if n, ok := c.NumberArg("tempo"); ok {
				tempo = int(n)
			}
			return PlayBeat{Style: strings.ToLower(c.StringArg("style")), Tempo: tempo}
		case llm.ToolStopBeat:
			return StopBeat{}
		}
	}
	return nil
}

var (
	stopBeatRe = regexp.MustCompile(`(?i)\b(stop|end|kill|turn off)\b.*\b(beat|drums?|music)\b`)
	playBeatRe = regexp.MustCompile(`(?i)\b(play|start|drop|give me)\b.*\b(beat|drums?)\b`)
	styleRe    = regexp.MustCompile(`(?i)\b(hip[\s-]?hop|rock|electronic|edm)\b`)
	bpmRe      = regexp.MustCompile(`(?i)\b(\d{2,3})\s*bpm\b`)
	editRe     = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(edit|change|modify|make|turn|add|remove|replace)\b`)
	imageRe    = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:generate|create|draw|make|paint|render)\s+(?:me\s+)?(?:an?\s+)?(?:image|picture|photo|drawing|painting|illustration)\s*(?:of|showing|with)?\s*(.*)$`)
	speakRe    = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:sing|say|speak|read)\b(?:\s+(?:this|that|it))?(?:\s+(?:out\s+loud|aloud))?\s*:?\s*(.*)$`)
)

// RuleClassifier maps tool calls, then keyword rules, to intents. The rules
// only apply on the General surface.
type RuleClassifier struct{}

func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

func (c *RuleClassifier) Classify(_ context.Context, turn Turn) Intent {
	if in := FromToolCalls(turn.ToolCalls); in != nil {
		return in
	}
	if turn.Surface != models.SurfaceGeneral {
		return nil
	}
	return classifyText(turn)
}

func classifyText(turn Turn) Intent {
	text := strings.TrimSpace(turn.UserText)
	if text == "" {
		return nil
	}

	if stopBeatRe.MatchString(text) {
		return StopBeat{}
	}
	if playBeatRe.MatchString(text) {
		return PlayBeat{Style: beatStyle(text), Tempo: beatTempo(text)}
	}
	if hasImage(turn.Attachments) {
		if editRe.MatchString(text) {
			return EditImage{Prompt: text}
		}
	}
	if m := imageRe.FindStringSubmatch(text); m != nil {
		prompt := strings.TrimSpace(m[1])
		if prompt == "" {
			prompt = text
		}
		return GenerateImage{Prompt: prompt}
	}
	if m := speakRe.FindStringSubmatch(text); m != nil {
		// The model's answer is spoken; the request text is the fallback.
		words := strings.TrimSpace(m[1])
		if turn.Response != "" {
			words = turn.Response
		}
		if words == "" {
			return nil
		}
		return Speak{Text: words}
	}
	return nil
}

func beatStyle(text string) string {
	m := styleRe.FindString(text)
	switch s := strings.ToLower(m); {
	case s == "":
		return "hiphop"
	case s == "edm":
		return "electronic"
	case strings.HasPrefix(s, "hip"):
		return "hiphop"
	default:
		return s
	}
}

func beatTempo(text string) int {
	m := bpmRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func hasImage(attachments []models.Attachment) bool {
	for _, a := range attachments {
		if strings.HasPrefix(a.MIMEType, "image/") {
			return true
		}
	}
	return false
}
