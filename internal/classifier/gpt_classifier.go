package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/slyntos/internal/models"
	"go.uber.org/zap"
)

type GPTResponse struct {
	Intent string  `json:"intent"`
	Prompt string  `json:"prompt"`
	Style  string  `json:"style"`
	Tempo  float64 `json:"tempo"`
	Text   string  `json:"text"`
}

type GPTConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// GPTClassifier asks an OpenAI chat model for the intent of a General turn.
// Tool calls still win, and any failure falls back to the keyword rules.
type GPTClassifier struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	fallback    *RuleClassifier
	logger      *zap.Logger
}

func NewGPTClassifier(cfg GPTConfig, logger *zap.Logger) *GPTClassifier {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &GPTClassifier{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		fallback:    NewRuleClassifier(),
		logger:      logger,
	}
}

func (c *GPTClassifier) Classify(ctx context.Context, turn Turn) Intent {
	if in := FromToolCalls(turn.ToolCalls); in != nil {
		return in
	}
	if turn.Surface != models.SurfaceGeneral || strings.TrimSpace(turn.UserText) == "" {
		return nil
	}

	analysis, err := c.analyze(ctx, turn)
	if err != nil {
		c.logger.Warn("Falling back to rule classification", zap.Error(err))
		return c.fallback.Classify(ctx, turn)
	}
	return analysis.toIntent(turn)
}

func (c *GPTClassifier) analyze(ctx context.Context, turn Turn) (GPTResponse, error) {
	prompt := fmt.Sprintf(`Decide which single action the user's latest chat message asks for.
Possible intents:
- "generate_image": create a new image (set "prompt")
- "edit_image": change the attached image (set "prompt"; only if an image is attached)
- "speak": sing, say or read something aloud (set "text" if the user dictated the words)
- "play_beat": play a drum beat (set "style" to hiphop, rock or electronic, and "tempo" in BPM if given)
- "stop_beat": stop the drum beat
- "none": anything else

Return only a JSON object with this structure:
{"intent": "...", "prompt": "...", "style": "...", "tempo": 0, "text": "..."}

Image attached: %t
Message: %s`, hasImage(turn.Attachments), turn.UserText)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:      c.maxTokens,
		Temperature:    float32(c.temperature),
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return GPTResponse{}, fmt.Errorf("classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return GPTResponse{}, fmt.Errorf("classify: empty response")
	}

	var out GPTResponse
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "```json"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		c.logger.Debug("Unparseable classifier response", zap.String("response", raw))
		return GPTResponse{}, fmt.Errorf("parse classifier response: %w", err)
	}
	return out, nil
}

func (r GPTResponse) toIntent(turn Turn) Intent {
	switch strings.ToLower(strings.TrimSpace(r.Intent)) {
	case "generate_image":
		return GenerateImage{Prompt: firstNonEmpty(r.Prompt, turn.UserText)}
	case "edit_image":
		if !hasImage(turn.Attachments) {
			return nil
		}
		return EditImage{Prompt: firstNonEmpty(r.Prompt, turn.UserText)}
	case "speak":
		text := firstNonEmpty(turn.Response, r.Text)
		if text == "" {
			return nil
		}
		return Speak{Text: text}
	case "play_beat":
		return PlayBeat{Style: firstNonEmpty(strings.ToLower(r.Style), "hiphop"), Tempo: int(r.Tempo)}
	case "stop_beat":
		return StopBeat{}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
