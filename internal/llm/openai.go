package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/slyntos/internal/models"
	"go.uber.org/zap"
)

type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint, e.g. for a compatible proxy.
	BaseURL    string
	MaxTokens  int
	ImageModel string
	TTSModel   string
	Voice      string
	Profiles   ProfileTable
}

// OpenAI implements Generator, ImageGenerator and SpeechSynthesizer on the
// OpenAI chat, images and audio APIs.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *zap.Logger
}

func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Profiles == nil {
		cfg.Profiles = OpenAIProfiles()
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = openai.CreateImageModelDallE3
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}
}

func (o *OpenAI) Stream(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		profile := o.cfg.Profiles.Lookup(req.Surface, req.Options.Mode)

		messages, err := buildOpenAIMessages(req.SystemInstruction, req.Transcript, req.Attachments)
		if err != nil {
			yield(Fragment{}, err)
			return
		}

		chatReq := openai.ChatCompletionRequest{
			Model:       profile.Model,
			Messages:    messages,
			MaxTokens:   o.cfg.MaxTokens,
			Temperature: profile.Temperature,
			TopP:        profile.TopP,
			Stream:      true,
		}
		for _, name := range profile.Functions {
			if d, ok := functionDecls[name]; ok {
				chatReq.Tools = append(chatReq.Tools, openai.Tool{
					Type: openai.ToolTypeFunction,
					Function: &openai.FunctionDefinition{
						Name:        d.name,
						Description: d.description,
						Parameters:  d.jsonSchema(),
					},
				})
			}
		}

		stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			yield(Fragment{}, fmt.Errorf("openai stream: %w", err))
			return
		}
		defer stream.Close()

		calls := newToolCallAccumulator()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(Fragment{}, fmt.Errorf("openai stream: %w", err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta
			calls.add(delta.ToolCalls)
			if delta.Content != "" {
				if !yield(Fragment{Text: delta.Content}, nil) {
					return
				}
			}
		}

		// Tool call arguments arrive in pieces; they are only usable once complete.
		toolCalls, err := calls.complete()
		if err != nil {
			o.logger.Warn("Dropping malformed tool call", zap.Error(err))
		}
		if len(toolCalls) > 0 {
			yield(Fragment{ToolCalls: toolCalls}, nil)
		}
	}
}

func (o *OpenAI) GenerateImage(ctx context.Context, req ImageRequest) ([]string, error) {
	if req.Source != nil {
		return nil, fmt.Errorf("image editing: %w", ErrUnsupported)
	}

	resp, err := o.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          o.cfg.ImageModel,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai create image: %w", err)
	}

	var images []string
	for _, d := range resp.Data {
		if d.B64JSON != "" {
			images = append(images, d.B64JSON)
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images were returned")
	}
	return images, nil
}

func (o *OpenAI) Synthesize(ctx context.Context, text string) (Audio, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.cfg.TTSModel),
		Input:          text,
		Voice:          openai.SpeechVoice(o.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("openai create speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return Audio{}, fmt.Errorf("read speech: %w", err)
	}
	return Audio{Data: data, MIMEType: "audio/mpeg"}, nil
}

func buildOpenAIMessages(system string, transcript []models.Message, attachments []models.Attachment) ([]openai.ChatCompletionMessage, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(transcript)+1)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	last := lastUserIndex(transcript)
	for i, m := range transcript {
		role := openai.ChatMessageRoleUser
		if m.Role == models.RoleModel {
			role = openai.ChatMessageRoleAssistant
		}

		if i != last || len(attachments) == 0 {
			if m.Content == "" {
				continue
			}
			messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
			continue
		}

		parts := []openai.ChatMessagePart{}
		if m.Content != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: m.Content})
		}
		for _, a := range attachments {
			part, err := openAIAttachmentPart(a)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return messages, nil
}

func openAIAttachmentPart(a models.Attachment) (openai.ChatMessagePart, error) {
	switch {
	case strings.HasPrefix(a.MIMEType, "image/"):
		return openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: "data:" + a.MIMEType + ";base64," + a.Data},
		}, nil
	case strings.HasPrefix(a.MIMEType, "text/"):
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return openai.ChatMessagePart{}, fmt.Errorf("decode attachment %q: %w", a.Name, err)
		}
		return openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: fmt.Sprintf("Attached file %s:\n%s", a.Name, data),
		}, nil
	default:
		return openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: fmt.Sprintf("[Attached file %s (%s) cannot be read by this model]", a.Name, a.MIMEType),
		}, nil
	}
}

type partialCall struct {
	name string
	args strings.Builder
}

// toolCallAccumulator joins streamed tool call deltas by their index.
type toolCallAccumulator struct {
	byIndex map[int]*partialCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*partialCall)}
}

func (a *toolCallAccumulator) add(deltas []openai.ToolCall) {
	for pos, d := range deltas {
		idx := pos
		if d.Index != nil {
			idx = *d.Index
		}
		pc, ok := a.byIndex[idx]
		if !ok {
			pc = &partialCall{}
			a.byIndex[idx] = pc
		}
		if d.Function.Name != "" {
			pc.name = d.Function.Name
		}
		pc.args.WriteString(d.Function.Arguments)
	}
}

func (a *toolCallAccumulator) complete() ([]ToolCall, error) {
	indexes := make([]int, 0, len(a.byIndex))
	for idx := range a.byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var (
		out  []ToolCall
		errs []error
	)
	for _, idx := range indexes {
		pc := a.byIndex[idx]
		if pc.name == "" {
			continue
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(pc.args.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				errs = append(errs, fmt.Errorf("tool call %s: %w", pc.name, err))
				continue
			}
		}
		out = append(out, ToolCall{Name: pc.name, Args: args})
	}
	return out, errors.Join(errs...)
}
