package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/xaenox/slyntos/internal/models"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey string
	// Vertex selects the Vertex AI backend with Project and Location.
	Vertex   bool
	Project  string
	Location string

	ImageModel string
	EditModel  string
	TTSModel   string
	Voice      string
	Profiles   ProfileTable
}

// Gemini implements Generator, ImageGenerator and SpeechSynthesizer on the
// Gemini API or Vertex AI.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
	logger *zap.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Vertex {
		if cfg.Project == "" || cfg.Location == "" {
			return nil, fmt.Errorf("project and location are required for Vertex AI")
		}
		cc = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	if cfg.Profiles == nil {
		cfg.Profiles = GeminiProfiles()
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = "imagen-4.0-generate-001"
	}
	if cfg.EditModel == "" {
		cfg.EditModel = "gemini-2.5-flash-image"
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = "gemini-2.5-flash-preview-tts"
	}
	if cfg.Voice == "" {
		cfg.Voice = "Kore"
	}

	return &Gemini{client: client, cfg: cfg, logger: logger}, nil
}

func (g *Gemini) Stream(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		profile := g.cfg.Profiles.Lookup(req.Surface, req.Options.Mode)

		contents, err := buildGeminiContents(req.Transcript, req.Attachments)
		if err != nil {
			yield(Fragment{}, err)
			return
		}

		g.logger.Debug("Starting Gemini stream",
			zap.String("model", profile.Model),
			zap.String("surface", string(req.Surface)),
			zap.Int("turns", len(contents)))

		stream := g.client.Models.GenerateContentStream(ctx, profile.Model, contents, geminiConfig(req.SystemInstruction, profile))
		for resp, err := range stream {
			if err != nil {
				yield(Fragment{}, fmt.Errorf("gemini stream: %w", err))
				return
			}
			if !yield(geminiFragment(resp), nil) {
				return
			}
		}
	}
}

func (g *Gemini) GenerateImage(ctx context.Context, req ImageRequest) ([]string, error) {
	if req.Source != nil {
		return g.editImage(ctx, req)
	}

	resp, err := g.client.Models.GenerateImages(ctx, g.cfg.ImageModel, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		OutputMIMEType: "image/jpeg",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate images: %w", err)
	}

	var images []string
	for _, img := range resp.GeneratedImages {
		if img == nil || img.Image == nil || len(img.Image.ImageBytes) == 0 {
			continue
		}
		images = append(images, base64.StdEncoding.EncodeToString(img.Image.ImageBytes))
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images were returned")
	}
	return images, nil
}

func (g *Gemini) editImage(ctx context.Context, req ImageRequest) ([]string, error) {
	data, err := base64.StdEncoding.DecodeString(req.Source.Data)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, req.Source.MIMEType),
			genai.NewPartFromText(req.Prompt),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.EditModel, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini edit image: %w", err)
	}

	var images []string
	for _, part := range firstCandidateParts(resp) {
		if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "image/") {
			images = append(images, base64.StdEncoding.EncodeToString(part.InlineData.Data))
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no edited image was returned")
	}
	return images, nil
}

func (g *Gemini) Synthesize(ctx context.Context, text string) (Audio, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.TTSModel, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.cfg.Voice},
			},
		},
	})
	if err != nil {
		return Audio{}, fmt.Errorf("gemini synthesize: %w", err)
	}

	for _, part := range firstCandidateParts(resp) {
		if part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		// TTS models answer with raw little-endian 16-bit PCM.
		rate := pcmRate(part.InlineData.MIMEType, 24000)
		return Audio{Data: PCMToWAV(part.InlineData.Data, rate, 1, 16), MIMEType: "audio/wav"}, nil
	}
	return Audio{}, fmt.Errorf("no audio was returned")
}

func buildGeminiContents(transcript []models.Message, attachments []models.Attachment) ([]*genai.Content, error) {
	last := lastUserIndex(transcript)

	contents := make([]*genai.Content, 0, len(transcript))
	for i, m := range transcript {
		var parts []*genai.Part
		if m.Content != "" {
			parts = append(parts, genai.NewPartFromText(m.Content))
		}
		if i == last {
			for _, a := range attachments {
				data, err := base64.StdEncoding.DecodeString(a.Data)
				if err != nil {
					return nil, fmt.Errorf("decode attachment %q: %w", a.Name, err)
				}
				parts = append(parts, genai.NewPartFromBytes(data, a.MIMEType))
			}
		}
		if len(parts) == 0 {
			continue
		}

		role := genai.Role(genai.RoleUser)
		if m.Role == models.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents, nil
}

func geminiConfig(system string, p Profile) *genai.GenerateContentConfig {
	temp := p.Temperature
	topP := p.TopP

	cfg := &genai.GenerateContentConfig{
		Temperature: &temp,
		TopP:        &topP,
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if p.ThinkingBudget != nil {
		b := *p.ThinkingBudget
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &b}
	}
	if p.Search {
		cfg.Tools = append(cfg.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	if len(p.Functions) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, name := range p.Functions {
			if d, ok := functionDecls[name]; ok {
				decls = append(decls, geminiDeclaration(d))
			}
		}
		cfg.Tools = append(cfg.Tools, &genai.Tool{FunctionDeclarations: decls})
	}
	return cfg
}

func geminiDeclaration(d functionDecl) *genai.FunctionDeclaration {
	schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	for _, p := range d.params {
		prop := &genai.Schema{Type: genai.TypeString, Description: p.description, Enum: p.enum}
		if p.kind == "number" {
			prop.Type = genai.TypeNumber
		}
		schema.Properties[p.name] = prop
		if p.required {
			schema.Required = append(schema.Required, p.name)
		}
	}
	return &genai.FunctionDeclaration{Name: d.name, Description: d.description, Parameters: schema}
}

func firstCandidateParts(resp *genai.GenerateContentResponse) []*genai.Part {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	return resp.Candidates[0].Content.Parts
}

func geminiFragment(resp *genai.GenerateContentResponse) Fragment {
	var f Fragment
	var text strings.Builder
	for _, part := range firstCandidateParts(resp) {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			f.ToolCalls = append(f.ToolCalls, ToolCall{Name: part.FunctionCall.Name, Args: part.FunctionCall.Args})
		}
	}
	f.Text = text.String()

	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].GroundingMetadata != nil {
		for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			f.Sources = models.MergeSources(f.Sources, models.Source{URI: chunk.Web.URI, Title: chunk.Web.Title})
		}
	}
	return f
}

// pcmRate reads the rate parameter of an "audio/L16;codec=pcm;rate=24000" type.
func pcmRate(mimeType string, fallback int) int {
	for _, p := range strings.Split(mimeType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(k, "rate") {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return fallback
}
