package llm

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/slyntos/internal/models"
	"google.golang.org/genai"
)

func TestBuildGeminiContents_AttachesToLastUserTurn(t *testing.T) {
	transcript := []models.Message{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleModel, Content: "reply"},
		{Role: models.RoleModel, Content: ""},
		{Role: models.RoleUser, Content: "look at this"},
	}
	attachments := []models.Attachment{{Name: "a.png", MIMEType: "image/png", Data: base64.StdEncoding.EncodeToString([]byte("png"))}}

	contents, err := buildGeminiContents(transcript, attachments)
	require.NoError(t, err)
	require.Len(t, contents, 3, "empty turns are skipped")

	assert.Equal(t, "user", contents[0].Role)
	assert.Len(t, contents[0].Parts, 1)
	assert.Equal(t, "model", contents[1].Role)

	last := contents[2]
	require.Len(t, last.Parts, 2)
	assert.Equal(t, "look at this", last.Parts[0].Text)
	require.NotNil(t, last.Parts[1].InlineData)
	assert.Equal(t, "image/png", last.Parts[1].InlineData.MIMEType)
	assert.Equal(t, []byte("png"), last.Parts[1].InlineData.Data)
}

func TestBuildGeminiContents_BadBase64(t *testing.T) {
	_, err := buildGeminiContents(
		[]models.Message{{Role: models.RoleUser, Content: "x"}},
		[]models.Attachment{{Name: "bad", MIMEType: "text/plain", Data: "%%%"}},
	)
	require.Error(t, err)
}

func TestGeminiFragment(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking...", Thought: true},
				{Text: "Hello"},
				{Text: " world"},
				{FunctionCall: &genai.FunctionCall{Name: ToolGenerateImage, Args: map[string]any{"prompt": "a cat"}}},
			}},
			GroundingMetadata: &genai.GroundingMetadata{GroundingChunks: []*genai.GroundingChunk{
				{Web: &genai.GroundingChunkWeb{URI: "https://a", Title: "A"}},
				{Web: &genai.GroundingChunkWeb{URI: "https://a", Title: "A"}},
				{Web: &genai.GroundingChunkWeb{URI: "https://b"}},
				{},
			}},
		}},
	}

	f := geminiFragment(resp)
	assert.Equal(t, "Hello world", f.Text)
	require.Len(t, f.ToolCalls, 1)
	assert.Equal(t, "a cat", f.ToolCalls[0].StringArg("prompt"))
	assert.Equal(t, []models.Source{{URI: "https://a", Title: "A"}}, f.Sources)

	assert.Equal(t, Fragment{}, geminiFragment(&genai.GenerateContentResponse{}))
}

func TestGeminiConfig(t *testing.T) {
	general := GeminiProfiles().Lookup(models.SurfaceGeneral, ModeThinking)
	cfg := geminiConfig("be nice", general)

	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "be nice", cfg.SystemInstruction.Parts[0].Text)
	require.Len(t, cfg.Tools, 1)
	assert.NotNil(t, cfg.Tools[0].GoogleSearch)
	require.NotNil(t, cfg.ThinkingConfig)
	assert.EqualValues(t, -1, *cfg.ThinkingConfig.ThinkingBudget)
	assert.InDelta(t, 0.7, *cfg.Temperature, 1e-6)

	withFns := withFunctions(base("m"), ToolPlayBeat, ToolStopBeat)
	cfg = geminiConfig("", withFns)
	assert.Nil(t, cfg.SystemInstruction)
	require.Len(t, cfg.Tools, 1)
	decls := cfg.Tools[0].FunctionDeclarations
	require.Len(t, decls, 2)
	assert.Equal(t, ToolPlayBeat, decls[0].Name)
	assert.Equal(t, genai.TypeNumber, decls[0].Parameters.Properties["tempo"].Type)
	assert.Equal(t, []string{"style"}, decls[0].Parameters.Required)
}

func TestPCMRate(t *testing.T) {
	assert.Equal(t, 16000, pcmRate("audio/L16;codec=pcm;rate=16000", 24000))
	assert.Equal(t, 24000, pcmRate("audio/L16", 24000))
	assert.Equal(t, 24000, pcmRate("audio/L16;rate=abc", 24000))
}
