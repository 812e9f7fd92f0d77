package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/slyntos/internal/llm"
	"github.com/xaenox/slyntos/internal/models"
	"go.uber.org/zap/zaptest"
)

func completionServer(t *testing.T, status int, content string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"nope","type":"server_error"}}`)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestGPT(t *testing.T, srv *httptest.Server) *GPTClassifier {
	return NewGPTClassifier(GPTConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, zaptest.NewLogger(t))
}

func TestGPTClassifier_Intents(t *testing.T) {
	png := []models.Attachment{{Name: "a.png", MIMEType: "image/png"}}

	tests := []struct {
		name    string
		content string
		turn    Turn
		want    Intent
	}{
		{"image", `{"intent":"generate_image","prompt":"a castle"}`, Turn{UserText: "castle pic pls"}, GenerateImage{Prompt: "a castle"}},
		{"image prompt fallback", `{"intent":"generate_image"}`, Turn{UserText: "castle pic pls"}, GenerateImage{Prompt: "castle pic pls"}},
		{"edit", `{"intent":"edit_image","prompt":"add a hat"}`, Turn{UserText: "hat", Attachments: png}, EditImage{Prompt: "add a hat"}},
		{"edit without image", `{"intent":"edit_image","prompt":"add a hat"}`, Turn{UserText: "hat"}, nil},
		{"beat", `{"intent":"play_beat","style":"Electronic","tempo":128}`, Turn{UserText: "beat"}, PlayBeat{Style: "electronic", Tempo: 128}},
		{"stop", "```json\n{\"intent\":\"stop_beat\"}\n```", Turn{UserText: "enough"}, StopBeat{}},
		{"speak", `{"intent":"speak","text":"hi"}`, Turn{UserText: "croon", Response: "la la la"}, Speak{Text: "la la la"}},
		{"none", `{"intent":"none"}`, Turn{UserText: "hello"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, hits := completionServer(t, http.StatusOK, tt.content)
			tt.turn.Surface = models.SurfaceGeneral
			assert.Equal(t, tt.want, newTestGPT(t, srv).Classify(context.Background(), tt.turn))
			assert.EqualValues(t, 1, hits.Load())
		})
	}
}

func TestGPTClassifier_FallsBackToRules(t *testing.T) {
	turn := Turn{Surface: models.SurfaceGeneral, UserText: "generate an image of a boat"}

	srv, _ := completionServer(t, http.StatusInternalServerError, "")
	assert.Equal(t, GenerateImage{Prompt: "a boat"}, newTestGPT(t, srv).Classify(context.Background(), turn))

	srv, _ = completionServer(t, http.StatusOK, "not json at all")
	assert.Equal(t, GenerateImage{Prompt: "a boat"}, newTestGPT(t, srv).Classify(context.Background(), turn))
}

func TestGPTClassifier_SkipsRemoteCall(t *testing.T) {
	srv, hits := completionServer(t, http.StatusOK, `{"intent":"generate_image","prompt":"x"}`)
	c := newTestGPT(t, srv)

	in := c.Classify(context.Background(), Turn{
		Surface:   models.SurfaceGeneral,
		UserText:  "anything",
		ToolCalls: []llm.ToolCall{{Name: llm.ToolStopBeat}},
	})
	require.Equal(t, StopBeat{}, in)

	assert.Nil(t, c.Classify(context.Background(), Turn{Surface: models.SurfaceAcademic, UserText: "draw an image of x"}))
	assert.EqualValues(t, 0, hits.Load())
}
