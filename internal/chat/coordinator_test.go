package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/slyntos/internal/beat"
	"github.com/xaenox/slyntos/internal/classifier"
	"github.com/xaenox/slyntos/internal/llm"
	"github.com/xaenox/slyntos/internal/media"
	"github.com/xaenox/slyntos/internal/models"
	"github.com/xaenox/slyntos/internal/storage"
	"go.uber.org/zap/zaptest"
)

type fakePlayer struct {
	mu       sync.Mutex
	started  []string
	stops    int
	disposed bool
	err      error
}

func (p *fakePlayer) Start(style beat.Style, bpm int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.started = append(p.started, fmt.Sprintf("%s@%d", style, bpm))
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *fakePlayer) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed = true
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	store  *storage.MemoryStorage
	deps   Dependencies
	images *llm.MockImages
	player *fakePlayer
}

func newFixture(t *testing.T, gen llm.Generator) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	mediaStore, err := media.NewFSStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		clock = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		ids   int
	)
	f := &fixture{
		store:  store,
		images: &llm.MockImages{Images: []string{"aW1hZ2U="}},
		player: &fakePlayer{},
	}
	f.deps = Dependencies{
		Store:     store,
		Generator: gen,
		Images:    f.images,
		Speech:    &llm.MockSpeech{},
		Media:     mediaStore,
		Player:    f.player,
		Logger:    zaptest.NewLogger(t),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Minute)
			return clock
		},
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			ids++
			return fmt.Sprintf("s%d", ids)
		},
	}
	return f
}

func (f *fixture) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(context.Background(), f.deps, "u1", models.SurfaceGeneral)
	require.NoError(t, err)
	return c
}

func text(s string) llm.Step { return llm.Step{Fragment: llm.Fragment{Text: s}} }

func TestSubmit_ConcatenatesFragments(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("Hi"), text(" there")))
	c := f.coordinator(t)
	rec := &recorder{}

	final, err := c.Submit(context.Background(), SubmitInput{Text: "greet me please, my dear friend"}, rec.observe)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", final.Content)
	assert.Equal(t, models.RoleModel, final.Role)

	assert.Equal(t, []EventKind{EventUserTurn, EventPlaceholder, EventFragment, EventFragment, EventFinalized}, rec.kinds())
	assert.Equal(t, "Hi", rec.events[2].Message.Content)
	assert.Empty(t, rec.events[1].Message.Content)

	active := c.Active()
	require.Len(t, active.Messages, 2)
	assert.Equal(t, "greet me please, my dear...", active.Title)

	stored, err := f.store.GetSessions(context.Background(), "u1", models.SurfaceGeneral)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Len(t, stored[0].Messages, 2)
	assert.Equal(t, "Hi there", stored[0].Messages[1].Content)
	assert.False(t, c.Busy())
}

func TestSubmit_TranscriptExcludesPlaceholder(t *testing.T) {
	gen := llm.NewMock()
	f := newFixture(t, gen)
	c := f.coordinator(t)

	_, err := c.Submit(context.Background(), SubmitInput{Text: "one", Mode: llm.ModeLite}, nil)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), SubmitInput{Text: "two"}, nil)
	require.NoError(t, err)

	reqs := gen.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Transcript, 1)
	assert.Equal(t, llm.ModeLite, reqs[0].Options.Mode)
	require.Len(t, reqs[1].Transcript, 3)
	assert.Equal(t, "You said: one", reqs[1].Transcript[1].Content)
	assert.Equal(t, models.RoleUser, reqs[1].Transcript[2].Role)
	assert.Equal(t, llm.SystemInstruction(models.SurfaceGeneral), reqs[1].SystemInstruction)
}

func TestSubmit_SourcesAreUnique(t *testing.T) {
	a := models.Source{URI: "https://a", Title: "A"}
	b := models.Source{URI: "https://b", Title: "B"}
	f := newFixture(t, llm.NewMock(
		llm.Step{Fragment: llm.Fragment{Text: "x", Sources: []models.Source{a}}},
		llm.Step{Fragment: llm.Fragment{Text: "y", Sources: []models.Source{a, b, {URI: "https://c"}}}},
	))

	final, err := f.coordinator(t).Submit(context.Background(), SubmitInput{Text: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []models.Source{a, b}, final.Sources)
}

func TestSubmit_StreamErrorKeepsPartialAndPersists(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("partial"), llm.Step{Err: errors.New("connection reset")}))
	c := f.coordinator(t)
	rec := &recorder{}

	// text that would otherwise trigger an image
	final, err := c.Submit(context.Background(), SubmitInput{Text: "generate an image of a cat"}, rec.observe)
	require.NoError(t, err)
	assert.Equal(t, "partial\n\nError: connection reset", final.Content)
	assert.Empty(t, f.images.Calls(), "no follow-up on the error path")

	kinds := rec.kinds()
	assert.Equal(t, EventFinalized, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, EventToolPending)
	assert.EqualError(t, rec.events[len(rec.events)-1].Err, "connection reset")

	stored, err := f.store.GetSessions(context.Background(), "u1", models.SurfaceGeneral)
	require.NoError(t, err)
	assert.Equal(t, "partial\n\nError: connection reset", stored[0].Messages[1].Content)
	assert.False(t, c.Busy())
}

func TestSubmit_CancelledContextFollowsErrorPath(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, llm.NewMock(text("half"), llm.Step{Wait: gate, Fragment: llm.Fragment{Text: "never"}}))
	c := f.coordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	final, err := c.Submit(ctx, SubmitInput{Text: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "half\n\nError: "+context.Canceled.Error(), final.Content)

	stored, err := f.store.GetSessions(context.Background(), "u1", models.SurfaceGeneral)
	require.NoError(t, err)
	assert.Len(t, stored[0].Messages, 2, "persisted despite the cancelled context")
}

func TestSubmit_RejectedWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, llm.NewMock(text("first"), llm.Step{Wait: gate, Fragment: llm.Fragment{Text: " done"}}))
	c := f.coordinator(t)
	sessionID := c.Active().ID

	done := make(chan models.Message)
	go func() {
		m, err := c.Submit(context.Background(), SubmitInput{Text: "one"}, nil)
		assert.NoError(t, err)
		done <- m
	}()
	require.Eventually(t, func() bool {
		a := c.Active()
		return len(a.Messages) == 2 && a.Messages[1].Content == "first"
	}, time.Second, 5*time.Millisecond)

	_, err := c.Submit(context.Background(), SubmitInput{Text: "two"}, nil)
	require.ErrorIs(t, err, ErrBusy)
	assert.Len(t, c.Active().Messages, 2, "no second placeholder")

	_, err = c.NewChat(context.Background())
	require.ErrorIs(t, err, ErrBusy)
	_, err = c.Select(sessionID)
	require.ErrorIs(t, err, ErrBusy)
	_, err = c.Delete(context.Background(), sessionID)
	require.ErrorIs(t, err, ErrBusy)

	close(gate)
	m := <-done
	assert.Equal(t, "first done", m.Content)

	_, err = c.Submit(context.Background(), SubmitInput{Text: "two"}, nil)
	require.NoError(t, err)
	assert.Len(t, c.Active().Messages, 4)
}

func TestSubmit_InputValidation(t *testing.T) {
	gen := llm.NewMock()
	f := newFixture(t, gen)
	c := f.coordinator(t)

	_, err := c.Submit(context.Background(), SubmitInput{Text: "   "}, nil)
	require.ErrorIs(t, err, ErrEmptySubmission)

	many := make([]models.Attachment, 6)
	for i := range many {
		many[i] = models.Attachment{Name: fmt.Sprintf("f%d.txt", i), MIMEType: "text/plain", Data: "eA=="}
	}
	_, err = c.Submit(context.Background(), SubmitInput{Text: "x", Attachments: many}, nil)
	var attErr *AttachmentError
	require.ErrorAs(t, err, &attErr)

	_, err = c.Submit(context.Background(), SubmitInput{Attachments: []models.Attachment{{Name: "a.exe", MIMEType: "application/x-msdownload"}}}, nil)
	require.ErrorAs(t, err, &attErr)
	assert.Equal(t, "a.exe", attErr.Name)

	assert.Empty(t, gen.Requests(), "nothing reaches the network")
	assert.Empty(t, c.Active().Messages)
}

func TestSubmit_AttachmentOnlyTitle(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("nice")))
	c := f.coordinator(t)

	_, err := c.Submit(context.Background(), SubmitInput{Attachments: []models.Attachment{{Name: "paper.pdf", Data: "eA=="}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "paper.pdf", c.Active().Title)
	assert.Len(t, c.Active().Messages[0].Attachments, 1)
}

func toolCall(name string, args map[string]any) llm.Step {
	return llm.Step{Fragment: llm.Fragment{ToolCalls: []llm.ToolCall{{Name: name, Args: args}}}}
}

func TestSubmit_GenerateImage(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("Sure!"), toolCall(llm.ToolGenerateImage, map[string]any{"prompt": "a cat"})))
	c := f.coordinator(t)
	rec := &recorder{}

	final, err := c.Submit(context.Background(), SubmitInput{Text: "hello"}, rec.observe)
	require.NoError(t, err)
	assert.Equal(t, "Sure!\n\n*Generating an image of \"a cat\"...*", final.Content)
	assert.Equal(t, []string{"aW1hZ2U="}, final.Images)

	calls := f.images.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "a cat", calls[0].Prompt)
	assert.Nil(t, calls[0].Source)

	kinds := rec.kinds()
	require.Contains(t, kinds, EventToolPending)
	for _, e := range rec.events {
		if e.Kind == EventToolPending {
			assert.Equal(t, classifier.GenerateImage{Prompt: "a cat"}, e.Intent)
			assert.Contains(t, e.Message.Content, "Generating an image")
		}
	}
	assert.Equal(t, EventFinalized, kinds[len(kinds)-1])
}

func TestSubmit_GenerateImageFailure(t *testing.T) {
	f := newFixture(t, llm.NewMock(toolCall(llm.ToolGenerateImage, map[string]any{"prompt": "a cat"})))
	f.images.Err = errors.New("quota exceeded")

	final, err := f.coordinator(t).Submit(context.Background(), SubmitInput{Text: "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "*Generating an image of \"a cat\"...*\n\n*Error generating image: quota exceeded*", final.Content)
	assert.Empty(t, final.Images)
}

func TestSubmit_MissingCollaboratorIsANote(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("ok"), toolCall(llm.ToolGenerateImage, map[string]any{"prompt": "x"})))
	f.deps.Images = nil

	final, err := f.coordinator(t).Submit(context.Background(), SubmitInput{Text: "hello"}, nil)
	require.NoError(t, err)
	assert.Contains(t, final.Content, "\n\n*Error generating image: image generation is not configured*")
}

func TestSubmit_EditImageUsesAttachment(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("On it.")))
	photo := models.Attachment{Name: "me.jpg", MIMEType: "image/jpeg", Data: "anBn"}

	final, err := f.coordinator(t).Submit(context.Background(), SubmitInput{Text: "make it black and white", Attachments: []models.Attachment{photo}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "On it.\n\n*Editing your image: \"make it black and white\"...*", final.Content)
	assert.Equal(t, []string{"aW1hZ2U="}, final.Images)

	calls := f.images.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Source)
	assert.Equal(t, "me.jpg", calls[0].Source.Name)
}

func TestSubmit_SpeakStoresAudio(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("la la la"), toolCall(llm.ToolSpeak, map[string]any{"text": "la la la"})))

	final, err := f.coordinator(t).Submit(context.Background(), SubmitInput{Text: "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "la la la", final.Content)
	require.NotEmpty(t, final.AudioRef)

	data, ct, err := f.deps.Media.Get(context.Background(), final.AudioRef)
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", ct)
	assert.Equal(t, "RIFF", string(data[:4]))
}

func TestSubmit_SpeakFailure(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("hi"), toolCall(llm.ToolSpeak, nil)))
	f.deps.Speech = &llm.MockSpeech{Err: errors.New("voice unavailable")}

	final, err := f.coordinator(t).Submit(context.Background(), SubmitInput{Text: "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi\n\n*Error generating speech: voice unavailable*", final.Content)
	assert.Empty(t, final.AudioRef)
}

func TestSubmit_Beat(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("Here it comes.")))
	c := f.coordinator(t)

	final, err := c.Submit(context.Background(), SubmitInput{Text: "play a rock beat at 140 bpm"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Here it comes.\n\n*Playing a rock beat at 140 BPM.*", final.Content)
	assert.Equal(t, []string{"rock@140"}, f.player.started)

	final, err = c.Submit(context.Background(), SubmitInput{Text: "stop the beat"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Here it comes.\n\n*Beat stopped.*", final.Content)
	assert.Equal(t, 1, f.player.stops)
}

func TestSubmit_BeatFailure(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("ok"), toolCall(llm.ToolPlayBeat, map[string]any{"style": "polka"})))

	rec := &recorder{}
	final, err := f.coordinator(t).Submit(context.Background(), SubmitInput{Text: "hello"}, rec.observe)
	require.NoError(t, err)
	assert.Contains(t, final.Content, "ok\n\n*Error starting beat: unknown beat style")
	assert.Empty(t, f.player.started)

	var pending *Event
	for i := range rec.events {
		if rec.events[i].Kind == EventToolPending {
			pending = &rec.events[i]
		}
	}
	require.NotNil(t, pending)
	assert.IsType(t, classifier.PlayBeat{}, pending.Intent)
	require.Error(t, pending.Err)
	assert.Contains(t, pending.Err.Error(), "unknown beat style")
}

func TestSubmit_BeatStartReportsNoError(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("Error starting beat is a fine band name.")))

	rec := &recorder{}
	_, err := f.coordinator(t).Submit(context.Background(), SubmitInput{Text: "play a rock beat"}, rec.observe)
	require.NoError(t, err)
	assert.Equal(t, []string{"rock@120"}, f.player.started)

	kinds := rec.kinds()
	require.Contains(t, kinds, EventToolPending)
	for _, e := range rec.events {
		if e.Kind == EventToolPending {
			assert.NoError(t, e.Err)
		}
	}
}

func TestSessionOps(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("ok")))
	c := f.coordinator(t)
	ctx := context.Background()

	first := c.Active()
	assert.Equal(t, DefaultTitle, first.Title)

	second, err := c.NewChat(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, second.ID, c.Active().ID)

	sessions := c.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID, "newest first")

	_, err = c.Select("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = c.Delete(ctx, "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)

	sel, err := c.Select(first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, sel.ID)

	// deleting an inactive session keeps the active one
	active, err := c.Delete(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	// deleting the only session yields exactly one fresh session
	active, err = c.Delete(ctx, first.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, active.ID)
	assert.Empty(t, active.Messages)
	require.Len(t, c.Sessions(), 1)

	stored, err := f.store.GetSessions(ctx, "u1", models.SurfaceGeneral)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, active.ID, stored[0].ID)
}

func TestSessionOps_DeleteActivePicksNextMostRecent(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("ok")))
	c := f.coordinator(t)
	ctx := context.Background()

	middle, err := c.NewChat(ctx)
	require.NoError(t, err)
	newest, err := c.NewChat(ctx)
	require.NoError(t, err)

	active, err := c.Delete(ctx, newest.ID)
	require.NoError(t, err)
	assert.Equal(t, middle.ID, active.ID)
	assert.Len(t, c.Sessions(), 2)
}

func TestSnapshotsAreCopies(t *testing.T) {
	f := newFixture(t, llm.NewMock(text("ok")))
	c := f.coordinator(t)
	_, err := c.Submit(context.Background(), SubmitInput{Text: "hello"}, nil)
	require.NoError(t, err)

	snap := c.Active()
	snap.Messages[0].Content = "tampered"
	assert.Equal(t, "hello", c.Active().Messages[0].Content)
}

func TestCoordinator_LoadsExistingSessions(t *testing.T) {
	f := newFixture(t, llm.NewMock())
	ctx := context.Background()
	for i, title := range []string{"old", "new"} {
		require.NoError(t, f.store.PutSession(ctx, &models.ChatSession{
			ID:        fmt.Sprintf("x%d", i),
			Title:     title,
			CreatedAt: time.Date(2025, 1, i+1, 0, 0, 0, 0, time.UTC),
		}, "u1", models.SurfaceGeneral))
	}

	c := f.coordinator(t)
	assert.Equal(t, "new", c.Active().Title)
	assert.Len(t, c.Sessions(), 2)
}
