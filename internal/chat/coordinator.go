// Package chat owns the active conversation of one user on one surface.
//
// A Coordinator appends the user turn, streams the model reply into a
// placeholder, dispatches at most one follow-up action and persists the
// session. Observers see every intermediate state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/slyntos/internal/beat"
	"github.com/xaenox/slyntos/internal/classifier"
	"github.com/xaenox/slyntos/internal/llm"
	"github.com/xaenox/slyntos/internal/media"
	"github.com/xaenox/slyntos/internal/models"
	"github.com/xaenox/slyntos/internal/storage"
	"go.uber.org/zap"
)

type EventKind int

const (
	EventUserTurn EventKind = iota + 1
	EventPlaceholder
	EventFragment
	EventToolPending
	EventFinalized
)

func (k EventKind) String() string {
	switch k {
	case EventUserTurn:
		return "user_turn"
	case EventPlaceholder:
		return "placeholder"
	case EventFragment:
		return "fragment"
	case EventToolPending:
		return "tool_pending"
	case EventFinalized:
		return "finalized"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event carries a copy of the message it concerns.
type Event struct {
	Kind      EventKind
	SessionID string
	Message   models.Message
	// Intent is set on EventToolPending.
	Intent classifier.Intent
	// Err is the stream error on EventFinalized, or the error of an action
	// that failed before it started on EventToolPending.
	Err error
}

type Observer func(Event)

// BeatPlayer is the part of beat.Player the coordinator drives.
type BeatPlayer interface {
	Start(style beat.Style, bpm int) error
	Stop()
	Dispose()
}

// Dependencies are shared by every coordinator of a Hub. Images, Speech,
// Media and Player are optional; a missing one turns the matching action
// into an error note.
type Dependencies struct {
	Store      storage.SessionStore
	Generator  llm.Generator
	Images     llm.ImageGenerator
	Speech     llm.SpeechSynthesizer
	Classifier classifier.Classifier
	Media      media.Store
	Player     BeatPlayer
	Limits     Limits
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

func (d *Dependencies) setDefaults() {
	if d.Classifier == nil {
		d.Classifier = classifier.NewRuleClassifier()
	}
	if d.Limits == (Limits{}) {
		d.Limits = DefaultLimits
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
}

var (
	errNoImages = errors.New("image generation is not configured")
	errNoSpeech = errors.New("speech synthesis is not configured")
	errNoMedia  = errors.New("no media store is configured")
	errNoPlayer = errors.New("beat playback is not available")
	errNoSource = errors.New("no image is attached")
)

type SubmitInput struct {
	Text        string
	Attachments []models.Attachment
	Mode        llm.Mode
}

type Coordinator struct {
	deps    Dependencies
	userID  string
	surface models.Surface
	logger  *zap.Logger

	mu       sync.Mutex
	sessions []*models.ChatSession // newest first
	active   *models.ChatSession
	inFlight bool
}

// NewCoordinator loads the user's sessions for surface and activates the
// newest, creating one when there are none.
func NewCoordinator(ctx context.Context, deps Dependencies, userID string, surface models.Surface) (*Coordinator, error) {
	deps.setDefaults()
	c := &Coordinator{
		deps:    deps,
		userID:  userID,
		surface: surface,
		logger:  deps.Logger.With(zap.String("user_id", userID), zap.String("surface", string(surface))),
	}

	sessions, err := deps.Store.GetSessions(ctx, userID, surface)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	c.sessions = sessions
	if len(c.sessions) == 0 {
		c.newSessionLocked(ctx)
	}
	c.active = c.sessions[0]
	return c, nil
}

func (c *Coordinator) Surface() models.Surface { return c.surface }

// Sessions returns a snapshot of all sessions, newest first.
func (c *Coordinator) Sessions() []*models.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.ChatSession, len(c.sessions))
	for i, s := range c.sessions {
		out[i] = s.Clone()
	}
	return out
}

// Active returns a snapshot of the active session.
func (c *Coordinator) Active() *models.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Clone()
}

// Busy reports whether a reply is being generated.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// NewChat creates an empty session and makes it active.
func (c *Coordinator) NewChat(ctx context.Context) (*models.ChatSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return nil, ErrBusy
	}
	c.active = c.newSessionLocked(ctx)
	return c.active.Clone(), nil
}

func (c *Coordinator) Select(id string) (*models.ChatSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return nil, ErrBusy
	}
	s := c.findLocked(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	c.active = s
	return s.Clone(), nil
}

// Delete removes a session and returns the session that is active afterwards.
func (c *Coordinator) Delete(ctx context.Context, id string) (*models.ChatSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return nil, ErrBusy
	}
	idx := -1
	for i, s := range c.sessions {
		if s.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrSessionNotFound
	}

	if err := c.deps.Store.DeleteSession(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Error("Failed to delete session", zap.String("session_id", id), zap.Error(err))
	}
	removed := c.sessions[idx]
	c.sessions = append(c.sessions[:idx], c.sessions[idx+1:]...)

	if len(c.sessions) == 0 {
		c.active = c.newSessionLocked(ctx)
	} else if c.active == removed {
		c.active = c.sessions[0]
	}
	return c.active.Clone(), nil
}

func (c *Coordinator) findLocked(id string) *models.ChatSession {
	for _, s := range c.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (c *Coordinator) newSessionLocked(ctx context.Context) *models.ChatSession {
	s := &models.ChatSession{
		ID:        c.deps.NewID(),
		Title:     DefaultTitle,
		CreatedAt: c.deps.Now(),
		Messages:  []models.Message{},
	}
	c.sessions = append([]*models.ChatSession{s}, c.sessions...)
	c.persist(ctx, s)
	return s
}

// persist stores a copy of s. Failures are logged only.
func (c *Coordinator) persist(ctx context.Context, s *models.ChatSession) {
	if err := c.deps.Store.PutSession(context.WithoutCancel(ctx), s.Clone(), c.userID, c.surface); err != nil {
		c.logger.Error("Failed to persist session", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// Submit runs one turn on the active session and returns the final model
// message. The observer, which may be nil, is called on the submitting
// goroutine without locks held.
func (c *Coordinator) Submit(ctx context.Context, in SubmitInput, observe Observer) (models.Message, error) {
	if observe == nil {
		observe = func(Event) {}
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return models.Message{}, ErrBusy
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Attachments) == 0 {
		c.mu.Unlock()
		return models.Message{}, ErrEmptySubmission
	}
	if err := ValidateAttachments(in.Attachments, c.deps.Limits); err != nil {
		c.mu.Unlock()
		return models.Message{}, err
	}

	c.inFlight = true
	session := c.active
	userMsg := models.Message{Role: models.RoleUser, Content: in.Text, Attachments: in.Attachments}
	session.Messages = append(session.Messages, userMsg)
	if session.Title == DefaultTitle {
		session.Title = titleFor(text, in.Attachments)
	}
	transcript := session.Clone().Messages
	session.Messages = append(session.Messages, models.Message{Role: models.RoleModel})
	placeholder := session.Messages[len(session.Messages)-1].Clone()
	c.mu.Unlock()

	c.logger.Info("Turn started",
		zap.String("session_id", session.ID),
		zap.Int("attachments", len(in.Attachments)),
		zap.String("mode", string(in.Mode)))

	observe(Event{Kind: EventUserTurn, SessionID: session.ID, Message: userMsg.Clone()})
	observe(Event{Kind: EventPlaceholder, SessionID: session.ID, Message: placeholder})

	req := llm.Request{
		Transcript:        transcript,
		SystemInstruction: llm.SystemInstruction(c.surface),
		Attachments:       in.Attachments,
		Surface:           c.surface,
		Options:           llm.Options{Mode: in.Mode},
	}

	var (
		toolCalls []llm.ToolCall
		streamErr error
	)
	for f, err := range c.deps.Generator.Stream(ctx, req) {
		if err != nil {
			streamErr = err
			break
		}
		toolCalls = append(toolCalls, f.ToolCalls...)
		msg := c.update(session, func(m *models.Message) {
			m.Content += f.Text
			m.Sources = models.MergeSources(m.Sources, f.Sources...)
		})
		observe(Event{Kind: EventFragment, SessionID: session.ID, Message: msg})
	}

	if streamErr != nil {
		c.logger.Warn("Stream failed", zap.String("session_id", session.ID), zap.Error(streamErr))
		c.update(session, func(m *models.Message) {
			m.Content += "\n\nError: " + streamErr.Error()
		})
	} else {
		c.followUp(ctx, session, userMsg, toolCalls, observe)
	}

	final := c.update(session, func(*models.Message) {})
	observe(Event{Kind: EventFinalized, SessionID: session.ID, Message: final, Err: streamErr})

	c.mu.Lock()
	snapshot := session.Clone()
	c.mu.Unlock()
	c.persist(ctx, snapshot)

	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()

	c.logger.Info("Turn finished", zap.String("session_id", session.ID), zap.Int("content_length", len(final.Content)))
	return final, nil
}

// update applies fn to the in-flight model message and returns a copy.
func (c *Coordinator) update(session *models.ChatSession, fn func(m *models.Message)) models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := &session.Messages[len(session.Messages)-1]
	fn(m)
	return m.Clone()
}

// followUp classifies the finished turn and runs the requested action.
func (c *Coordinator) followUp(ctx context.Context, session *models.ChatSession, userMsg models.Message, calls []llm.ToolCall, observe Observer) {
	reply := c.update(session, func(*models.Message) {})
	intent := c.deps.Classifier.Classify(ctx, classifier.Turn{
		Surface:     c.surface,
		UserText:    userMsg.Content,
		Attachments: userMsg.Attachments,
		ToolCalls:   calls,
		Response:    reply.Content,
	})
	if intent == nil {
		return
	}

	c.logger.Info("Dispatching follow-up", zap.String("session_id", session.ID), zap.String("intent", fmt.Sprintf("%T", intent)))
	pending := func(note string) {
		msg := c.update(session, func(m *models.Message) {
			if note != "" {
				m.Content = strings.TrimSpace(m.Content + note)
			}
		})
		observe(Event{Kind: EventToolPending, SessionID: session.ID, Message: msg, Intent: intent})
	}
	fail := func(format string, err error) {
		c.logger.Warn("Follow-up failed", zap.String("session_id", session.ID), zap.Error(err))
		c.update(session, func(m *models.Message) {
			m.Content += fmt.Sprintf(format, err.Error())
		})
	}

	switch in := intent.(type) {
	case classifier.GenerateImage:
		prompt := firstNonEmpty(in.Prompt, userMsg.Content)
		pending(fmt.Sprintf("\n\n*Generating an image of \"%s\"...*", prompt))
		images, err := c.generateImage(ctx, llm.ImageRequest{Prompt: prompt})
		if err != nil {
			fail("\n\n*Error generating image: %s*", err)
			c.update(session, func(m *models.Message) { m.Images = nil })
			return
		}
		c.update(session, func(m *models.Message) { m.Images = images })

	case classifier.EditImage:
		prompt := firstNonEmpty(in.Prompt, userMsg.Content)
		pending(fmt.Sprintf("\n\n*Editing your image: \"%s\"...*", prompt))
		source := firstImage(userMsg.Attachments)
		if source == nil {
			fail("\n\n*Error editing image: %s*", errNoSource)
			return
		}
		images, err := c.generateImage(ctx, llm.ImageRequest{Prompt: prompt, Source: source})
		if err != nil {
			fail("\n\n*Error editing image: %s*", err)
			return
		}
		c.update(session, func(m *models.Message) { m.Images = images })

	case classifier.Speak:
		pending("")
		ref, err := c.speak(ctx, firstNonEmpty(in.Text, reply.Content))
		if err != nil {
			fail("\n\n*Error generating speech: %s*", err)
			return
		}
		c.update(session, func(m *models.Message) { m.AudioRef = ref })

	case classifier.PlayBeat:
		style, tempo, err := c.playBeat(in)
		if err != nil {
			fail("\n\n*Error starting beat: %s*", err)
			msg := c.update(session, func(*models.Message) {})
			observe(Event{Kind: EventToolPending, SessionID: session.ID, Message: msg, Intent: intent, Err: err})
			return
		}
		pending(fmt.Sprintf("\n\n*Playing a %s beat at %d BPM.*", style, tempo))

	case classifier.StopBeat:
		if c.deps.Player != nil {
			c.deps.Player.Stop()
		}
		pending("\n\n*Beat stopped.*")
	}
}

func (c *Coordinator) generateImage(ctx context.Context, req llm.ImageRequest) ([]string, error) {
	if c.deps.Images == nil {
		return nil, errNoImages
	}
	return c.deps.Images.GenerateImage(ctx, req)
}

func (c *Coordinator) speak(ctx context.Context, text string) (string, error) {
	if c.deps.Speech == nil {
		return "", errNoSpeech
	}
	if c.deps.Media == nil {
		return "", errNoMedia
	}
	audio, err := c.deps.Speech.Synthesize(ctx, text)
	if err != nil {
		return "", err
	}
	return c.deps.Media.Put(ctx, audio.MIMEType, audio.Data)
}

func (c *Coordinator) playBeat(in classifier.PlayBeat) (beat.Style, int, error) {
	if c.deps.Player == nil {
		return "", 0, errNoPlayer
	}
	style, err := beat.ParseStyle(firstNonEmpty(in.Style, string(beat.StyleHipHop)))
	if err != nil {
		return "", 0, err
	}
	tempo := beat.NormalizeTempo(in.Tempo)
	if err := c.deps.Player.Start(style, tempo); err != nil {
		return "", 0, err
	}
	return style, tempo, nil
}

func titleFor(text string, attachments []models.Attachment) string {
	if text == "" && len(attachments) > 0 && attachments[0].Name != "" {
		return DeriveTitle(attachments[0].Name)
	}
	return DeriveTitle(text)
}

func firstImage(attachments []models.Attachment) *models.Attachment {
	for i := range attachments {
		if strings.HasPrefix(attachments[i].MIMEType, "image/") {
			a := attachments[i]
			return &a
		}
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
