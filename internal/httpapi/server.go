// Package httpapi exposes accounts, sessions and streaming turns over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xaenox/slyntos/internal/auth"
	"github.com/xaenox/slyntos/internal/chat"
	"github.com/xaenox/slyntos/internal/classifier"
	"github.com/xaenox/slyntos/internal/llm"
	"github.com/xaenox/slyntos/internal/media"
	"github.com/xaenox/slyntos/internal/models"
	"go.uber.org/zap"
)

// maxBodySize bounds request bodies: five 10 MB files, base64 encoded.
const maxBodySize = 70 << 20

type Server struct {
	gate       *auth.Gate
	hub        *chat.Hub
	media      media.Store
	tokens     *Tokens
	presignTTL time.Duration
	logger     *zap.Logger
}

type Config struct {
	Gate   *auth.Gate
	Hub    *chat.Hub
	Media  media.Store
	Tokens *Tokens
	// PresignTTL is the lifetime of media redirect URLs.
	PresignTTL time.Duration
	Logger     *zap.Logger
}

func NewServer(cfg Config) http.Handler {
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	s := &Server{
		gate:       cfg.Gate,
		hub:        cfg.Hub,
		media:      cfg.Media,
		tokens:     cfg.Tokens,
		presignTTL: cfg.PresignTTL,
		logger:     cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth/register", s.handleRegister)
	mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /v1/auth/upgrade", s.requireUser(s.handleUpgrade))
	mux.HandleFunc("GET /v1/me", s.requireUser(s.handleMe))

	mux.HandleFunc("GET /v1/surfaces/{surface}/sessions", s.requireUser(s.handleListSessions))
	mux.HandleFunc("POST /v1/surfaces/{surface}/sessions", s.requireUser(s.handleNewSession))
	mux.HandleFunc("POST /v1/surfaces/{surface}/sessions/{id}/select", s.requireUser(s.handleSelectSession))
	mux.HandleFunc("DELETE /v1/surfaces/{surface}/sessions/{id}", s.requireUser(s.handleDeleteSession))
	mux.HandleFunc("POST /v1/surfaces/{surface}/messages", s.requireUser(s.handleSendMessage))

	// Refs are unguessable, so media is readable without a token.
	mux.HandleFunc("GET /v1/media/{ref...}", s.handleMedia)

	return chainMiddlewares(mux, withCORS, withLogging(cfg.Logger))
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type registerRequest struct {
	Username        string             `json:"username"`
	Password        string             `json:"password"`
	ConfirmPassword string             `json:"confirm_password,omitempty"`
	AccessCode      string             `json:"access_code,omitempty"`
	Avatar          *models.Attachment `json:"avatar,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type upgradeRequest struct {
	AccessCode string `json:"access_code"`
}

type authResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

type sessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  int       `json:"message_count"`
}

type sessionsResponse struct {
	Sessions []sessionSummary `json:"sessions"`
	ActiveID string           `json:"active_id"`
	Busy     bool             `json:"busy"`
}

type sendMessageRequest struct {
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Mode        string              `json:"mode,omitempty"`
}

type eventResponse struct {
	SessionID string         `json:"session_id"`
	Message   models.Message `json:"message"`
	Intent    string         `json:"intent,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ─────────────────────────────────────────────
// Accounts
// ─────────────────────────────────────────────

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.gate.Register(r.Context(), auth.RegisterInput{
		Username:        req.Username,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		AccessCode:      req.AccessCode,
		Avatar:          req.Avatar,
	})
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeAuth(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.gate.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeAuth(w, http.StatusOK, user)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.gate.Upgrade(r.Context(), userFrom(r.Context()).ID, req.AccessCode)
	if err != nil {
		s.domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFrom(r.Context()))
}

func (s *Server) writeAuth(w http.ResponseWriter, status int, user *models.User) {
	token, expires, err := s.tokens.Issue(user.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, status, authResponse{Token: token, ExpiresAt: expires, User: user})
}

// ─────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────

// coordinator opens the caller's coordinator for the {surface} path value.
func (s *Server) coordinator(w http.ResponseWriter, r *http.Request) (*chat.Coordinator, bool) {
	surface, err := models.ParseSurface(r.PathValue("surface"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	coord, err := s.hub.Open(r.Context(), userFrom(r.Context()), surface)
	if err != nil {
		s.domainError(w, err)
		return nil, false
	}
	return coord, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionsResponse(coord))
}

func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	session, err := coord.NewChat(r.Context())
	if err != nil {
		s.domainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	session, err := coord.Select(r.PathValue("id"))
	if err != nil {
		s.domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	if _, err := coord.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionsResponse(coord))
}

func toSessionsResponse(coord *chat.Coordinator) sessionsResponse {
	sessions := coord.Sessions()
	out := sessionsResponse{Sessions: make([]sessionSummary, 0, len(sessions)), Busy: coord.Busy()}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, sessionSummary{
			ID:        sess.ID,
			Title:     sess.Title,
			CreatedAt: sess.CreatedAt,
			Messages:  len(sess.Messages),
		})
	}
	if active := coord.Active(); active != nil {
		out.ActiveID = active.ID
	}
	return out
}

// ─────────────────────────────────────────────
// Messages
// ─────────────────────────────────────────────

// handleSendMessage streams coordinator events as Server-Sent Events. Errors
// raised before the first event are returned as plain JSON errors.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mode, err := llm.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	coord, ok := s.coordinator(w, r)
	if !ok {
		return
	}

	stream := newEventStream(w)
	reply, err := coord.Submit(r.Context(), chat.SubmitInput{
		Text:        req.Text,
		Attachments: req.Attachments,
		Mode:        mode,
	}, func(ev chat.Event) {
		if err := stream.send(ev.Kind.String(), toEventResponse(ev)); err != nil {
			s.logger.Debug("Event stream write failed", zap.Error(err))
		}
	})
	if err != nil {
		s.domainError(w, err)
		return
	}
	if err := stream.send("done", eventResponse{Message: reply}); err != nil {
		s.logger.Debug("Event stream write failed", zap.Error(err))
	}
}

func toEventResponse(ev chat.Event) eventResponse {
	out := eventResponse{SessionID: ev.SessionID, Message: ev.Message, Intent: intentName(ev.Intent)}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

func intentName(in classifier.Intent) string {
	switch in.(type) {
	case classifier.GenerateImage:
		return "generate_image"
	case classifier.EditImage:
		return "edit_image"
	case classifier.Speak:
		return "speak"
	case classifier.PlayBeat:
		return "play_beat"
	case classifier.StopBeat:
		return "stop_beat"
	}
	return ""
}

// eventStream writes SSE frames. Headers go out with the first frame.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newEventStream(w http.ResponseWriter) *eventStream {
	f, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: f}
}

func (e *eventStream) send(event string, v any) error {
	if !e.started {
		h := e.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		e.w.WriteHeader(http.StatusOK)
		e.started = true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// ─────────────────────────────────────────────
// Media
// ─────────────────────────────────────────────

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeError(w, http.StatusNotFound, media.ErrNotFound.Error())
		return
	}
	ref := r.PathValue("ref")

	if p, ok := s.media.(media.Presigner); ok {
		url, err := p.PresignGet(r.Context(), ref, s.presignTTL)
		if err != nil {
			s.domainError(w, err)
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	data, contentType, err := s.media.Get(r.Context(), ref)
	if err != nil {
		s.domainError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ─────────────────────────────────────────────
// HTTP Helpers
// ─────────────────────────────────────────────

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// domainError maps domain errors to statuses in one place.
func (s *Server) domainError(w http.ResponseWriter, err error) {
	var attErr *chat.AttachmentError
	var valErr *auth.ValidationError
	switch {
	case errors.As(err, &attErr), errors.As(err, &valErr),
		errors.Is(err, chat.ErrEmptySubmission), errors.Is(err, media.ErrInvalidRef):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrInvalidAccessCode), errors.Is(err, chat.ErrUpgradeRequired):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, media.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrUsernameTaken), errors.Is(err, chat.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, chat.ErrHubClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("Request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
