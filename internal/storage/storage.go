package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xaenox/slyntos/internal/models"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
)

type Storage interface {
	Close() error

	UserStore
	SessionStore
}

// UserStore keeps accounts. Usernames are unique case-insensitively.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	UpdateUserTier(ctx context.Context, id string, tier models.Tier) error
}

// SessionStore keeps chat sessions scoped by user and surface.
// GetSessions returns sessions newest first. PutSession upserts by session id.
type SessionStore interface {
	GetSessions(ctx context.Context, userID string, surface models.Surface) ([]*models.ChatSession, error)
	PutSession(ctx context.Context, session *models.ChatSession, userID string, surface models.Surface) error
	DeleteSession(ctx context.Context, sessionID string) error
}

func usernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func encodeMessages(messages []models.Message) (string, error) {
	if messages == nil {
		messages = []models.Message{}
	}
	b, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("error encoding messages: %w", err)
	}
	return string(b), nil
}

func decodeMessages(raw string) ([]models.Message, error) {
	var messages []models.Message
	if raw == "" {
		return messages, nil
	}
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("error decoding messages: %w", err)
	}
	return messages, nil
}

func encodeAvatar(a *models.Attachment) (*string, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("error encoding avatar: %w", err)
	}
	s := string(b)
	return &s, nil
}

func decodeAvatar(raw *string) (*models.Attachment, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var a models.Attachment
	if err := json.Unmarshal([]byte(*raw), &a); err != nil {
		return nil, fmt.Errorf("error decoding avatar: %w", err)
	}
	return &a, nil
}
