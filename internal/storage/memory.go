package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/xaenox/slyntos/internal/models"
)

type sessionRecord struct {
	userID  string
	surface models.Surface
	session *models.ChatSession
}

// MemoryStorage keeps everything in process memory. It suits single-user
// deployments and tests.
type MemoryStorage struct {
	mu        sync.RWMutex
	users     map[string]*models.User
	usernames map[string]string // lowercased username -> user id
	sessions  map[string]sessionRecord
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:     make(map[string]*models.User),
		usernames: make(map[string]string),
		sessions:  make(map[string]sessionRecord),
	}
}

func (s *MemoryStorage) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usernameKey(user.Username)
	if _, exists := s.usernames[key]; exists {
		return ErrAlreadyExists
	}
	if _, exists := s.users[user.ID]; exists {
		return ErrAlreadyExists
	}

	u := *user
	s.users[u.ID] = &u
	s.usernames[key] = u.ID
	return nil
}

func (s *MemoryStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.usernames[usernameKey(username)]
	if !exists {
		return nil, ErrNotFound
	}
	u := *s.users[id]
	return &u, nil
}

func (s *MemoryStorage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	u := *user
	return &u, nil
}

func (s *MemoryStorage) UpdateUserTier(ctx context.Context, id string, tier models.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return ErrNotFound
	}
	user.Tier = tier
	return nil
}

func (s *MemoryStorage) GetSessions(ctx context.Context, userID string, surface models.Surface) ([]*models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ChatSession
	for _, rec := range s.sessions {
		if rec.userID == userID && rec.surface == surface {
			out = append(out, rec.session.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStorage) PutSession(ctx context.Context, session *models.ChatSession, userID string, surface models.Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = sessionRecord{
		userID:  userID,
		surface: surface,
		session: session.Clone(),
	}
	return nil
}

func (s *MemoryStorage) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
