package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xaenox/slyntos/internal/models"
	"go.uber.org/zap"
)

// FirestoreStorage is a remote store backed by Cloud Firestore.
//
// Usernames are claimed through a "usernames/<lowercased>" document written in
// the same transaction as the user, which gives case-insensitive uniqueness.
type FirestoreStorage struct {
	client *firestore.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewFirestoreStorage(ctx context.Context, projectID string, logger *zap.Logger) (*FirestoreStorage, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore storage")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	logger.Info("Firestore storage ready", zap.String("project", projectID))

	return &FirestoreStorage{client: client, logger: logger, now: time.Now}, nil
}

type userDoc struct {
	Username      string    `firestore:"username"`
	UsernameLower string    `firestore:"username_lower"`
	PasswordHash  []byte    `firestore:"password_hash"`
	PasswordSalt  []byte    `firestore:"password_salt"`
	Avatar        *string   `firestore:"avatar"`
	Tier          string    `firestore:"tier"`
	CreatedAt     time.Time `firestore:"created_at"`
}

type chatSessionDoc struct {
	UserID    string    `firestore:"user_id"`
	Surface   string    `firestore:"surface"`
	Title     string    `firestore:"title"`
	Messages  string    `firestore:"messages"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (s *FirestoreStorage) usersCol() *firestore.CollectionRef {
	return s.client.Collection("users")
}

func (s *FirestoreStorage) usernamesCol() *firestore.CollectionRef {
	return s.client.Collection("usernames")
}

func (s *FirestoreStorage) sessionsCol() *firestore.CollectionRef {
	return s.client.Collection("chat_sessions")
}

func (s *FirestoreStorage) CreateUser(ctx context.Context, user *models.User) error {
	avatar, err := encodeAvatar(user.Avatar)
	if err != nil {
		return err
	}

	key := usernameKey(user.Username)
	claimRef := s.usernamesCol().Doc(key)
	userRef := s.usersCol().Doc(user.ID)

	doc := userDoc{
		Username:      user.Username,
		UsernameLower: key,
		PasswordHash:  user.PasswordHash,
		PasswordSalt:  user.PasswordSalt,
		Avatar:        avatar,
		Tier:          string(user.Tier),
		CreatedAt:     user.CreatedAt,
	}

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(claimRef)
		if err == nil && snap.Exists() {
			return ErrAlreadyExists
		}
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err := tx.Create(claimRef, map[string]interface{}{"user_id": user.ID}); err != nil {
			return err
		}
		return tx.Create(userRef, doc)
	})
	if errors.Is(err, ErrAlreadyExists) || status.Code(err) == codes.AlreadyExists {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("firestore CreateUser: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	snap, err := s.usernamesCol().Doc(usernameKey(username)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("firestore GetUserByUsername: %w", err)
	}

	id, ok := snap.Data()["user_id"].(string)
	if !ok {
		return nil, fmt.Errorf("firestore GetUserByUsername: malformed username claim")
	}
	return s.GetUserByID(ctx, id)
}

func (s *FirestoreStorage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	snap, err := s.usersCol().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("firestore GetUserByID: %w", err)
	}

	var doc userDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore GetUserByID decode: %w", err)
	}

	avatar, err := decodeAvatar(doc.Avatar)
	if err != nil {
		return nil, err
	}

	return &models.User{
		ID:           snap.Ref.ID,
		Username:     doc.Username,
		PasswordHash: doc.PasswordHash,
		PasswordSalt: doc.PasswordSalt,
		Avatar:       avatar,
		Tier:         models.Tier(doc.Tier),
		CreatedAt:    doc.CreatedAt,
	}, nil
}

func (s *FirestoreStorage) UpdateUserTier(ctx context.Context, id string, tier models.Tier) error {
	_, err := s.usersCol().Doc(id).Update(ctx, []firestore.Update{{Path: "tier", Value: string(tier)}})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("firestore UpdateUserTier: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) GetSessions(ctx context.Context, userID string, surface models.Surface) ([]*models.ChatSession, error) {
	q := s.sessionsCol().
		Where("user_id", "==", userID).
		Where("surface", "==", string(surface)).
		OrderBy("created_at", firestore.Desc)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*models.ChatSession
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, fmt.Errorf("firestore GetSessions: %w", err)
		}

		var doc chatSessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode chatSessionDoc: %w", err)
		}

		messages, err := decodeMessages(doc.Messages)
		if err != nil {
			return nil, err
		}

		out = append(out, &models.ChatSession{
			ID:        snap.Ref.ID,
			Title:     doc.Title,
			CreatedAt: doc.CreatedAt,
			Messages:  messages,
		})
	}
	return out, nil
}

func (s *FirestoreStorage) PutSession(ctx context.Context, session *models.ChatSession, userID string, surface models.Surface) error {
	messages, err := encodeMessages(session.Messages)
	if err != nil {
		return err
	}

	doc := chatSessionDoc{
		UserID:    userID,
		Surface:   string(surface),
		Title:     session.Title,
		Messages:  messages,
		CreatedAt: session.CreatedAt,
		UpdatedAt: s.now(),
	}

	if _, err := s.sessionsCol().Doc(session.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore PutSession: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.sessionsCol().Doc(sessionID).Delete(ctx); err != nil {
		return fmt.Errorf("firestore DeleteSession: %w", err)
	}
	return nil
}

func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}
