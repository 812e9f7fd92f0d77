package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/xaenox/slyntos/internal/models"
	"go.uber.org/zap"
)

const pgUniqueViolation = "23505"

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c DatabaseConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// PostgresStorage is the remote store for multi-user deployments.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewPostgresStorage(ctx context.Context, config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := migrate(ctx, db, "postgres", "migrations/postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("PostgreSQL storage ready",
		zap.String("host", config.Host),
		zap.String("dbname", config.DBName))

	return newPostgresStorage(db, logger), nil
}

func newPostgresStorage(db *sql.DB, logger *zap.Logger) *PostgresStorage {
	return &PostgresStorage{db: db, logger: logger, now: time.Now}
}

func (s *PostgresStorage) CreateUser(ctx context.Context, user *models.User) error {
	avatar, err := encodeAvatar(user.Avatar)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO users (id, username, username_lower, password_hash, password_salt, avatar, tier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		usernameKey(user.Username),
		user.PasswordHash,
		user.PasswordSalt,
		avatar,
		string(user.Tier),
		user.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("error creating user: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	const query = `
		SELECT id, username, password_hash, password_salt, avatar, tier, created_at
		FROM users
		WHERE username_lower = $1`

	return s.scanUser(s.db.QueryRowContext(ctx, query, usernameKey(username)))
}

func (s *PostgresStorage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	const query = `
		SELECT id, username, password_hash, password_salt, avatar, tier, created_at
		FROM users
		WHERE id = $1`

	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStorage) scanUser(row *sql.Row) (*models.User, error) {
	var (
		user   models.User
		avatar sql.NullString
		tier   string
	)
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.PasswordSalt,
		&avatar,
		&tier,
		&user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning user: %w", err)
	}

	user.Tier = models.Tier(tier)
	if avatar.Valid {
		if user.Avatar, err = decodeAvatar(&avatar.String); err != nil {
			return nil, err
		}
	}
	return &user, nil
}

func (s *PostgresStorage) UpdateUserTier(ctx context.Context, id string, tier models.Tier) error {
	const query = `UPDATE users SET tier = $1 WHERE id = $2`

	result, err := s.db.ExecContext(ctx, query, string(tier), id)
	if err != nil {
		return fmt.Errorf("error updating user tier: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) GetSessions(ctx context.Context, userID string, surface models.Surface) ([]*models.ChatSession, error) {
	const query = `
		SELECT id, title, messages, created_at
		FROM chat_sessions
		WHERE user_id = $1 AND surface = $2
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID, string(surface))
	if err != nil {
		return nil, fmt.Errorf("error querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ChatSession
	for rows.Next() {
		var (
			session  models.ChatSession
			messages string
		)
		if err := rows.Scan(&session.ID, &session.Title, &messages, &session.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning session: %w", err)
		}
		if session.Messages, err = decodeMessages(messages); err != nil {
			return nil, err
		}
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

func (s *PostgresStorage) PutSession(ctx context.Context, session *models.ChatSession, userID string, surface models.Surface) error {
	messages, err := encodeMessages(session.Messages)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO chat_sessions (id, user_id, surface, title, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
			surface = EXCLUDED.surface,
			title = EXCLUDED.title,
			messages = EXCLUDED.messages,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		session.ID,
		userID,
		string(surface),
		session.Title,
		messages,
		session.CreatedAt,
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("error saving session: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DeleteSession(ctx context.Context, sessionID string) error {
	const query = `DELETE FROM chat_sessions WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("error deleting session: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
