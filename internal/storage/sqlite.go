package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/slyntos/internal/models"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStorage is a file-backed local store for single-user deployments.
type SQLiteStorage struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLiteStorage opens (or creates) the database at path and applies
// migrations. Use ":memory:" for a throwaway database.
func NewSQLiteStorage(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStorage, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := migrate(ctx, db, "sqlite3", "migrations/sqlite"); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("SQLite storage ready", zap.String("path", path))

	return &SQLiteStorage{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLiteStorage) CreateUser(ctx context.Context, user *models.User) error {
	avatar, err := encodeAvatar(user.Avatar)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO users (id, username, username_lower, password_hash, password_salt, avatar, tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		usernameKey(user.Username),
		user.PasswordHash,
		user.PasswordSalt,
		avatar,
		string(user.Tier),
		user.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("error creating user: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	const query = `
		SELECT id, username, password_hash, password_salt, avatar, tier, created_at
		FROM users
		WHERE username_lower = ?`

	return s.scanUser(s.db.QueryRowContext(ctx, query, usernameKey(username)))
}

func (s *SQLiteStorage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	const query = `
		SELECT id, username, password_hash, password_salt, avatar, tier, created_at
		FROM users
		WHERE id = ?`

	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) scanUser(row *sql.Row) (*models.User, error) {
	var (
		user      models.User
		avatar    sql.NullString
		tier      string
		createdAt int64
	)
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.PasswordSalt, &avatar, &tier, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning user: %w", err)
	}

	user.Tier = models.Tier(tier)
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	if avatar.Valid {
		if user.Avatar, err = decodeAvatar(&avatar.String); err != nil {
			return nil, err
		}
	}
	return &user, nil
}

func (s *SQLiteStorage) UpdateUserTier(ctx context.Context, id string, tier models.Tier) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET tier = ? WHERE id = ?`, string(tier), id)
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

func (s *SQLiteStorage) GetSessions(ctx context.Context, userID string, surface models.Surface) ([]*models.ChatSession, error) {
	const query = `
		SELECT id, title, messages, created_at
		FROM chat_sessions
		WHERE user_id = ? AND surface = ?
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID, string(surface))
	if err != nil {
		return nil, fmt.Errorf("error querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ChatSession
	for rows.Next() {
		var (
			session   models.ChatSession
			messages  string
			createdAt int64
		)
		if err := rows.Scan(&session.ID, &session.Title, &messages, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning session: %w", err)
		}
		session.CreatedAt = time.UnixMilli(createdAt).UTC()
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

func (s *SQLiteStorage) PutSession(ctx context.Context, session *models.ChatSession, userID string, surface models.Surface) error {
	messages, err := encodeMessages(session.Messages)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO chat_sessions (id, user_id, surface, title, messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET user_id = excluded.user_id,
			surface = excluded.surface,
			title = excluded.title,
			messages = excluded.messages,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		session.ID,
		userID,
		string(surface),
		session.Title,
		messages,
		session.CreatedAt.UnixMilli(),
		s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("error saving session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("error deleting session: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
