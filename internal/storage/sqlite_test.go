package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/slyntos/internal/models"
	"go.uber.org/zap/zaptest"
)

func newTestSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(context.Background(), ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		return newTestSQLite(t)
	})
}

func TestSQLiteStorage_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "slyntos.db")
	logger := zaptest.NewLogger(t)

	s, err := NewSQLiteStorage(ctx, path, logger)
	require.NoError(t, err)
	session := &models.ChatSession{ID: "s1", Title: "persisted", Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}}
	require.NoError(t, s.PutSession(ctx, session, "u1", models.SurfaceWebsiteCreator))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStorage(ctx, path, logger)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetSessions(ctx, "u1", models.SurfaceWebsiteCreator)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Title)
	assert.Equal(t, "hi", got[0].Messages[0].Content)
}
