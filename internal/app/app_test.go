package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/slyntos/internal/auth"
	"github.com/xaenox/slyntos/internal/chat"
	"github.com/xaenox/slyntos/internal/models"
	"github.com/xaenox/slyntos/pkg/config"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Log:      config.LogConfig{Level: "debug"},
		Database: config.DatabaseConfig{Driver: "memory"},
		Media:    config.MediaConfig{Driver: "fs", Root: t.TempDir()},
		LLM:      config.LLMConfig{Backend: "mock"},
		Auth:     config.AuthConfig{AccessCode: "open-sesame", LoginPerMinute: 60, LoginBurst: 5},
		Chat:     config.ChatConfig{PaidSurfaces: []string{"academic"}},
	}
}

func TestNew_MockBackendEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	user, err := a.Gate.Register(ctx, auth.RegisterInput{Username: "ada", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, user.Tier)

	_, err = a.Hub.Open(ctx, user, models.SurfaceAcademic)
	require.ErrorIs(t, err, chat.ErrUpgradeRequired)

	c, err := a.Hub.Open(ctx, user, models.SurfaceGeneral)
	require.NoError(t, err)
	reply, err := c.Submit(ctx, chat.SubmitInput{Text: "hello"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Content)

	sessions, err := a.Store.GetSessions(ctx, user.ID, models.SurfaceGeneral)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Len(t, sessions[0].Messages, 2)
}

func TestNew_RejectsBadPaidSurface(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.PaidSurfaces = []string{"poetry"}
	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestNew_RejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Backend = "llama"
	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "unknown llm backend")
}

func TestNewStorage(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	s, err := NewStorage(ctx, config.DatabaseConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "s.db")}, logger)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = NewStorage(ctx, config.DatabaseConfig{Driver: "mongo"}, logger)
	require.ErrorContains(t, err, "unknown database driver")
}

func TestNewMedia_UnknownDriver(t *testing.T) {
	_, err := NewMedia(context.Background(), config.MediaConfig{Driver: "ftp"}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "warn", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(config.LogConfig{Level: "loud"})
	require.Error(t, err)
}
