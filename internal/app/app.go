// Package app builds the shared object graph for the bot, the API server and
// the admin tool from one Config.
package app

import (
	"context"
	"fmt"

	"github.com/xaenox/slyntos/internal/auth"
	"github.com/xaenox/slyntos/internal/beat"
	"github.com/xaenox/slyntos/internal/chat"
	"github.com/xaenox/slyntos/internal/classifier"
	"github.com/xaenox/slyntos/internal/llm"
	"github.com/xaenox/slyntos/internal/media"
	"github.com/xaenox/slyntos/internal/models"
	"github.com/xaenox/slyntos/internal/storage"
	"github.com/xaenox/slyntos/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// A 1x1 transparent PNG served by the mock image backend.
const mockPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store storage.Storage
	Media media.Store
	Gate  *auth.Gate
	Hub   *chat.Hub
}

// NewLogger builds a production logger, or a console one in development.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// New wires every component. On error, whatever was already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	store, err := NewStorage(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store

	if a.Media, err = NewMedia(ctx, cfg.Media, logger); err != nil {
		a.Close()
		return nil, err
	}

	gen, images, speech, err := newBackend(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	paid := make([]models.Surface, 0, len(cfg.Chat.PaidSurfaces))
	for _, name := range cfg.Chat.PaidSurfaces {
		s, err := models.ParseSurface(name)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("chat.paid_surfaces: %w", err)
		}
		paid = append(paid, s)
	}

	a.Gate = auth.NewGate(store, cfg.Auth.AccessCode, auth.NewLimiter(cfg.Auth.LoginPerMinute, cfg.Auth.LoginBurst), logger)

	deps := chat.Dependencies{
		Store:      store,
		Generator:  gen,
		Images:     images,
		Speech:     speech,
		Classifier: newClassifier(cfg, logger),
		Media:      a.Media,
		Limits:     chat.Limits{MaxFiles: cfg.Chat.MaxFiles, MaxFileSize: cfg.Chat.MaxFileSize},
		Logger:     logger,
	}
	a.Hub = chat.NewHub(deps, func() chat.BeatPlayer {
		return beat.NewPlayer(beat.LogSink{Logger: logger}, logger)
	}, paid)

	return a, nil
}

// NewStorage opens the configured store. Remote stores are migrated on open.
func NewStorage(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		logger.Info("Using SQLite storage", zap.String("path", cfg.SQLitePath))
		return storage.NewSQLiteStorage(ctx, cfg.SQLitePath, logger)
	case "postgres":
		logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Host), zap.String("dbname", cfg.DBName))
		return storage.NewPostgresStorage(ctx, storage.DatabaseConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
		}, logger)
	case "firestore":
		logger.Info("Using Firestore storage", zap.String("project", cfg.FirestoreProject))
		return storage.NewFirestoreStorage(ctx, cfg.FirestoreProject, logger)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

func NewMedia(ctx context.Context, cfg config.MediaConfig, logger *zap.Logger) (media.Store, error) {
	switch cfg.Driver {
	case "", "fs":
		return media.NewFSStore(cfg.Root, logger)
	case "s3":
		return media.NewS3Store(ctx, media.S3Config{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		}, logger)
	}
	return nil, fmt.Errorf("unknown media driver %q", cfg.Driver)
}

func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (llm.Generator, llm.ImageGenerator, llm.SpeechSynthesizer, error) {
	switch cfg.LLM.Backend {
	case "", "gemini":
		profiles, err := llm.GeminiProfiles().WithModels(cfg.LLM.Models)
		if err != nil {
			return nil, nil, nil, err
		}
		g, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:     cfg.Gemini.APIKey,
			Vertex:     cfg.Gemini.Vertex,
			Project:    cfg.Gemini.Project,
			Location:   cfg.Gemini.Location,
			ImageModel: cfg.Gemini.ImageModel,
			EditModel:  cfg.Gemini.EditModel,
			TTSModel:   cfg.Gemini.TTSModel,
			Voice:      cfg.Gemini.Voice,
			Profiles:   profiles,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return g, g, g, nil
	case "openai":
		profiles, err := llm.OpenAIProfiles().WithModels(cfg.LLM.Models)
		if err != nil {
			return nil, nil, nil, err
		}
		o := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			ImageModel: cfg.OpenAI.ImageModel,
			TTSModel:   cfg.OpenAI.TTSModel,
			Voice:      cfg.OpenAI.Voice,
			Profiles:   profiles,
		}, logger)
		return o, o, o, nil
	case "mock":
		logger.Warn("Using mock generation backend")
		return llm.NewMock(), &llm.MockImages{Images: []string{mockPNG}}, &llm.MockSpeech{}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown llm backend %q", cfg.LLM.Backend)
}

func newClassifier(cfg *config.Config, logger *zap.Logger) classifier.Classifier {
	if cfg.Classifier.Kind == "gpt" && cfg.OpenAI.APIKey != "" {
		return classifier.NewGPTClassifier(classifier.GPTConfig{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: cfg.OpenAI.Temperature,
		}, logger)
	}
	if cfg.Classifier.Kind == "gpt" {
		logger.Warn("GPT classifier needs openai.api_key, using rules")
	}
	return classifier.NewRuleClassifier()
}

// Close releases the hub's players and the store.
func (a *App) Close() error {
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
