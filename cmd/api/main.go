package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xaenox/slyntos/internal/app"
	"github.com/xaenox/slyntos/internal/httpapi"
	"github.com/xaenox/slyntos/pkg/config"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	bootstrap, _ := zap.NewProduction()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootstrap.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		bootstrap.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := httpapi.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to configure tokens", zap.Error(err))
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewServer(httpapi.Config{
			Gate:       a.Gate,
			Hub:        a.Hub,
			Media:      a.Media,
			Tokens:     tokens,
			PresignTTL: cfg.Media.PresignTTL,
			Logger:     logger,
		}),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("API listening", zap.String("addr", cfg.HTTP.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server error", zap.Error(err))
	}
	logger.Info("API stopped")
}
