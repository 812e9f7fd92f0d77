package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/xaenox/slyntos/internal/app"
	"github.com/xaenox/slyntos/internal/bot"
	"github.com/xaenox/slyntos/pkg/config"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	// Load configuration
	bootstrap, _ := zap.NewProduction()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootstrap.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}

	// Initialize logger
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		bootstrap.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, a.Gate, a.Hub, a.Media, bot.Options{
		EditInterval: cfg.Telegram.EditInterval,
		MaxFileSize:  cfg.Chat.MaxFileSize,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Error("Bot error", zap.Error(err))
	}
	logger.Info("Bot stopped")
}
