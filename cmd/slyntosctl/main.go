// Command slyntosctl administers accounts and sessions directly against the
// configured store.
//
//	slyntosctl [-config path] register -username NAME [-code CODE]
//	slyntosctl [-config path] upgrade -username NAME [-code CODE]
//	slyntosctl [-config path] sessions -username NAME [-surface general]
//	slyntosctl beat [-style hiphop] [-bpm 120] [-bars 4] -out beat.wav
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/xaenox/slyntos/internal/app"
	"github.com/xaenox/slyntos/internal/auth"
	"github.com/xaenox/slyntos/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/term"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := app.NewLogger(config.LogConfig{Level: "warn", Development: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()
	c := &cli{
		cfg:          cfg,
		out:          os.Stdout,
		readPassword: func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) },
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd != "beat" {
		store, err := app.NewStorage(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to open storage", zap.Error(err))
		}
		defer store.Close()
		c.store = store
		c.gate = auth.NewGate(store, cfg.Auth.AccessCode, nil, logger)
	}

	if err := c.run(ctx, cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: slyntosctl [-config path] <command> [flags]

commands:
  register   create an account (prompts for the password)
  upgrade    move an account to the paid tier
  sessions   list an account's chat sessions on a surface
  beat       render a drum pattern to a WAV file`)
}
