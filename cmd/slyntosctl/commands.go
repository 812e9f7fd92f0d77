package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/xaenox/slyntos/internal/auth"
	"github.com/xaenox/slyntos/internal/beat"
	"github.com/xaenox/slyntos/internal/llm"
	"github.com/xaenox/slyntos/internal/models"
	"github.com/xaenox/slyntos/internal/storage"
	"github.com/xaenox/slyntos/pkg/config"
)

const beatSampleRate = 44100

type cli struct {
	cfg   *config.Config
	store storage.Storage
	gate  *auth.Gate
	out   io.Writer
	// readPassword reads one password from the terminal without echo.
	readPassword func() ([]byte, error)
}

func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "register":
		return c.register(ctx, args)
	case "upgrade":
		return c.upgrade(ctx, args)
	case "sessions":
		return c.sessions(ctx, args)
	case "beat":
		return c.beat(args)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (c *cli) register(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	username := fs.String("username", "", "account name")
	code := fs.String("code", "", "access code for the paid tier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("-username is required")
	}

	fmt.Fprint(c.out, "Enter password: ")
	password, err := c.readPassword()
	fmt.Fprintln(c.out)
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, "Repeat password: ")
	confirm, err := c.readPassword()
	fmt.Fprintln(c.out)
	if err != nil {
		return err
	}

	user, err := c.gate.Register(ctx, auth.RegisterInput{
		Username:        *username,
		Password:        string(password),
		ConfirmPassword: string(confirm),
		AccessCode:      *code,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Registered %s (%s tier, id %s)\n", user.Username, user.Tier, user.ID)
	return nil
}

// upgrade uses the configured access code unless -code is given.
func (c *cli) upgrade(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upgrade", flag.ContinueOnError)
	username := fs.String("username", "", "account name")
	code := fs.String("code", c.cfg.Auth.AccessCode, "access code")
	if err := fs.Parse(args); err != nil {
		return err
	}

	user, err := c.store.GetUserByUsername(ctx, *username)
	if err != nil {
		return fmt.Errorf("lookup %q: %w", *username, err)
	}
	if user, err = c.gate.Upgrade(ctx, user.ID, *code); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s is now on the %s tier\n", user.Username, user.Tier)
	return nil
}

func (c *cli) sessions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	username := fs.String("username", "", "account name")
	surfaceName := fs.String("surface", string(models.SurfaceGeneral), "general, academic or website")
	if err := fs.Parse(args); err != nil {
		return err
	}
	surface, err := models.ParseSurface(*surfaceName)
	if err != nil {
		return err
	}

	user, err := c.store.GetUserByUsername(ctx, *username)
	if err != nil {
		return fmt.Errorf("lookup %q: %w", *username, err)
	}
	sessions, err := c.store.GetSessions(ctx, user.ID, surface)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintf(c.out, "No %s sessions\n", surface.DisplayName())
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Title, len(s.Messages), s.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func (c *cli) beat(args []string) error {
	fs := flag.NewFlagSet("beat", flag.ContinueOnError)
	styleName := fs.String("style", string(beat.StyleHipHop), "hiphop, rock or electronic")
	bpm := fs.Int("bpm", beat.DefaultTempo, "tempo in beats per minute")
	bars := fs.Int("bars", 4, "number of bars")
	out := fs.String("out", "beat.wav", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	style, err := beat.ParseStyle(*styleName)
	if err != nil {
		return err
	}
	tempo := beat.NormalizeTempo(*bpm)
	pcm, err := beat.Render(style, tempo, *bars, beatSampleRate)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, llm.PCMToWAV(pcm, beatSampleRate, 1, 16), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Wrote %d bars of %s at %d BPM to %s\n", max(*bars, 1), style, tempo, *out)
	return nil
}
