package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var CLI struct {
	URL      string        `help:"Websocket endpoint of the server." default:"ws://localhost:8080/ws" env:"SNAKE_BOT_URL"`
	Session  string        `short:"s" help:"Session code to join. Empty creates one." env:"SNAKE_BOT_SESSION"`
	Password string        `help:"Lobby password." env:"SNAKE_BOT_PASSWORD"`
	Name     string        `help:"Name prefix for the bots." default:"bot"`
	Count    int           `short:"n" help:"Number of bots to run." default:"1"`
	Codec    string        `help:"Wire codec for snapshots." enum:"json,msgpack" default:"json"`
	Tick     time.Duration `help:"Movement report interval." default:"100ms"`
	StartAt  int           `help:"Host starts the match once this many players are in. 0 never starts." default:"0"`
	Rematch  bool          `help:"Host returns to the lobby after each match."`
	Duration time.Duration `help:"Stop after this long. 0 runs until interrupted." default:"0"`

	LogLevel  string `help:"Log level." default:"info" env:"SNAKE_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"console,json" default:"console" env:"SNAKE_LOG_FORMAT"`
}

func main() {
	kong.Parse(&CLI,
		kong.Name("snake-bot"),
		kong.Description("headless snake-arena clients for load tests"),
		kong.UsageOnError())

	if err := setupLogging(CLI.LogLevel, CLI.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if CLI.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, CLI.Duration)
		defer cancel()
	}

	if err := runBots(ctx, CLI.Count, Options{
		URL:      CLI.URL,
		Session:  CLI.Session,
		Password: CLI.Password,
		Name:     CLI.Name,
		Codec:    CLI.Codec,
		Tick:     CLI.Tick,
		StartAt:  CLI.StartAt,
		Rematch:  CLI.Rematch,
	}); err != nil {
		log.Fatal().Err(err).Msg("bots stopped")
	}
}

// runBots starts count bots. Without a session code the first bot creates one
// and the rest join it.
func runBots(ctx context.Context, count int, opts Options) error {
	count = max(count, 1)
	code := make(chan string, 1)
	if opts.Session == "" {
		opts.OnSessionID = func(id string) { code <- id }
	} else {
		code <- opts.Session
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(o Options) {
		defer wg.Done()
		b, err := Dial(ctx, o, log.Logger)
		if err == nil {
			err = b.Run(ctx)
		}
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	firstDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer close(firstDone)
		run(opts)
	}()

	if count > 1 {
		var sid string
		select {
		case sid = <-code:
		case <-firstDone:
			return errors.Join(errs...)
		case <-ctx.Done():
			wg.Wait()
			return errors.Join(errs...)
		}
		log.Info().Str("session_id", sid).Int("bots", count).Msg("filling session")
		guest := opts
		guest.Session = sid
		guest.OnSessionID = nil
		guest.StartAt = 0
		for range count - 1 {
			wg.Add(1)
			go run(guest)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

func setupLogging(level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}
