package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var CLI struct {
	Serve struct {
	} `cmd:"" default:"1" help:"Run the game server (default)."`

	Token struct {
		Subject string        `arg:"" optional:"" default:"operator" help:"Subject recorded in the token."`
		TTL     time.Duration `help:"Token lifetime." default:"720h"`
	} `cmd:"" help:"Print an operator token for the HTTP API."`
}

func writeError(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", err)
	os.Exit(1)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("snake-arena"),
		kong.Description("authoritative server for multiplayer snake sessions"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	cfg, err := LoadConfig()
	if err != nil {
		writeError(err)
	}
	if err := setupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
		writeError(err)
	}

	switch ctx.Command() {
	case "serve":
		err = serveCommand(cfg)
	case "token", "token <subject>":
		err = tokenCommand(cfg, CLI.Token.Subject, CLI.Token.TTL)
	default:
		err = fmt.Errorf("unknown command %q", ctx.Command())
	}
	if err != nil {
		writeError(err)
	}
}

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

func tokenCommand(cfg Config, subject string, ttl time.Duration) error {
	var db *DB
	if cfg.DBPath != "" {
		var err error
		if db, err = OpenDB(cfg.DBPath); err != nil {
			return err
		}
		defer db.Close()
	} else if cfg.JWTSecret == "" {
		return errors.New("set SNAKE_JWT_SECRET or SNAKE_DB_PATH so the server can verify the token")
	}
	token, err := NewAuth(db, cfg.JWTSecret).IssueToken(subject, ttl, time.Now())
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func serveCommand(cfg Config) error {
	defaults, err := LoadGameDefaults(cfg.DefaultsFile)
	if err != nil {
		return fmt.Errorf("load game defaults: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	var sinks multiSink
	var db *DB
	var analytics *Analytics
	if cfg.DBPath != "" {
		if db, err = OpenDB(cfg.DBPath); err != nil {
			return err
		}
		defer db.Close()
		analytics = NewAnalytics(db, clock)
		defer analytics.Stop()
		sinks = append(sinks, analytics)
		log.Info().Str("path", cfg.DBPath).Msg("match history enabled")
	}
	if cfg.NATSURL != "" {
		pub, err := NewPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		log.Info().Str("url", cfg.NATSURL).Str("subject", cfg.NATSSubject).Msg("publishing events to NATS")
	}

	hub := NewHub(HubConfig{
		MaxConnsPerIP:  cfg.MaxConnsPerIP,
		MaxTotalConns:  cfg.MaxTotalConns,
		MessagesPerSec: cfg.MessagesPerSec,
	})
	registry := NewRegistry(cfg.MaxSessions, defaults.Collectables, newRand(), clock)
	timers := NewTimerManager(clock, hub, registry.Get)
	spawner := NewSpawner(clock, hub, registry.Get, defaults.Spawner, newRand())
	dispatcher := NewDispatcher(DispatcherConfig{
		Registry:     registry,
		Rooms:        hub,
		Timers:       timers,
		Spawner:      spawner,
		Sink:         sinks,
		Defaults:     defaults,
		ReadyTimeout: cfg.ReadyTimeout,
		Clock:        clock,
	})
	hub.SetHandler(dispatcher)
	go hub.Run(ctx)
	go NewBroadcaster(clock, hub, registry, cfg.SyncInterval).Run(ctx)

	srv := &Server{
		ctx:            ctx,
		hub:            hub,
		registry:       registry,
		auth:           NewAuth(db, cfg.JWTSecret),
		db:             db,
		analytics:      analytics,
		publicURL:      cfg.PublicURL,
		allowedOrigins: cfg.AllowedOrigins,
	}
	server := &http.Server{Addr: cfg.Addr, Handler: srv.Routes(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Int("max_sessions", cfg.MaxSessions).Msg("server starting")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
