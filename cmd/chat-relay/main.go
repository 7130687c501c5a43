package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/arcline/chat-relay/internal/auth"
	"github.com/arcline/chat-relay/internal/config"
	"github.com/arcline/chat-relay/internal/httpserver"
	"github.com/arcline/chat-relay/internal/metrics"
	"github.com/arcline/chat-relay/internal/relay"
	"github.com/arcline/chat-relay/internal/roster"
	"github.com/arcline/chat-relay/internal/signaling"
	"github.com/arcline/chat-relay/internal/store"
	"github.com/arcline/chat-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A missing .env is fine; environment variables and flags still apply.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting chat-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"data_dir", cfg.DataDir,
		"auth_mode", cfg.AuthMode,
		"read_receipt_scope", cfg.ReadReceiptScope,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"max_event_bytes", cfg.MaxEventBytes,
		"max_events_per_second", cfg.MaxEventsPerSecond,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	msgStore, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Error("failed to open message store", "err", err)
		os.Exit(2)
	}
	defer func() {
		if err := msgStore.Close(); err != nil {
			logger.Error("closing message store", "err", err)
		}
	}()

	var verifier auth.Verifier
	if cfg.AuthMode != config.AuthModeNone {
		verifier, err = auth.NewVerifier(cfg)
		if err != nil {
			logger.Error("failed to configure auth", "err", err)
			os.Exit(2)
		}
	}

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	m := metrics.New()
	registry := roster.NewRegistry(logger)
	engine := relay.NewEngine(registry, msgStore, m, logger, cfg.ReadReceiptScope)
	ws := signaling.New(cfg, engine, verifier, m, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Engine:    engine,
		WebSocket: ws,
		Metrics:   metrics.PrometheusHandler(m),
		Turn:      turnGen,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		registry.CloseAll()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Shutdown waits for in-flight HTTP requests but not for the upgraded
	// WebSockets; those are torn down explicitly.
	registry.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
