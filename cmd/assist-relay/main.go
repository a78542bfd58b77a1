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
	"time"

	"github.com/canvasflow/assist-relay/internal/config"
	"github.com/canvasflow/assist-relay/internal/httpserver"
	"github.com/canvasflow/assist-relay/internal/metrics"
	"github.com/canvasflow/assist-relay/internal/pairing"
	"github.com/canvasflow/assist-relay/internal/ratelimit"
	"github.com/canvasflow/assist-relay/internal/session"
	"github.com/canvasflow/assist-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
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

	logger.Info("starting assist-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"session_ttl", cfg.SessionTTL,
		"sweep_interval", cfg.SweepInterval,
		"max_sessions", cfg.MaxSessions,
		"ping_interval", cfg.PingInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"create_per_minute", cfg.CreatePerMinute,
		"allowed_origins", cfg.AllowedOrigins,
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildCommit, buildTime))

	m := metrics.New()
	registry := session.NewRegistry(session.Config{
		TTL:         cfg.SessionTTL,
		MaxSessions: cfg.MaxSessions,
		Logger:      logger,
		Metrics:     m,
	})

	var createLimiter *ratelimit.CallerLimiter
	if cfg.CreatePerMinute > 0 {
		createLimiter = ratelimit.NewCallerLimiter(
			ratelimit.RealClock{},
			int64(cfg.CreatePerMinute), int64(cfg.CreatePerMinute), time.Minute,
			ratelimit.DefaultMaxCallerBuckets,
		)
	}

	pairing.NewServer(pairing.Config{
		Registry:      registry,
		CreateLimiter: createLimiter,
		Logger:        logger,
		Metrics:       m,
	}).RegisterRoutes(srv.Mux())

	sig := signaling.NewServer(signaling.Config{
		Registry:             registry,
		PingInterval:         cfg.PingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		AllowedOrigins:       cfg.AllowedOrigins,
		Logger:               logger,
		Metrics:              m,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := session.NewSweeper(registry, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
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

	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
