// Command oauthd runs the authorization server core as a daemon: it
// constructs the Valkey-backed persistence, participates in projection-owner
// election, and runs the periodic expiry sweep until SIGINT/SIGTERM.
// The HTTP surface is mounted by the embedding deployment; this binary is
// the storage and janitor side of the system.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/riatzukiza/mcp-oauth/instrumentation"
	"github.com/riatzukiza/mcp-oauth/security"
	"github.com/riatzukiza/mcp-oauth/server"
	"github.com/riatzukiza/mcp-oauth/storage/valkey"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "oauthd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "oauthd: ignoring .env: %v\n", err)
	}

	var (
		valkeyAddr      = pflag.String("valkey-addr", envOr("VALKEY_ADDR", "localhost:6379"), "Valkey server address")
		valkeyPassword  = pflag.String("valkey-password", os.Getenv("VALKEY_PASSWORD"), "Valkey password")
		valkeyDB        = pflag.Int("valkey-db", 0, "Valkey database number")
		keyPrefix       = pflag.String("key-prefix", envOr("OAUTH_KEY_PREFIX", valkey.DefaultKeyPrefix), "prefix for all Valkey keys")
		projectionPath  = pflag.String("projection-path", envOr("OAUTH_PROJECTION_PATH", "oauth-projection.db"), "bbolt file backing the durable projection (empty disables)")
		lockTTL         = pflag.Duration("lock-ttl", valkey.DefaultLockTTL, "projection owner lock lifetime")
		cleanupInterval = pflag.Duration("cleanup-interval", time.Minute, "expiry sweep interval")
		loginURL        = pflag.String("login-url", envOr("OAUTH_LOGIN_URL", "http://localhost:8080/login"), "login surface URL for authorization redirects")
		auditEnabled    = pflag.Bool("audit", true, "emit security audit events")
		logLevel        = pflag.String("log-level", envOr("OAUTH_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	)
	pflag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	metrics, err := instrumentation.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := valkey.New(ctx, valkey.Config{
		Address:        *valkeyAddr,
		Password:       *valkeyPassword,
		DB:             *valkeyDB,
		KeyPrefix:      *keyPrefix,
		ProjectionPath: *projectionPath,
		LockTTL:        *lockTTL,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	authority, err := server.New(server.Config{
		Persistence: store,
		LoginURL:    *loginURL,
		Logger:      logger,
		Metrics:     metrics,
		Auditor:     security.NewAuditor(logger, *auditEnabled),
	})
	if err != nil {
		return fmt.Errorf("failed to create token authority: %w", err)
	}
	defer authority.Close()

	go authority.RunCleanup(ctx, *cleanupInterval)

	logger.Info("oauthd started",
		"valkey_addr", *valkeyAddr,
		"projection_path", *projectionPath,
		"projection_owner", store.IsProjectionOwner(),
		"cleanup_interval", *cleanupInterval)

	<-ctx.Done()
	logger.Info("oauthd shutting down")
	return nil
}

// envOr returns the environment value or a fallback
func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// newLogger builds a text slog logger at the requested level
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
