package server

import (
	"log/slog"
	"time"

	"github.com/riatzukiza/mcp-oauth/instrumentation"
	"github.com/riatzukiza/mcp-oauth/security"
	"github.com/riatzukiza/mcp-oauth/storage"
)

// Config holds token authority configuration
type Config struct {
	// Persistence is the record store backing the authority (required)
	Persistence storage.Persistence

	// LoginURL is the login surface the end user is redirected to; the
	// pending request id is appended as the rid query parameter (required)
	LoginURL string

	// AuthorizationCodeTTL is how long authorization codes are valid
	// Default: 5 minutes
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid
	// Default: 1 hour
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid
	// Default: 30 days
	RefreshTokenTTL time.Duration

	// RefreshReuseWindow is how long a rotated refresh token keeps
	// answering with the same pair it produced. A burst of concurrent
	// refresh calls with one token must not strand all but the winner.
	// Default: 60 seconds
	RefreshReuseWindow time.Duration

	// AuthFailureLogRate caps auth-failure audit events per client per
	// second so a credential-stuffing run cannot flood the audit log.
	// Default: 5/s with a burst of 10
	AuthFailureLogRate  int
	AuthFailureLogBurst int

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Metrics is the optional instrumentation (default: no-op)
	Metrics *instrumentation.Metrics

	// Auditor is the optional security event sink (default: disabled)
	Auditor *security.Auditor
}

// applySecureDefaults fills in unset configuration with safe values
func applySecureDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = 5 * time.Minute
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if config.RefreshReuseWindow <= 0 {
		config.RefreshReuseWindow = 60 * time.Second
	}
	if config.AuthFailureLogRate <= 0 {
		config.AuthFailureLogRate = 5
	}
	if config.AuthFailureLogBurst <= 0 {
		config.AuthFailureLogBurst = 10
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = instrumentation.Nop()
	}
	if config.Auditor == nil {
		config.Auditor = security.NewAuditor(config.Logger, false)
	}
}
