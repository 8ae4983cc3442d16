// Package server implements the token authority: pending-authorization
// bookkeeping, PKCE verification, one-time authorization-code exchange,
// access/refresh token issuance with rotation and short-window reuse
// tolerance, and token verification/revocation. Persistence is injected;
// the authority does not know whether it is talking to the replicated
// Valkey layer or a single-process store.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/riatzukiza/mcp-oauth/instrumentation"
	"github.com/riatzukiza/mcp-oauth/security"
	"github.com/riatzukiza/mcp-oauth/storage"
)

// tokenIDLogLength is the number of characters to include when logging tokens
const tokenIDLogLength = 8

// Server is the token authority
type Server struct {
	store   storage.Persistence
	config  Config
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	auditor *security.Auditor

	// failureLimiter throttles auth-failure audit events per client
	failureLimiter *security.RateLimiter

	// pending is process-local by design: a crash drops in-flight login
	// attempts, nothing more
	pendingMu sync.Mutex
	pending   map[string]*PendingAuthorization
}

// New creates a token authority over the given persistence
func New(config Config) (*Server, error) {
	if config.Persistence == nil {
		return nil, fmt.Errorf("persistence is required")
	}
	if config.LoginURL == "" {
		return nil, fmt.Errorf("login URL is required")
	}

	applySecureDefaults(&config)

	return &Server{
		store:          config.Persistence,
		config:         config,
		logger:         config.Logger,
		metrics:        config.Metrics,
		auditor:        config.Auditor,
		failureLimiter: security.NewRateLimiter(config.AuthFailureLogRate, config.AuthFailureLogBurst, config.Logger),
		pending:        make(map[string]*PendingAuthorization),
	}, nil
}

// Close stops the authority's background resources. The injected
// persistence is owned by the caller and is not closed here.
func (s *Server) Close() {
	s.failureLimiter.Stop()
}

// generateRandomToken produces a 256-bit URL-safe random string, used for
// authorization codes and both token kinds
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// safeTruncate safely truncates a string to n characters for logging
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// logAuthFailure audits an authentication or grant failure, rate-limited
// per client so floods cannot drown the audit log
func (s *Server) logAuthFailure(clientID, reason string) {
	if s.failureLimiter.Allow(clientID) {
		s.auditor.LogAuthFailure(clientID, reason)
	}
}

// RunCleanup sweeps expired records at the given interval until the context
// is cancelled. Intended to run in its own goroutine; with the replicated
// store only the projection owner does real work.
func (s *Server) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Cleanup(ctx)
			if err != nil {
				s.logger.Error("Cleanup sweep failed", "error", err)
				continue
			}
			s.metrics.CleanupRemoved(ctx, removed)
			if removed > 0 {
				s.logger.Info("Cleanup sweep removed expired records", "removed", removed)
			}
		}
	}
}
