// Package security provides rate limiting and audit logging for the
// authorization server core.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor emits structured security events. Subjects are hashed before
// logging so audit output never carries raw end-user identifiers.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event is a single security audit event
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthorizationStarted logs the creation of a pending authorization
func (a *Auditor) LogAuthorizationStarted(clientID, redirectURI string) {
	a.LogEvent(Event{
		Type:     "authorization_started",
		ClientID: clientID,
		Details: map[string]any{
			"redirect_uri": redirectURI,
		},
	})
}

// LogAuthorizationDecision logs an approval or denial of a pending authorization
func (a *Auditor) LogAuthorizationDecision(subject, clientID string, approved bool) {
	eventType := "authorization_denied"
	if approved {
		eventType = "authorization_approved"
	}
	a.LogEvent(Event{
		Type:     eventType,
		Subject:  subject,
		ClientID: clientID,
	})
}

// LogCodeExchanged logs a successful authorization code exchange
func (a *Auditor) LogCodeExchanged(subject, clientID, scope string) {
	a.LogEvent(Event{
		Type:     "code_exchanged",
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a refresh token rotation. fromReuseWindow marks
// exchanges answered from the rotation reuse window rather than a fresh
// rotation.
func (a *Auditor) LogTokenRefreshed(subject, clientID string, fromReuseWindow bool) {
	a.LogEvent(Event{
		Type:     "token_refreshed",
		Subject:  subject,
		ClientID: clientID,
		Details: map[string]any{
			"from_reuse_window": fromReuseWindow,
		},
	})
}

// LogRefreshReuseRejected logs a refresh token presented outside its reuse
// window, which may indicate token theft
func (a *Auditor) LogRefreshReuseRejected(clientID string) {
	a.LogEvent(Event{
		Type:     "refresh_reuse_rejected",
		ClientID: clientID,
	})
}

// LogTokenRevoked logs a token revocation
func (a *Auditor) LogTokenRevoked(clientID, tokenKind string) {
	a.LogEvent(Event{
		Type:     "token_revoked",
		ClientID: clientID,
		Details: map[string]any{
			"token_kind": tokenKind,
		},
	})
}

// LogAuthFailure logs an authentication or grant validation failure
func (a *Auditor) LogAuthFailure(clientID, reason string) {
	a.LogEvent(Event{
		Type:     "auth_failure",
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(identifier string) {
	a.LogEvent(Event{
		Type:    "rate_limit_exceeded",
		Subject: identifier,
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
