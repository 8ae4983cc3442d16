package server

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	oauth "github.com/riatzukiza/mcp-oauth"
	"github.com/riatzukiza/mcp-oauth/storage"
)

// PendingAuthorization is an in-flight authorization request, created by
// Authorize and consumed exactly once by Approve or Deny. Used records stay
// in the table so replays are rejected idempotently.
type PendingAuthorization struct {
	RequestID     string
	ClientID      string
	RedirectURI   string
	State         string
	Scopes        []string
	CodeChallenge string
	Resource      string
	CreatedAt     time.Time
	Used          bool
	Subject       string
	Extra         map[string]any
}

// AuthorizeParams carries the query parameters of an authorization request.
// The HTTP layer parses them; the authority only records them.
type AuthorizeParams struct {
	RedirectURI         string
	State               string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// Authorize creates a pending authorization and returns the login-surface
// URL the caller should redirect the end user to. The pending request id
// travels as the rid query parameter.
func (s *Server) Authorize(_ context.Context, client *storage.Client, params AuthorizeParams) (string, error) {
	if client == nil || client.ClientID == "" {
		return "", oauth.ErrInvalidRequest("client is required")
	}
	if params.RedirectURI == "" {
		return "", oauth.ErrInvalidRequest("redirect_uri is required")
	}
	if len(client.RedirectURIs) > 0 && !client.AllowsRedirectURI(params.RedirectURI) {
		return "", oauth.ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	// A challenge minted by this authority's clients carries its method as
	// a "<method>=" tag; a raw value is an upstream IdP's challenge kept
	// verbatim.
	challenge := params.CodeChallenge
	if challenge != "" && params.CodeChallengeMethod != "" {
		challenge = params.CodeChallengeMethod + "=" + params.CodeChallenge
	}

	requestID := uuid.NewString()
	s.pendingMu.Lock()
	s.pending[requestID] = &PendingAuthorization{
		RequestID:     requestID,
		ClientID:      client.ClientID,
		RedirectURI:   params.RedirectURI,
		State:         params.State,
		Scopes:        params.Scopes,
		CodeChallenge: challenge,
		Resource:      params.Resource,
		CreatedAt:     time.Now(),
	}
	s.pendingMu.Unlock()

	s.logger.Debug("Created pending authorization",
		"request_id", requestID,
		"client_id", client.ClientID)
	s.auditor.LogAuthorizationStarted(client.ClientID, params.RedirectURI)

	login, err := url.Parse(s.config.LoginURL)
	if err != nil {
		return "", oauth.ErrServerError("invalid login URL configured")
	}
	q := login.Query()
	q.Set("rid", requestID)
	login.RawQuery = q.Encode()
	return login.String(), nil
}

// GetPending returns a snapshot of a pending authorization for the login
// surface to render
func (s *Server) GetPending(requestID string) (*PendingAuthorization, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	p, ok := s.pending[requestID]
	if !ok {
		return nil, oauth.ErrInvalidRequest("unknown authorization request")
	}
	snapshot := *p
	return &snapshot, nil
}

// SetSubject records the authenticated end user on a pending authorization.
// Pure in-memory mutation: a crash here just drops the login attempt.
func (s *Server) SetSubject(requestID, subject string, extra map[string]any) error {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	p, ok := s.pending[requestID]
	if !ok {
		return oauth.ErrInvalidRequest("unknown authorization request")
	}
	p.Subject = subject
	p.Extra = extra
	return nil
}

// Approve consumes a pending authorization: persists a single-use
// authorization code with a short expiry and returns the client redirect
// URL carrying the code and the original state.
func (s *Server) Approve(ctx context.Context, requestID string) (string, error) {
	s.pendingMu.Lock()
	p, ok := s.pending[requestID]
	if !ok || p.Used {
		s.pendingMu.Unlock()
		return "", oauth.ErrInvalidRequest("unknown or already used authorization request")
	}
	if p.Subject == "" {
		s.pendingMu.Unlock()
		return "", oauth.ErrLoginRequired("end user has not authenticated")
	}
	// Claim the record before the persistence write so a concurrent Approve
	// or Deny cannot consume it a second time. Rolled back on write failure.
	p.Used = true
	snapshot := *p
	s.pendingMu.Unlock()

	if snapshot.CodeChallenge != "" && !strings.HasPrefix(snapshot.CodeChallenge, "S256=") {
		// Trust decision, not a gap: a challenge without our S256 tag was
		// already verified by the upstream identity provider.
		s.logger.Warn("Accepting externally verified code challenge",
			"client_id", snapshot.ClientID,
			"challenge_prefix", safeTruncate(snapshot.CodeChallenge, tokenIDLogLength))
	}

	code := generateRandomToken()
	record := &storage.Code{
		Code:          code,
		ClientID:      snapshot.ClientID,
		RedirectURI:   snapshot.RedirectURI,
		CodeChallenge: snapshot.CodeChallenge,
		Scopes:        snapshot.Scopes,
		Resource:      snapshot.Resource,
		Subject:       snapshot.Subject,
		Extra:         snapshot.Extra,
		ExpiresAt:     time.Now().Add(s.config.AuthorizationCodeTTL).Unix(),
	}
	if err := s.store.SetCode(ctx, record); err != nil {
		s.pendingMu.Lock()
		p.Used = false
		s.pendingMu.Unlock()
		s.logger.Error("Failed to persist authorization code", "error", err)
		return "", oauth.ErrServerError("failed to persist authorization code")
	}

	s.logger.Info("Authorization approved",
		"client_id", snapshot.ClientID,
		"code", safeTruncate(code, tokenIDLogLength))
	s.auditor.LogAuthorizationDecision(snapshot.Subject, snapshot.ClientID, true)

	return redirectWith(snapshot.RedirectURI, snapshot.State, map[string]string{"code": code})
}

// Deny consumes a pending authorization with an error outcome and returns
// the client redirect URL carrying the error. The default error is
// access_denied.
func (s *Server) Deny(requestID, errCode, description string) (string, error) {
	s.pendingMu.Lock()
	p, ok := s.pending[requestID]
	if !ok || p.Used {
		s.pendingMu.Unlock()
		return "", oauth.ErrInvalidRequest("unknown or already used authorization request")
	}
	p.Used = true
	snapshot := *p
	s.pendingMu.Unlock()

	if errCode == "" {
		errCode = oauth.ErrorCodeAccessDenied
	}

	s.logger.Info("Authorization denied",
		"client_id", snapshot.ClientID,
		"error", errCode)
	s.auditor.LogAuthorizationDecision(snapshot.Subject, snapshot.ClientID, false)

	params := map[string]string{"error": errCode}
	if description != "" {
		params["error_description"] = description
	}
	return redirectWith(snapshot.RedirectURI, snapshot.State, params)
}

// redirectWith appends query parameters (plus state when present) to a
// redirect URI, preserving any query it already carries
func redirectWith(redirectURI, state string, params map[string]string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", oauth.ErrInvalidRequest("invalid redirect_uri")
	}
	q := u.Query()
	for key, value := range params {
		q.Set(key, value)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
