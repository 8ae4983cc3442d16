package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	oauth "github.com/riatzukiza/mcp-oauth"
	"github.com/riatzukiza/mcp-oauth/storage"
)

// dummyBcryptHash keeps client authentication constant-time for unknown
// clients (bcrypt hash of an arbitrary string)
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ChallengeForAuthorizationCode returns the PKCE challenge stored with an
// authorization code, for upstream middleware that inspects the challenge
// before the full exchange. Unknown codes fail invalid_grant.
func (s *Server) ChallengeForAuthorizationCode(ctx context.Context, code string) (string, error) {
	record, err := s.store.GetCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", oauth.ErrInvalidGrant("authorization code not found")
		}
		return "", fmt.Errorf("failed to look up authorization code: %w", err)
	}
	return record.CodeChallenge, nil
}

// ExchangeAuthorizationCode exchanges a single-use authorization code for a
// token pair. The code is deleted before issuance so a crash mid-issuance
// cannot replay it.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, verifier, redirectURI, resource string) (*oauth.TokenResponse, error) {
	if client == nil {
		return nil, oauth.ErrInvalidRequest("client is required")
	}

	record, err := s.store.GetCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logAuthFailure(client.ClientID, "authorization code not found")
			return nil, oauth.ErrInvalidGrant("authorization code not found")
		}
		return nil, fmt.Errorf("failed to look up authorization code: %w", err)
	}

	if record.Expired(time.Now()) {
		if delErr := s.store.DeleteCode(ctx, code); delErr != nil {
			s.logger.Warn("Failed to evict expired authorization code", "error", delErr)
		}
		s.logAuthFailure(client.ClientID, "authorization code expired")
		return nil, oauth.ErrInvalidGrant("authorization code expired")
	}

	if record.ClientID != client.ClientID {
		s.logAuthFailure(client.ClientID, "authorization code client mismatch")
		return nil, oauth.ErrInvalidGrant("authorization code was issued to another client")
	}
	if redirectURI != "" && record.RedirectURI != redirectURI {
		s.logAuthFailure(client.ClientID, "redirect_uri mismatch")
		return nil, oauth.ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if resource != "" && record.Resource != "" && resource != record.Resource {
		s.logAuthFailure(client.ClientID, "resource mismatch")
		return nil, oauth.ErrInvalidGrant("resource does not match the authorization request")
	}

	if err := validatePKCE(record.CodeChallenge, verifier); err != nil {
		s.logAuthFailure(client.ClientID, "PKCE verification failed")
		return nil, err
	}

	// One-time use: the code is gone before any token exists.
	if err := s.store.DeleteCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	response, err := s.issueTokens(ctx, record.ClientID, record.Scopes, record.Resource, record.Subject, record.Extra)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Authorization code exchanged",
		"client_id", client.ClientID,
		"code", safeTruncate(code, tokenIDLogLength))
	s.metrics.CodeExchanged(ctx)
	s.metrics.TokenIssued(ctx, "authorization_code")
	s.auditor.LogCodeExchanged(record.Subject, client.ClientID, response.Scope)

	return response, nil
}

// ExchangeRefreshToken rotates a refresh token into a new token pair.
// Within the reuse window a replay of an already-rotated token returns the
// identical pair the rotation produced; outside it, invalid_grant.
func (s *Server) ExchangeRefreshToken(ctx context.Context, client *storage.Client, refreshToken string, scopes []string, resource string) (*oauth.TokenResponse, error) {
	if client == nil {
		return nil, oauth.ErrInvalidRequest("client is required")
	}

	// Reuse pre-check: a concurrent racer may have rotated this token
	// moments ago.
	if cached := s.reuseWindowTokens(ctx, client, refreshToken, scopes, resource); cached != nil {
		s.metrics.ReuseHit(ctx)
		s.auditor.LogTokenRefreshed("", client.ClientID, true)
		return cached, nil
	}

	record, err := s.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logAuthFailure(client.ClientID, "refresh token not found")
			return nil, oauth.ErrInvalidGrant("refresh token not found")
		}
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	if record.Expired(time.Now()) {
		if delErr := s.store.DeleteRefreshToken(ctx, refreshToken); delErr != nil {
			s.logger.Warn("Failed to evict expired refresh token", "error", delErr)
		}
		s.logAuthFailure(client.ClientID, "refresh token expired")
		return nil, oauth.ErrInvalidGrant("refresh token expired")
	}

	if record.ClientID != client.ClientID {
		s.logAuthFailure(client.ClientID, "refresh token client mismatch")
		return nil, oauth.ErrInvalidGrant("refresh token was issued to another client")
	}
	if resource != "" && record.Resource != "" && resource != record.Resource {
		s.logAuthFailure(client.ClientID, "resource mismatch")
		return nil, oauth.ErrInvalidGrant("resource does not match the refresh token")
	}

	// Narrowing is allowed, escalation is not.
	granted := record.Scopes
	if len(scopes) > 0 {
		if !scopesSubset(scopes, record.Scopes) {
			s.logAuthFailure(client.ClientID, "scope escalation attempt")
			return nil, oauth.ErrInvalidScope("requested scopes exceed those of the refresh token")
		}
		granted = scopes
	}

	consumed, err := s.store.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Lost the rotation race. The winner wrote a reuse marker;
			// answer from it if we still can.
			if cached := s.reuseWindowTokens(ctx, client, refreshToken, scopes, resource); cached != nil {
				s.metrics.ReuseHit(ctx)
				s.auditor.LogTokenRefreshed(record.Subject, client.ClientID, true)
				return cached, nil
			}
			s.auditor.LogRefreshReuseRejected(client.ClientID)
			return nil, oauth.ErrInvalidGrant("refresh token already used")
		}
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	response, err := s.issueTokens(ctx, consumed.ClientID, granted, consumed.Resource, consumed.Subject, consumed.Extra)
	if err != nil {
		return nil, err
	}

	// The marker must exist before we return, or a concurrent replay of
	// the old token hits invalid_grant instead of this pair. Failing the
	// whole exchange now would strand the client, so a marker write
	// failure only degrades the reuse window. The marker carries the
	// request's resource so an identical replay matches even when the
	// token itself carries none.
	markerResource := resource
	if markerResource == "" {
		markerResource = consumed.Resource
	}
	marker := &storage.RefreshTokenReuse{
		OldRefreshToken: refreshToken,
		ClientID:        consumed.ClientID,
		Resource:        markerResource,
		ScopeKey:        scopeKey(granted),
		Tokens:          *response,
		ExpiresAt:       time.Now().Add(s.config.RefreshReuseWindow).Unix(),
	}
	if err := s.store.SetRefreshTokenReuse(ctx, marker); err != nil {
		s.logger.Warn("Failed to write refresh reuse marker", "error", err)
	}

	s.logger.Info("Refresh token rotated",
		"client_id", client.ClientID,
		"old_token", safeTruncate(refreshToken, tokenIDLogLength))
	s.metrics.RefreshRotated(ctx)
	s.metrics.TokenIssued(ctx, "refresh_token")
	s.auditor.LogTokenRefreshed(consumed.Subject, client.ClientID, false)

	return response, nil
}

// reuseWindowTokens returns the cached pair for a just-rotated refresh
// token, or nil when no marker matches. The marker must belong to the same
// client, resource, and (when scopes were requested) the same scope set.
func (s *Server) reuseWindowTokens(ctx context.Context, client *storage.Client, refreshToken string, scopes []string, resource string) *oauth.TokenResponse {
	marker, err := s.store.GetRefreshTokenReuse(ctx, refreshToken)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Failed to look up reuse marker", "error", err)
		}
		return nil
	}

	if marker.Expired(time.Now()) {
		return nil
	}
	if marker.ClientID != client.ClientID || marker.Resource != resource {
		return nil
	}
	if len(scopes) > 0 && scopeKey(scopes) != marker.ScopeKey {
		return nil
	}

	s.logger.Info("Refresh exchange answered from reuse window",
		"client_id", client.ClientID,
		"old_token", safeTruncate(refreshToken, tokenIDLogLength))
	tokens := marker.Tokens
	return &tokens
}

// issueTokens creates and persists an access/refresh token pair sharing
// client, scopes, resource, and subject
func (s *Server) issueTokens(ctx context.Context, clientID string, scopes []string, resource, subject string, extra map[string]any) (*oauth.TokenResponse, error) {
	now := time.Now()
	accessToken := generateRandomToken()
	refreshToken := generateRandomToken()

	access := &storage.Token{
		Token:     accessToken,
		ClientID:  clientID,
		Scopes:    scopes,
		Resource:  resource,
		Subject:   subject,
		Extra:     extra,
		ExpiresAt: now.Add(s.config.AccessTokenTTL).Unix(),
	}
	if err := s.store.SetAccessToken(ctx, access); err != nil {
		return nil, fmt.Errorf("failed to persist access token: %w", err)
	}

	refresh := &storage.Token{
		Token:     refreshToken,
		ClientID:  clientID,
		Scopes:    scopes,
		Resource:  resource,
		Subject:   subject,
		Extra:     extra,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL).Unix(),
	}
	if err := s.store.SetRefreshToken(ctx, refresh); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return &oauth.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        strings.Join(scopes, " "),
	}, nil
}

// VerifyAccessToken resolves an access token to its grant. Unknown and
// expired tokens fail invalid_token; expired tokens are evicted on read.
func (s *Server) VerifyAccessToken(ctx context.Context, token string) (*oauth.AuthInfo, error) {
	record, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.ErrInvalidToken("token not found")
		}
		return nil, fmt.Errorf("failed to look up access token: %w", err)
	}

	if record.Expired(time.Now()) {
		if delErr := s.store.DeleteAccessToken(ctx, token); delErr != nil {
			s.logger.Warn("Failed to evict expired access token", "error", delErr)
		}
		return nil, oauth.ErrInvalidToken("token expired")
	}

	return &oauth.AuthInfo{
		Token:     record.Token,
		ClientID:  record.ClientID,
		Scopes:    record.Scopes,
		ExpiresAt: record.ExpiresAt,
		Resource:  record.Resource,
		Extra:     record.Extra,
	}, nil
}

// RevokeToken revokes an access or refresh token owned by the calling
// client. Silent no-op when the token is unknown or owned by another
// client: revocation must never leak token existence.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, token, tokenTypeHint string) error {
	if client == nil {
		return oauth.ErrInvalidRequest("client is required")
	}

	// The hint orders the search; both tables are checked regardless
	// (RFC 7009 §2.1).
	kinds := []string{"access_token", "refresh_token"}
	if tokenTypeHint == "refresh_token" {
		kinds = []string{"refresh_token", "access_token"}
	}

	for _, kind := range kinds {
		revoked, err := s.revokeFromTable(ctx, client, token, kind)
		if err != nil {
			return err
		}
		if revoked {
			s.logger.Info("Token revoked",
				"client_id", client.ClientID,
				"kind", kind,
				"token", safeTruncate(token, tokenIDLogLength))
			s.metrics.TokenRevoked(ctx, kind)
			s.auditor.LogTokenRevoked(client.ClientID, kind)
			return nil
		}
	}
	return nil
}

// revokeFromTable deletes the token from one table if the calling client
// owns it
func (s *Server) revokeFromTable(ctx context.Context, client *storage.Client, token, kind string) (bool, error) {
	var (
		record *storage.Token
		err    error
	)
	if kind == "refresh_token" {
		record, err = s.store.GetRefreshToken(ctx, token)
	} else {
		record, err = s.store.GetAccessToken(ctx, token)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up token for revocation: %w", err)
	}

	if record.ClientID != client.ClientID {
		return false, nil
	}

	if kind == "refresh_token" {
		err = s.store.DeleteRefreshToken(ctx, token)
	} else {
		err = s.store.DeleteAccessToken(ctx, token)
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete revoked token: %w", err)
	}
	return true, nil
}

// AuthenticateClient verifies client credentials against the registered
// client record. Constant-time: unknown clients still pay a bcrypt compare,
// and all failures share one generic error.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)

	hashToCompare := dummyBcryptHash
	publicClient := false
	if err == nil {
		if client.SecretHash == "" {
			publicClient = true
		} else {
			hashToCompare = client.SecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up client: %w", err)
		}
		s.logAuthFailure(clientID, "unknown client")
		return nil, oauth.ErrInvalidClient("invalid client credentials")
	}

	if publicClient {
		if clientSecret != "" {
			s.logAuthFailure(clientID, "secret presented for public client")
			return nil, oauth.ErrInvalidClient("invalid client credentials")
		}
		return client, nil
	}

	if bcryptErr != nil {
		s.logAuthFailure(clientID, "client secret mismatch")
		return nil, oauth.ErrInvalidClient("invalid client credentials")
	}
	return client, nil
}
