package storage

import (
	"time"

	oauth "github.com/riatzukiza/mcp-oauth"
)

// Code is a single-use authorization code awaiting exchange.
// The PKCE challenge is stored in "<method>=<value>" form when issued by this
// authority; challenges minted by an upstream identity provider are kept
// verbatim and are not re-validated at exchange time.
type Code struct {
	Code          string         `json:"code"`
	ClientID      string         `json:"client_id"`
	RedirectURI   string         `json:"redirect_uri"`
	CodeChallenge string         `json:"code_challenge"`
	Scopes        []string       `json:"scopes"`
	Resource      string         `json:"resource,omitempty"`
	Subject       string         `json:"subject"`
	Extra         map[string]any `json:"extra,omitempty"`
	ExpiresAt     int64          `json:"expires_at"` // Unix seconds
}

// Token is an issued access or refresh token. The two kinds share a shape
// and differ only in lifetime and which table they live in.
type Token struct {
	Token     string         `json:"token"`
	ClientID  string         `json:"client_id"`
	Scopes    []string       `json:"scopes"`
	Resource  string         `json:"resource,omitempty"`
	Subject   string         `json:"subject"`
	Extra     map[string]any `json:"extra,omitempty"`
	ExpiresAt int64          `json:"expires_at"` // Unix seconds
}

// RefreshTokenReuse records the outcome of a refresh token rotation, keyed
// by the rotated (old) token value. Within its short expiry window a replay
// of the old token is answered with the cached pair instead of an error,
// which makes a burst of concurrent refresh calls idempotent.
type RefreshTokenReuse struct {
	OldRefreshToken string              `json:"old_refresh_token"`
	ClientID        string              `json:"client_id"`
	Resource        string              `json:"resource,omitempty"`
	ScopeKey        string              `json:"scope_key"`
	Tokens          oauth.TokenResponse `json:"tokens"`
	ExpiresAt       int64               `json:"expires_at"` // Unix seconds
}

// Expired reports whether the code's expiry has passed at the given time
func (c *Code) Expired(now time.Time) bool {
	return c.ExpiresAt <= now.Unix()
}

// Expired reports whether the token's expiry has passed at the given time
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt <= now.Unix()
}

// Expired reports whether the reuse window has closed at the given time
func (r *RefreshTokenReuse) Expired(now time.Time) bool {
	return r.ExpiresAt <= now.Unix()
}
