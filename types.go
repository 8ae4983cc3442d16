package oauth

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the space-separated scope of the access token
	Scope string `json:"scope"`
}

// AuthInfo describes a verified access token. It is what a resource layer
// gets back from token verification and is the only view it has of a token.
type AuthInfo struct {
	// Token is the verified access token value
	Token string `json:"token"`

	// ClientID is the client the token was issued to
	ClientID string `json:"client_id"`

	// Scopes are the scopes granted to the token
	Scopes []string `json:"scopes"`

	// ExpiresAt is the absolute expiry in Unix seconds
	ExpiresAt int64 `json:"expires_at"`

	// Resource is the optional resource indicator the token is bound to
	Resource string `json:"resource,omitempty"`

	// Extra carries opaque claims captured at consent time
	Extra map[string]any `json:"extra,omitempty"`
}

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}
