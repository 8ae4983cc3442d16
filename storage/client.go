package storage

import (
	"golang.org/x/crypto/bcrypt"
)

// Client represents a registered OAuth client. Clients are registered
// out-of-band and are read-only to the token authority.
type Client struct {
	ClientID                string   `json:"client_id"`
	SecretHash              string   `json:"secret_hash"` // bcrypt hash; empty for public clients
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	SecretExpiresAt         int64    `json:"secret_expires_at,omitempty"`
}

// HashClientSecret hashes a client secret for storage
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret checks a presented secret against the stored hash.
// Public clients (no stored hash) verify only an empty secret.
func (c *Client) VerifySecret(secret string) bool {
	if c.SecretHash == "" {
		return secret == ""
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// AllowsRedirectURI reports whether the URI is registered for this client
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}
