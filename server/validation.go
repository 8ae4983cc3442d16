package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"sort"
	"strings"

	oauth "github.com/riatzukiza/mcp-oauth"
)

const (
	// s256ChallengeTag marks a challenge this authority validates itself
	s256ChallengeTag = "S256="

	// RFC 7636 code_verifier length bounds
	minCodeVerifierLength = 43
	maxCodeVerifierLength = 128
)

// validatePKCE verifies a code verifier against a stored challenge per
// RFC 7636. Only challenges carrying the S256 tag are checked: anything
// else was verified by an upstream identity provider before it reached
// this authority and is accepted as-is.
func validatePKCE(challenge, verifier string) error {
	if !strings.HasPrefix(challenge, s256ChallengeTag) {
		return nil
	}
	expected := strings.TrimPrefix(challenge, s256ChallengeTag)

	if verifier == "" {
		return oauth.ErrInvalidGrant("code_verifier required for S256 code challenge")
	}

	// RFC 7636: 43-128 characters from [A-Za-z0-9-._~]
	if len(verifier) < minCodeVerifierLength || len(verifier) > maxCodeVerifierLength {
		return oauth.ErrInvalidGrant("code_verifier must be 43-128 characters (RFC 7636)")
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return oauth.ErrInvalidGrant("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	// Constant-time comparison to prevent timing side channels
	if subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) != 1 {
		return oauth.ErrInvalidGrant("PKCE verification failed")
	}
	return nil
}

// scopeKey produces an order-independent identity for a scope set, used to
// match refresh replays against their reuse marker
func scopeKey(scopes []string) string {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

// scopesSubset reports whether every requested scope is present in granted
func scopesSubset(requested, granted []string) bool {
	held := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		held[scope] = struct{}{}
	}
	for _, scope := range requested {
		if _, ok := held[scope]; !ok {
			return false
		}
	}
	return true
}
