package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/riatzukiza/mcp-oauth"
	"github.com/riatzukiza/mcp-oauth/internal/testutil"
)

func TestValidatePKCE(t *testing.T) {
	verifier, challengeValue, err := testutil.PKCEPair()
	require.NoError(t, err)

	tests := []struct {
		name      string
		challenge string
		verifier  string
		wantErr   bool
	}{
		{
			name:      "valid S256 pair",
			challenge: "S256=" + challengeValue,
			verifier:  verifier,
			wantErr:   false,
		},
		{
			name:      "RFC 7636 Appendix B vector",
			challenge: "S256=" + rfcChallenge,
			verifier:  rfcVerifier,
			wantErr:   false,
		},
		{
			name:      "wrong verifier",
			challenge: "S256=" + challengeValue,
			verifier:  rfcVerifier,
			wantErr:   true,
		},
		{
			name:      "missing verifier for S256",
			challenge: "S256=" + challengeValue,
			verifier:  "",
			wantErr:   true,
		},
		{
			name:      "verifier too short",
			challenge: "S256=" + challengeValue,
			verifier:  "short",
			wantErr:   true,
		},
		{
			name:      "verifier too long",
			challenge: "S256=" + challengeValue,
			verifier:  strings.Repeat("a", 129),
			wantErr:   true,
		},
		{
			name:      "verifier with invalid characters",
			challenge: "S256=" + challengeValue,
			verifier:  strings.Repeat("a", 42) + "!",
			wantErr:   true,
		},
		{
			name:      "upstream challenge skipped",
			challenge: "opaque-upstream-value",
			verifier:  "",
			wantErr:   false,
		},
		{
			name:      "plain tag skipped",
			challenge: "plain=" + verifier,
			verifier:  "",
			wantErr:   false,
		},
		{
			name:      "empty challenge skipped",
			challenge: "",
			verifier:  "",
			wantErr:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePKCE(tt.challenge, tt.verifier)
			if tt.wantErr {
				var oaErr *oauth.OAuthError
				require.ErrorAs(t, err, &oaErr)
				assert.Equal(t, oauth.ErrorCodeInvalidGrant, oaErr.Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScopeKey(t *testing.T) {
	assert.Equal(t, "a b c", scopeKey([]string{"c", "a", "b"}))
	assert.Equal(t, scopeKey([]string{"read", "write"}), scopeKey([]string{"write", "read"}))
	assert.Equal(t, "", scopeKey(nil))
}

func TestScopesSubset(t *testing.T) {
	granted := []string{"read", "write"}

	assert.True(t, scopesSubset([]string{"read"}, granted))
	assert.True(t, scopesSubset([]string{"read", "write"}, granted))
	assert.True(t, scopesSubset(nil, granted))
	assert.False(t, scopesSubset([]string{"admin"}, granted))
	assert.False(t, scopesSubset([]string{"read", "admin"}, granted))
}
