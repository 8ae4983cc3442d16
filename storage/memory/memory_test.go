package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/riatzukiza/mcp-oauth"
	"github.com/riatzukiza/mcp-oauth/storage"
)

func TestCodeLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	code := &storage.Code{
		Code:          "test-code-123",
		ClientID:      "client-1",
		RedirectURI:   "https://example.com/callback",
		CodeChallenge: "S256=abc123",
		Scopes:        []string{"read", "write"},
		Subject:       "user-1",
		ExpiresAt:     time.Now().Add(5 * time.Minute).Unix(),
	}

	require.NoError(t, store.SetCode(ctx, code))

	got, err := store.GetCode(ctx, "test-code-123")
	require.NoError(t, err)
	assert.Equal(t, code.ClientID, got.ClientID)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.Equal(t, code.Scopes, got.Scopes)

	require.NoError(t, store.DeleteCode(ctx, "test-code-123"))

	_, err = store.GetCode(ctx, "test-code-123")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetCodeNotFound(t *testing.T) {
	store := New()

	_, err := store.GetCode(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetCodeInvalid(t *testing.T) {
	store := New()
	ctx := context.Background()

	assert.Error(t, store.SetCode(ctx, nil))
	assert.Error(t, store.SetCode(ctx, &storage.Code{}))
}

func TestAccessTokenLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	token := &storage.Token{
		Token:     "access-token-1",
		ClientID:  "client-1",
		Scopes:    []string{"read"},
		Subject:   "user-1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}

	require.NoError(t, store.SetAccessToken(ctx, token))

	got, err := store.GetAccessToken(ctx, "access-token-1")
	require.NoError(t, err)
	assert.Equal(t, token.Subject, got.Subject)

	require.NoError(t, store.DeleteAccessToken(ctx, "access-token-1"))

	_, err = store.GetAccessToken(ctx, "access-token-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeRefreshToken(t *testing.T) {
	store := New()
	ctx := context.Background()

	token := &storage.Token{
		Token:     "refresh-token-1",
		ClientID:  "client-1",
		Scopes:    []string{"read"},
		Subject:   "user-1",
		ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
	}
	require.NoError(t, store.SetRefreshToken(ctx, token))

	got, err := store.ConsumeRefreshToken(ctx, "refresh-token-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)

	// Second consume must fail; the token is gone.
	_, err = store.ConsumeRefreshToken(ctx, "refresh-token-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetRefreshToken(ctx, "refresh-token-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeRefreshTokenConcurrent(t *testing.T) {
	store := New()
	ctx := context.Background()

	token := &storage.Token{
		Token:     "contested-token",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}
	require.NoError(t, store.SetRefreshToken(ctx, token))

	const workers = 16
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := store.ConsumeRefreshToken(ctx, "contested-token")
			results <- err
		}()
	}

	wins := 0
	for i := 0; i < workers; i++ {
		if err := <-results; err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one consumer should win")
}

func TestRefreshTokenReuse(t *testing.T) {
	store := New()
	ctx := context.Background()

	reuse := &storage.RefreshTokenReuse{
		OldRefreshToken: "old-token-1",
		ClientID:        "client-1",
		ScopeKey:        "read write",
		Tokens: oauth.TokenResponse{
			AccessToken:  "new-access",
			TokenType:    "bearer",
			ExpiresIn:    3600,
			RefreshToken: "new-refresh",
			Scope:        "read write",
		},
		ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}
	require.NoError(t, store.SetRefreshTokenReuse(ctx, reuse))

	got, err := store.GetRefreshTokenReuse(ctx, "old-token-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.Tokens.AccessToken)
	assert.Equal(t, "read write", got.ScopeKey)

	_, err = store.GetRefreshTokenReuse(ctx, "never-rotated")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClientLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	hash, err := storage.HashClientSecret("s3cret")
	require.NoError(t, err)

	client := &storage.Client{
		ClientID:     "client-1",
		SecretHash:   hash,
		ClientName:   "Test Client",
		RedirectURIs: []string{"https://example.com/callback"},
	}
	require.NoError(t, store.SetClient(ctx, client))

	got, err := store.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "Test Client", got.ClientName)
	assert.True(t, got.VerifySecret("s3cret"))
	assert.False(t, got.VerifySecret("wrong"))

	_, err = store.GetClient(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCleanup(t *testing.T) {
	store := New()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).Unix()
	future := time.Now().Add(time.Hour).Unix()

	require.NoError(t, store.SetCode(ctx, &storage.Code{Code: "expired-code", ExpiresAt: past}))
	require.NoError(t, store.SetCode(ctx, &storage.Code{Code: "live-code", ExpiresAt: future}))
	require.NoError(t, store.SetAccessToken(ctx, &storage.Token{Token: "expired-at", ExpiresAt: past}))
	require.NoError(t, store.SetRefreshToken(ctx, &storage.Token{Token: "expired-rt", ExpiresAt: past}))
	require.NoError(t, store.SetRefreshTokenReuse(ctx, &storage.RefreshTokenReuse{OldRefreshToken: "expired-reuse", ExpiresAt: past}))

	removed, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	_, err = store.GetCode(ctx, "live-code")
	assert.NoError(t, err)
	_, err = store.GetCode(ctx, "expired-code")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
