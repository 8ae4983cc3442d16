package valkey

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riatzukiza/mcp-oauth/storage"
)

// testStore creates a store connected to a local Valkey instance with a
// projection in a temp directory. Tests are skipped if VALKEY_TEST_ADDR is
// not reachable. Each test gets a unique key prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauthtest:%s:", t.Name())

	store, err := New(context.Background(), Config{
		Address:        addr,
		KeyPrefix:      prefix,
		ProjectionPath: filepath.Join(t.TempDir(), "projection.db"),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all keys under the store's prefix
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNewMissingAddress(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNewInvalidAddress(t *testing.T) {
	_, err := New(context.Background(), Config{Address: "invalid:99999"})
	assert.Error(t, err)
}

func TestSingleInstanceBecomesOwner(t *testing.T) {
	s := testStore(t)
	assert.True(t, s.IsProjectionOwner())
	assert.NotEmpty(t, s.InstanceID())
}

func TestCodeRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := &storage.Code{
		Code:          "test-code-1",
		ClientID:      "client-1",
		RedirectURI:   "https://example.com/callback",
		CodeChallenge: "S256=abc",
		Scopes:        []string{"read", "write"},
		Subject:       "user-1",
		ExpiresAt:     time.Now().Add(5 * time.Minute).Unix(),
	}
	require.NoError(t, s.SetCode(ctx, code))

	got, err := s.GetCode(ctx, "test-code-1")
	require.NoError(t, err)
	assert.Equal(t, code.Scopes, got.Scopes)

	// The owner mirrors the write into the projection synchronously.
	mirrored, err := s.projectionHandle().GetCode(ctx, "test-code-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", mirrored.Subject)

	require.NoError(t, s.DeleteCode(ctx, "test-code-1"))
	_, err = s.GetCode(ctx, "test-code-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.projectionHandle().GetCode(ctx, "test-code-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFallbackReadRepairsFastStore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := &storage.Token{
		Token:     "access-1",
		ClientID:  "client-1",
		Subject:   "user-1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}
	require.NoError(t, s.SetAccessToken(ctx, token))

	// Simulate fast-store data loss without touching the projection.
	require.NoError(t, s.client.Do(ctx,
		s.client.B().Del().Key(s.accessTokenKey("access-1")).Build()).Error())

	got, err := s.GetAccessToken(ctx, "access-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.Subject)

	// The read repaired the fast store; the key exists again with a TTL.
	ttl, err := s.client.Do(ctx,
		s.client.B().Ttl().Key(s.accessTokenKey("access-1")).Build()).AsInt64()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}

func TestClientFallbackRepairsWithoutTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetClient(ctx, &storage.Client{ClientID: "client-1", ClientName: "Test"}))
	require.NoError(t, s.client.Do(ctx,
		s.client.B().Del().Key(s.clientKey("client-1")).Build()).Error())

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "Test", got.ClientName)

	ttl, err := s.client.Do(ctx,
		s.client.B().Ttl().Key(s.clientKey("client-1")).Build()).AsInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ttl, "repaired client key must not carry a TTL")
}

func TestConsumeRefreshToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := &storage.Token{
		Token:     "refresh-1",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
	}
	require.NoError(t, s.SetRefreshToken(ctx, token))

	got, err := s.ConsumeRefreshToken(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)

	_, err = s.ConsumeRefreshToken(ctx, "refresh-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The consume propagated a delete to the projection.
	_, err = s.projectionHandle().GetRefreshToken(ctx, "refresh-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeRefreshTokenConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetRefreshToken(ctx, &storage.Token{
		Token:     "contested",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))

	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := s.ConsumeRefreshToken(ctx, "contested")
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

func TestConsumeFallsBackToProjection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetRefreshToken(ctx, &storage.Token{
		Token:     "refresh-1",
		ClientID:  "client-1",
		Subject:   "user-1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))
	require.NoError(t, s.client.Do(ctx,
		s.client.B().Del().Key(s.refreshTokenKey("refresh-1")).Build()).Error())

	got, err := s.ConsumeRefreshToken(ctx, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.Subject)

	_, err = s.ConsumeRefreshToken(ctx, "refresh-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReuseMarkerRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetRefreshTokenReuse(ctx, &storage.RefreshTokenReuse{
		OldRefreshToken: "old-rt",
		ClientID:        "client-1",
		ScopeKey:        "read write",
		ExpiresAt:       time.Now().Add(time.Minute).Unix(),
	}))

	got, err := s.GetRefreshTokenReuse(ctx, "old-rt")
	require.NoError(t, err)
	assert.Equal(t, "read write", got.ScopeKey)

	_, err = s.GetRefreshTokenReuse(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCleanupSweepsProjection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.True(t, s.IsProjectionOwner())

	// Plant an already-expired record directly in the projection; the fast
	// store would have expired it natively.
	require.NoError(t, s.projectionHandle().SetAccessToken(ctx, &storage.Token{
		Token:     "stale",
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}))

	removed, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestLockReleasedOnClose(t *testing.T) {
	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := fmt.Sprintf("oauthtest:%s:", t.Name())
	dir := t.TempDir()

	first, err := New(context.Background(), Config{
		Address:        addr,
		KeyPrefix:      prefix,
		ProjectionPath: filepath.Join(dir, "a.db"),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}
	require.True(t, first.IsProjectionOwner())
	require.NoError(t, first.Close())

	// The CAS release freed the lock, so a successor wins immediately
	// instead of waiting out the TTL.
	second, err := New(context.Background(), Config{
		Address:        addr,
		KeyPrefix:      prefix,
		ProjectionPath: filepath.Join(dir, "b.db"),
	})
	require.NoError(t, err)
	defer func() {
		cleanupTestKeys(t, second)
		second.Close()
	}()
	assert.True(t, second.IsProjectionOwner())
}

func TestSecondInstanceIsNotOwner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.True(t, s.IsProjectionOwner())

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	follower, err := New(ctx, Config{
		Address:        addr,
		KeyPrefix:      s.prefix,
		ProjectionPath: filepath.Join(t.TempDir(), "follower.db"),
	})
	require.NoError(t, err)
	defer follower.Close()

	assert.False(t, follower.IsProjectionOwner())

	// Follower writes still land in the owner's projection via pub/sub.
	require.NoError(t, follower.SetClient(ctx, &storage.Client{ClientID: "replicated", ClientName: "Via PubSub"}))

	require.Eventually(t, func() bool {
		_, err := s.projectionHandle().GetClient(ctx, "replicated")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestFollowerSharedFileDegradesAndRecoversOnFailover(t *testing.T) {
	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := fmt.Sprintf("oauthtest:%s:", t.Name())
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	owner, err := New(ctx, Config{
		Address:        addr,
		KeyPrefix:      prefix,
		ProjectionPath: path,
		LockTTL:        3 * time.Second,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}
	require.True(t, owner.IsProjectionOwner())

	// The owner's exclusive file lock makes the shared file unopenable even
	// read-only; the follower must come up fast-store-only, not fail.
	follower, err := New(ctx, Config{
		Address:        addr,
		KeyPrefix:      prefix,
		ProjectionPath: path,
		LockTTL:        3 * time.Second,
	})
	require.NoError(t, err)
	defer func() {
		cleanupTestKeys(t, follower)
		follower.Close()
	}()

	assert.False(t, follower.IsProjectionOwner())
	assert.Nil(t, follower.projectionHandle())

	// Fast-store operation is unaffected by the missing handle.
	require.NoError(t, follower.SetClient(ctx, &storage.Client{ClientID: "degraded", ClientName: "Fast Only"}))
	got, err := follower.GetClient(ctx, "degraded")
	require.NoError(t, err)
	assert.Equal(t, "Fast Only", got.ClientName)

	// Owner shutdown releases the lock and the file; the follower promotes,
	// reopens the file read-write, and durability returns.
	require.NoError(t, owner.Close())
	require.Eventually(t, func() bool {
		return follower.IsProjectionOwner()
	}, 15*time.Second, 100*time.Millisecond)

	require.NoError(t, follower.SetClient(ctx, &storage.Client{ClientID: "durable-again", ClientName: "Recovered"}))
	require.Eventually(t, func() bool {
		db := follower.projectionHandle()
		if db == nil {
			return false
		}
		_, err := db.GetClient(ctx, "durable-again")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}
