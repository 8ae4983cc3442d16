// Package valkey provides the Valkey-backed authoritative implementation of
// the Persistence contract. Every mutation is mirrored into a durable bbolt
// projection maintained by a single elected owner process; reads that miss
// the fast store fall back to the projection and repair the fast store.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/riatzukiza/mcp-oauth/instrumentation"
	"github.com/riatzukiza/mcp-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// DefaultLockTTL is the default projection-owner lock lifetime
	DefaultLockTTL = 15 * time.Second

	// minRenewInterval is the floor for the lock renewal period
	minRenewInterval = time.Second

	// minRepairTTL is the floor for the TTL applied when an expiring record
	// is repaired into the fast store from the projection
	minRepairTTL = time.Second

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	// during a full projection resync
	scanBatchSize = 200

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// ProjectionPath is the bbolt file backing the durable projection.
	// Empty disables the projection entirely: no election, no pub/sub,
	// no fallback reads.
	ProjectionPath string

	// LockTTL is the projection-owner lock lifetime (default 15s).
	// The lock is renewed at a third of this interval.
	LockTTL time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Metrics is the optional instrumentation (default: no-op)
	Metrics *instrumentation.Metrics
}

// Store is a Valkey-backed implementation of storage.Persistence with an
// optional durable projection.
type Store struct {
	client     valkeygo.Client
	prefix     string
	instanceID string
	logger     *slog.Logger
	metrics    *instrumentation.Metrics

	projection *projection
}

var _ storage.Persistence = (*Store)(nil)

// New creates a Valkey-backed store and, when cfg.ProjectionPath is set,
// starts projection ownership election and mutation replication.
// Returns an error if the Valkey connection cannot be established.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = instrumentation.Nop()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := &Store{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.NewString(),
		logger:     logger,
		metrics:    metrics,
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix,
		"instance_id", s.instanceID)

	if cfg.ProjectionPath != "" {
		lockTTL := cfg.LockTTL
		if lockTTL <= 0 {
			lockTTL = DefaultLockTTL
		}
		proj, err := s.startProjection(ctx, cfg.ProjectionPath, lockTTL)
		if err != nil {
			client.Close()
			return nil, err
		}
		s.projection = proj
	}

	return s, nil
}

// InstanceID returns the identity this store uses for the owner lock and
// as the source of published mutations
func (s *Store) InstanceID() string {
	return s.instanceID
}

// IsProjectionOwner reports whether this instance currently holds the
// projection owner lock. Always false when no projection is configured.
func (s *Store) IsProjectionOwner() bool {
	if s.projection == nil {
		return false
	}
	return s.projection.isOwner()
}

// Close stops projection replication, releases the owner lock if held, and
// closes the Valkey connection
func (s *Store) Close() error {
	if s.projection != nil {
		s.projection.stop()
	}
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// accessTokenKey returns the key for an access token: {prefix}access:{token}
func (s *Store) accessTokenKey(token string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, token)
}

// refreshTokenKey returns the key for a refresh token: {prefix}refresh:{token}
func (s *Store) refreshTokenKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// reuseKey returns the key for a rotation reuse marker: {prefix}reuse:{token}
func (s *Store) reuseKey(oldToken string) string {
	return fmt.Sprintf("%sreuse:%s", s.prefix, oldToken)
}

// clientKey returns the key for a registered client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// lockKey returns the projection owner lock key: {prefix}projection:lock
func (s *Store) lockKey() string {
	return s.prefix + "projection:lock"
}

// mutationChannel returns the pub/sub channel for replication:
// {prefix}projection:mutations
func (s *Store) mutationChannel() string {
	return s.prefix + "projection:mutations"
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaConsumeRefreshToken atomically retrieves and deletes a refresh token.
// This is the synchronization point for refresh token rotation: of any number
// of concurrent consumers of the same token, exactly one receives the record.
//
// KEYS[1] = refresh token key (e.g., "oauth:refresh:xyz789")
//
// Returns:
//   - The stored JSON record if the token existed (now deleted)
//   - "NOT_FOUND" if the key doesn't exist (already consumed or expired)
const luaConsumeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return data
`

// luaReleaseLock deletes the projection owner lock only if it is still held
// by the releasing instance. A plain GET-then-DEL would race with another
// instance acquiring the lock between the two commands.
//
// KEYS[1] = lock key
// ARGV[1] = this instance's ID
//
// Returns 1 if the lock was released, 0 if it was held by someone else
// (or had already expired).
const luaReleaseLock = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// ============================================================
// Helpers
// ============================================================

// isNilError reports whether err is a Valkey nil reply (key not found)
func isNilError(err error) bool {
	return err != nil && valkeygo.IsValkeyNil(err)
}

// calculateTTL returns the TTL to apply for a record expiring at the given
// Unix-seconds instant, clamped to at least minRepairTTL so a repair write
// never produces a non-positive expiry.
func calculateTTL(expiresAt int64) time.Duration {
	ttl := time.Until(time.Unix(expiresAt, 0))
	if ttl < minRepairTTL {
		return minRepairTTL
	}
	return ttl
}

// safeTruncate safely truncates a string to n characters for logging
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
