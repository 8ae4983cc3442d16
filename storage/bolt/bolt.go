// Package bolt provides a durable embedded implementation of the Persistence
// contract on top of bbolt. A store opened read-only serves fallback reads
// while another process owns the write handle; writes against it return
// storage.ErrReadOnly.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/riatzukiza/mcp-oauth/storage"
)

// Bucket names, one per record kind.
var (
	bucketCodes         = []byte("codes")
	bucketAccessTokens  = []byte("access_tokens")
	bucketRefreshTokens = []byte("refresh_tokens")
	bucketReuseMarkers  = []byte("refresh_token_reuse")
	bucketClients       = []byte("clients")
)

var allBuckets = [][]byte{
	bucketCodes,
	bucketAccessTokens,
	bucketRefreshTokens,
	bucketReuseMarkers,
	bucketClients,
}

// openTimeout bounds how long Open waits for the bbolt file lock. A second
// process opening the same file read-write would otherwise block forever.
const openTimeout = 5 * time.Second

// Store is a bbolt-backed implementation of storage.Persistence
type Store struct {
	db       *bbolt.DB
	path     string
	readOnly bool
	logger   *slog.Logger
}

var _ storage.Persistence = (*Store)(nil)

// Open opens (creating if needed) a bbolt database at path. When readOnly is
// true the file must already exist and all write methods return
// storage.ErrReadOnly; multiple read-only handles can coexist with one
// writer in another process.
func Open(path string, readOnly bool) (*Store, error) {
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("cannot open %s read-only: %w", path, err)
		}
	}

	opts := &bbolt.Options{
		Timeout:  openTimeout,
		ReadOnly: readOnly,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", path, err)
	}

	s := &Store{
		db:       db,
		path:     path,
		readOnly: readOnly,
		logger:   slog.Default(),
	}

	if !readOnly {
		if err := db.Update(func(tx *bbolt.Tx) error {
			for _, name := range allBuckets {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", name, err)
				}
			}
			return nil
		}); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// SetLogger sets a custom logger for the store
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ReadOnly reports whether the store was opened without a write handle
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// get reads and unmarshals one record. A missing bucket (possible on a
// read-only handle opened before the writer initialized) reads as a miss.
func (s *Store) get(bucket []byte, key string, out any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("%w: %s/%s", storage.ErrNotFound, bucket, key)
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return fmt.Errorf("%w: %s/%s", storage.ErrNotFound, bucket, key)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode %s record: %w", bucket, err)
		}
		return nil
	})
}

func (s *Store) put(bucket []byte, key string, value any) error {
	if s.readOnly {
		return storage.ErrReadOnly
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", bucket, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), raw)
	})
}

func (s *Store) del(bucket []byte, key string) error {
	if s.readOnly {
		return storage.ErrReadOnly
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// GetCode retrieves an authorization code record
func (s *Store) GetCode(_ context.Context, code string) (*storage.Code, error) {
	var rec storage.Code
	if err := s.get(bucketCodes, code, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetCode stores an authorization code record
func (s *Store) SetCode(_ context.Context, code *storage.Code) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code record")
	}
	return s.put(bucketCodes, code.Code, code)
}

// DeleteCode removes an authorization code record
func (s *Store) DeleteCode(_ context.Context, code string) error {
	return s.del(bucketCodes, code)
}

// GetAccessToken retrieves an access token record
func (s *Store) GetAccessToken(_ context.Context, token string) (*storage.Token, error) {
	var rec storage.Token
	if err := s.get(bucketAccessTokens, token, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetAccessToken stores an access token record
func (s *Store) SetAccessToken(_ context.Context, token *storage.Token) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token record")
	}
	return s.put(bucketAccessTokens, token.Token, token)
}

// DeleteAccessToken removes an access token record
func (s *Store) DeleteAccessToken(_ context.Context, token string) error {
	return s.del(bucketAccessTokens, token)
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(_ context.Context, token string) (*storage.Token, error) {
	var rec storage.Token
	if err := s.get(bucketRefreshTokens, token, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetRefreshToken stores a refresh token record
func (s *Store) SetRefreshToken(_ context.Context, token *storage.Token) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token record")
	}
	return s.put(bucketRefreshTokens, token.Token, token)
}

// DeleteRefreshToken removes a refresh token record
func (s *Store) DeleteRefreshToken(_ context.Context, token string) error {
	return s.del(bucketRefreshTokens, token)
}

// ConsumeRefreshToken retrieves and deletes a refresh token in one write
// transaction, so concurrent consumers of the same token see exactly one
// success.
func (s *Store) ConsumeRefreshToken(_ context.Context, token string) (*storage.Token, error) {
	if s.readOnly {
		return nil, storage.ErrReadOnly
	}

	var rec storage.Token
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefreshTokens)
		raw := b.Get([]byte(token))
		if raw == nil {
			return fmt.Errorf("%w: refresh token already consumed", storage.ErrNotFound)
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("failed to decode refresh token record: %w", err)
		}
		return b.Delete([]byte(token))
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRefreshTokenReuse retrieves a reuse marker by the rotated token value
func (s *Store) GetRefreshTokenReuse(_ context.Context, oldToken string) (*storage.RefreshTokenReuse, error) {
	var rec storage.RefreshTokenReuse
	if err := s.get(bucketReuseMarkers, oldToken, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetRefreshTokenReuse stores a reuse marker
func (s *Store) SetRefreshTokenReuse(_ context.Context, reuse *storage.RefreshTokenReuse) error {
	if reuse == nil || reuse.OldRefreshToken == "" {
		return fmt.Errorf("invalid reuse marker record")
	}
	return s.put(bucketReuseMarkers, reuse.OldRefreshToken, reuse)
}

// GetClient retrieves a registered client
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	var rec storage.Client
	if err := s.get(bucketClients, clientID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetClient stores a registered client
func (s *Store) SetClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client record")
	}
	return s.put(bucketClients, client.ClientID, client)
}

// Cleanup deletes expired codes, tokens, and reuse markers in one write
// transaction and returns the count removed
func (s *Store) Cleanup(_ context.Context) (int, error) {
	if s.readOnly {
		return 0, nil
	}

	now := time.Now()
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		sweep := func(bucket []byte, expired func(raw []byte) bool) error {
			b := tx.Bucket(bucket)
			c := b.Cursor()
			var stale [][]byte
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if expired(v) {
					stale = append(stale, append([]byte(nil), k...))
				}
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
				removed++
			}
			return nil
		}

		codeExpired := func(raw []byte) bool {
			var rec storage.Code
			return json.Unmarshal(raw, &rec) == nil && rec.Expired(now)
		}
		tokenExpired := func(raw []byte) bool {
			var rec storage.Token
			return json.Unmarshal(raw, &rec) == nil && rec.Expired(now)
		}
		reuseExpired := func(raw []byte) bool {
			var rec storage.RefreshTokenReuse
			return json.Unmarshal(raw, &rec) == nil && rec.Expired(now)
		}

		if err := sweep(bucketCodes, codeExpired); err != nil {
			return err
		}
		if err := sweep(bucketAccessTokens, tokenExpired); err != nil {
			return err
		}
		if err := sweep(bucketRefreshTokens, tokenExpired); err != nil {
			return err
		}
		return sweep(bucketReuseMarkers, reuseExpired)
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "removed", removed)
	}
	return removed, nil
}

// Close closes the underlying database file
func (s *Store) Close() error {
	return s.db.Close()
}
