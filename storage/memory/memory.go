// Package memory provides an in-memory implementation of the Persistence
// contract. It is suitable for development, testing, and single-instance
// deployments where durability is not required.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/riatzukiza/mcp-oauth/storage"
)

// Store is an in-memory implementation of storage.Persistence.
// All maps are guarded by a single mutex; expiry is enforced by Cleanup
// rather than on read, mirroring a TTL-less backend.
type Store struct {
	mu sync.RWMutex

	codes         map[string]*storage.Code
	accessTokens  map[string]*storage.Token
	refreshTokens map[string]*storage.Token
	reuseMarkers  map[string]*storage.RefreshTokenReuse
	clients       map[string]*storage.Client

	logger *slog.Logger
}

var _ storage.Persistence = (*Store)(nil)

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		codes:         make(map[string]*storage.Code),
		accessTokens:  make(map[string]*storage.Token),
		refreshTokens: make(map[string]*storage.Token),
		reuseMarkers:  make(map[string]*storage.RefreshTokenReuse),
		clients:       make(map[string]*storage.Client),
		logger:        slog.Default(),
	}
}

// SetLogger sets a custom logger for the store
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// GetCode retrieves an authorization code record
func (s *Store) GetCode(_ context.Context, code string) (*storage.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	return rec, nil
}

// SetCode stores an authorization code record
func (s *Store) SetCode(_ context.Context, code *storage.Code) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return nil
}

// DeleteCode removes an authorization code record
func (s *Store) DeleteCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// GetAccessToken retrieves an access token record
func (s *Store) GetAccessToken(_ context.Context, token string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.accessTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
	}
	return rec, nil
}

// SetAccessToken stores an access token record
func (s *Store) SetAccessToken(_ context.Context, token *storage.Token) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[token.Token] = token
	return nil
}

// DeleteAccessToken removes an access token record
func (s *Store) DeleteAccessToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, token)
	return nil
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(_ context.Context, token string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	return rec, nil
}

// SetRefreshToken stores a refresh token record
func (s *Store) SetRefreshToken(_ context.Context, token *storage.Token) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token.Token] = token
	return nil
}

// DeleteRefreshToken removes a refresh token record
func (s *Store) DeleteRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, token)
	return nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
// Holding the write lock across the lookup and delete guarantees that only
// one concurrent consumer can succeed.
func (s *Store) ConsumeRefreshToken(_ context.Context, token string) (*storage.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token already consumed", storage.ErrNotFound)
	}
	delete(s.refreshTokens, token)
	return rec, nil
}

// GetRefreshTokenReuse retrieves a reuse marker by the rotated token value
func (s *Store) GetRefreshTokenReuse(_ context.Context, oldToken string) (*storage.RefreshTokenReuse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.reuseMarkers[oldToken]
	if !ok {
		return nil, fmt.Errorf("%w: reuse marker", storage.ErrNotFound)
	}
	return rec, nil
}

// SetRefreshTokenReuse stores a reuse marker
func (s *Store) SetRefreshTokenReuse(_ context.Context, reuse *storage.RefreshTokenReuse) error {
	if reuse == nil || reuse.OldRefreshToken == "" {
		return fmt.Errorf("invalid reuse marker record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reuseMarkers[reuse.OldRefreshToken] = reuse
	return nil
}

// GetClient retrieves a registered client
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	return rec, nil
}

// SetClient stores a registered client
func (s *Store) SetClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client
	return nil
}

// Cleanup deletes all expired codes, tokens, and reuse markers and returns
// the count removed. Clients have no expiry and are never swept.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.codes {
		if rec.Expired(now) {
			delete(s.codes, key)
			removed++
		}
	}
	for key, rec := range s.accessTokens {
		if rec.Expired(now) {
			delete(s.accessTokens, key)
			removed++
		}
	}
	for key, rec := range s.refreshTokens {
		if rec.Expired(now) {
			delete(s.refreshTokens, key)
			removed++
		}
	}
	for key, rec := range s.reuseMarkers {
		if rec.Expired(now) {
			delete(s.reuseMarkers, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "removed", removed)
	}
	return removed, nil
}

// Close releases nothing; it exists to satisfy the Persistence contract
func (s *Store) Close() error {
	return nil
}
