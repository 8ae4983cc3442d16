package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/riatzukiza/mcp-oauth/storage"
	"github.com/riatzukiza/mcp-oauth/storage/bolt"
)

// ============================================================
// Fast-store primitives
// ============================================================

// getJSON fetches and unmarshals one record from the fast store
func (s *Store) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, safeTruncate(key, 24))
		}
		return fmt.Errorf("failed to get record: %w", err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// setJSON writes one record to the fast store and returns the serialized
// form so callers can republish it without re-marshalling. A zero ttl
// stores the key without expiry.
func (s *Store) setJSON(ctx context.Context, key string, value any, ttl time.Duration) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	var cmd valkeygo.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(key).Value(string(data)).Build()
	}
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("failed to set record: %w", err)
	}
	return data, nil
}

func (s *Store) deleteKey(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// mutate replicates a fast-store mutation to the durable projection
func (s *Store) mutate(ctx context.Context, entity, operation, key string, value json.RawMessage) {
	if s.projection == nil {
		return
	}
	s.projection.publish(ctx, &mutation{
		Entity:    entity,
		Operation: operation,
		Key:       key,
		Value:     value,
	})
}

// projectionHandle returns the durable store handle, or nil when no
// projection is configured
func (s *Store) projectionHandle() *bolt.Store {
	if s.projection == nil {
		return nil
	}
	return s.projection.handle()
}

// repair writes a record recovered from the projection back into the fast
// store. expiresAt of zero stores without TTL (clients); otherwise the TTL
// is the record's remaining life, clamped to at least one second.
func (s *Store) repair(ctx context.Context, key string, value any, expiresAt int64) {
	ttl := time.Duration(0)
	if expiresAt > 0 {
		ttl = calculateTTL(expiresAt)
	}
	if _, err := s.setJSON(ctx, key, value, ttl); err != nil {
		s.logger.Warn("Failed to repair fast store from projection",
			"key", safeTruncate(key, 24),
			"error", err)
	}
}

// ============================================================
// Authorization codes
// ============================================================

// GetCode retrieves an authorization code, falling back to the projection
func (s *Store) GetCode(ctx context.Context, code string) (*storage.Code, error) {
	var rec storage.Code
	err := s.getJSON(ctx, s.codeKey(code), &rec)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	db := s.projectionHandle()
	if db == nil {
		return nil, err
	}
	fb, fbErr := db.GetCode(ctx, code)
	if fbErr != nil || fb.Expired(time.Now()) {
		return nil, err
	}
	s.metrics.FallbackRead(ctx, entityCode)
	s.repair(ctx, s.codeKey(code), fb, fb.ExpiresAt)
	return fb, nil
}

// SetCode stores an authorization code with its remaining life as TTL
func (s *Store) SetCode(ctx context.Context, code *storage.Code) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code record")
	}
	data, err := s.setJSON(ctx, s.codeKey(code.Code), code, calculateTTL(code.ExpiresAt))
	if err != nil {
		return err
	}
	s.mutate(ctx, entityCode, opSet, code.Code, data)
	return nil
}

// DeleteCode removes an authorization code
func (s *Store) DeleteCode(ctx context.Context, code string) error {
	if err := s.deleteKey(ctx, s.codeKey(code)); err != nil {
		return err
	}
	s.mutate(ctx, entityCode, opDelete, code, nil)
	return nil
}

// ============================================================
// Access tokens
// ============================================================

// GetAccessToken retrieves an access token, falling back to the projection
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.Token, error) {
	var rec storage.Token
	err := s.getJSON(ctx, s.accessTokenKey(token), &rec)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	db := s.projectionHandle()
	if db == nil {
		return nil, err
	}
	fb, fbErr := db.GetAccessToken(ctx, token)
	if fbErr != nil || fb.Expired(time.Now()) {
		return nil, err
	}
	s.metrics.FallbackRead(ctx, entityAccessToken)
	s.repair(ctx, s.accessTokenKey(token), fb, fb.ExpiresAt)
	return fb, nil
}

// SetAccessToken stores an access token with its remaining life as TTL
func (s *Store) SetAccessToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token record")
	}
	data, err := s.setJSON(ctx, s.accessTokenKey(token.Token), token, calculateTTL(token.ExpiresAt))
	if err != nil {
		return err
	}
	s.mutate(ctx, entityAccessToken, opSet, token.Token, data)
	return nil
}

// DeleteAccessToken removes an access token
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	if err := s.deleteKey(ctx, s.accessTokenKey(token)); err != nil {
		return err
	}
	s.mutate(ctx, entityAccessToken, opDelete, token, nil)
	return nil
}

// ============================================================
// Refresh tokens
// ============================================================

// GetRefreshToken retrieves a refresh token, falling back to the projection
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.Token, error) {
	var rec storage.Token
	err := s.getJSON(ctx, s.refreshTokenKey(token), &rec)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	db := s.projectionHandle()
	if db == nil {
		return nil, err
	}
	fb, fbErr := db.GetRefreshToken(ctx, token)
	if fbErr != nil || fb.Expired(time.Now()) {
		return nil, err
	}
	s.metrics.FallbackRead(ctx, entityRefreshToken)
	s.repair(ctx, s.refreshTokenKey(token), fb, fb.ExpiresAt)
	return fb, nil
}

// SetRefreshToken stores a refresh token with its remaining life as TTL
func (s *Store) SetRefreshToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token record")
	}
	data, err := s.setJSON(ctx, s.refreshTokenKey(token.Token), token, calculateTTL(token.ExpiresAt))
	if err != nil {
		return err
	}
	s.mutate(ctx, entityRefreshToken, opSet, token.Token, data)
	return nil
}

// DeleteRefreshToken removes a refresh token
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	if err := s.deleteKey(ctx, s.refreshTokenKey(token)); err != nil {
		return err
	}
	s.mutate(ctx, entityRefreshToken, opDelete, token, nil)
	return nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token via a
// Lua script, so only one of any concurrent consumers can succeed. A miss is
// retried once after repairing the fast store from the projection; atomicity
// is still decided by the script.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (*storage.Token, error) {
	rec, err := s.consumeFast(ctx, token)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	db := s.projectionHandle()
	if db == nil {
		return nil, err
	}
	fb, fbErr := db.GetRefreshToken(ctx, token)
	if fbErr != nil || fb.Expired(time.Now()) {
		return nil, err
	}
	s.metrics.FallbackRead(ctx, entityRefreshToken)
	s.repair(ctx, s.refreshTokenKey(token), fb, fb.ExpiresAt)

	return s.consumeFast(ctx, token)
}

// consumeFast runs the atomic GET+DEL script against the fast store
func (s *Store) consumeFast(ctx context.Context, token string) (*storage.Token, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeRefreshToken).Numkeys(1).Key(s.refreshTokenKey(token)).Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	if result == "NOT_FOUND" {
		return nil, fmt.Errorf("%w: refresh token already consumed", storage.ErrNotFound)
	}

	var rec storage.Token
	if err := json.Unmarshal([]byte(result), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token record: %w", err)
	}
	s.mutate(ctx, entityRefreshToken, opDelete, token, nil)
	return &rec, nil
}

// ============================================================
// Reuse markers
// ============================================================

// GetRefreshTokenReuse retrieves a rotation reuse marker, falling back to
// the projection
func (s *Store) GetRefreshTokenReuse(ctx context.Context, oldToken string) (*storage.RefreshTokenReuse, error) {
	var rec storage.RefreshTokenReuse
	err := s.getJSON(ctx, s.reuseKey(oldToken), &rec)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	db := s.projectionHandle()
	if db == nil {
		return nil, err
	}
	fb, fbErr := db.GetRefreshTokenReuse(ctx, oldToken)
	if fbErr != nil || fb.Expired(time.Now()) {
		return nil, err
	}
	s.metrics.FallbackRead(ctx, entityReuseMarker)
	s.repair(ctx, s.reuseKey(oldToken), fb, fb.ExpiresAt)
	return fb, nil
}

// SetRefreshTokenReuse stores a reuse marker with the window as TTL
func (s *Store) SetRefreshTokenReuse(ctx context.Context, reuse *storage.RefreshTokenReuse) error {
	if reuse == nil || reuse.OldRefreshToken == "" {
		return fmt.Errorf("invalid reuse marker record")
	}
	data, err := s.setJSON(ctx, s.reuseKey(reuse.OldRefreshToken), reuse, calculateTTL(reuse.ExpiresAt))
	if err != nil {
		return err
	}
	s.mutate(ctx, entityReuseMarker, opSet, reuse.OldRefreshToken, data)
	return nil
}

// ============================================================
// Clients
// ============================================================

// GetClient retrieves a registered client, falling back to the projection
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var rec storage.Client
	err := s.getJSON(ctx, s.clientKey(clientID), &rec)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	db := s.projectionHandle()
	if db == nil {
		return nil, err
	}
	fb, fbErr := db.GetClient(ctx, clientID)
	if fbErr != nil {
		return nil, err
	}
	s.metrics.FallbackRead(ctx, entityClient)
	s.repair(ctx, s.clientKey(clientID), fb, 0) // clients carry no expiry
	return fb, nil
}

// SetClient stores a registered client without TTL
func (s *Store) SetClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client record")
	}
	data, err := s.setJSON(ctx, s.clientKey(client.ClientID), client, 0)
	if err != nil {
		return err
	}
	s.mutate(ctx, entityClient, opSet, client.ClientID, data)
	return nil
}

// ============================================================
// Maintenance
// ============================================================

// Cleanup sweeps expired records out of the durable projection. The fast
// store expires its own keys natively, so only the projection owner has
// work to do; everyone else reports zero.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	if !s.IsProjectionOwner() {
		return 0, nil
	}
	db := s.projectionHandle()
	if db == nil || db.ReadOnly() {
		return 0, nil
	}
	removed, err := db.Cleanup(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clean projection: %w", err)
	}
	s.metrics.CleanupRemoved(ctx, removed)
	return removed, nil
}
