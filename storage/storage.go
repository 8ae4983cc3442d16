package storage

import (
	"context"
	"errors"
)

// Sentinel errors returned by Persistence implementations.
// Callers check them with errors.Is; backends wrap them with detail.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrExpired indicates the record exists but its expiry has passed
	ErrExpired = errors.New("record expired")

	// ErrReadOnly indicates a write was attempted on a read-only backend
	ErrReadOnly = errors.New("storage is read-only")
)

// Persistence is the storage contract consumed by the token authority.
// All methods accept context.Context for tracing and cancellation.
//
// Get methods return ErrNotFound (wrapped) on a miss. Set methods take the
// full record; the key is the record's own primary field. Every code, token,
// and reuse record carries an absolute Unix-seconds expiry that backends use
// as the TTL where the store is TTL-native, and that Cleanup sweeps where it
// is not.
type Persistence interface {
	// GetCode retrieves an authorization code record
	GetCode(ctx context.Context, code string) (*Code, error)

	// SetCode stores an authorization code record
	SetCode(ctx context.Context, code *Code) error

	// DeleteCode removes an authorization code record
	DeleteCode(ctx context.Context, code string) error

	// GetAccessToken retrieves an access token record
	GetAccessToken(ctx context.Context, token string) (*Token, error)

	// SetAccessToken stores an access token record
	SetAccessToken(ctx context.Context, token *Token) error

	// DeleteAccessToken removes an access token record
	DeleteAccessToken(ctx context.Context, token string) error

	// GetRefreshToken retrieves a refresh token record
	GetRefreshToken(ctx context.Context, token string) (*Token, error)

	// SetRefreshToken stores a refresh token record
	SetRefreshToken(ctx context.Context, token *Token) error

	// DeleteRefreshToken removes a refresh token record
	DeleteRefreshToken(ctx context.Context, token string) error

	// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
	// Two concurrent consumers of the same token can never both succeed;
	// the loser gets ErrNotFound. This is the synchronization point for
	// refresh token rotation.
	ConsumeRefreshToken(ctx context.Context, token string) (*Token, error)

	// GetRefreshTokenReuse retrieves the reuse marker written when the given
	// (now rotated) refresh token was last consumed
	GetRefreshTokenReuse(ctx context.Context, oldToken string) (*RefreshTokenReuse, error)

	// SetRefreshTokenReuse stores a reuse marker keyed by the rotated token
	SetRefreshTokenReuse(ctx context.Context, reuse *RefreshTokenReuse) error

	// GetClient retrieves a registered client
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// SetClient stores a registered client. Clients have no expiry.
	SetClient(ctx context.Context, client *Client) error

	// Cleanup deletes expired records of every kind and returns the count
	// removed. Backends whose store is TTL-native may return 0.
	Cleanup(ctx context.Context) (int, error)

	// Close releases the backend's resources
	Close() error
}
