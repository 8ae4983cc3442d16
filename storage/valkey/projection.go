package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/riatzukiza/mcp-oauth/storage"
	"github.com/riatzukiza/mcp-oauth/storage/bolt"
)

// Mutation entities, matching the record kinds of the Persistence contract.
const (
	entityCode         = "code"
	entityAccessToken  = "access_token"
	entityRefreshToken = "refresh_token"
	entityReuseMarker  = "refresh_token_reuse"
	entityClient       = "client"
)

// Mutation operations.
const (
	opSet    = "set"
	opDelete = "delete"
)

// mutation is the wire format published on the replication channel after
// every fast-store write. Subscribers skip their own source_id; only the
// current projection owner applies what remains.
type mutation struct {
	Entity    string          `json:"entity"`
	Operation string          `json:"operation"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	SourceID  string          `json:"sourceId"`
}

// projection maintains the durable bbolt mirror of the fast store. Exactly
// one instance (the lock holder) has a read-write handle and applies
// mutations; everyone else holds a read-only handle used for fallback reads.
type projection struct {
	store   *Store
	path    string
	lockTTL time.Duration

	mu    sync.RWMutex
	db    *bolt.Store
	owner bool

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// startProjection opens the durable projection, contends for ownership, and
// starts the renewal and replication loops.
func (s *Store) startProjection(ctx context.Context, path string, lockTTL time.Duration) (*projection, error) {
	p := &projection{
		store:   s,
		path:    path,
		lockTTL: lockTTL,
	}

	acquired, err := p.tryAcquireLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to contend for projection lock: %w", err)
	}

	var db *bolt.Store
	if acquired {
		db, err = p.openHandle(false)
		if err != nil {
			p.releaseLock(ctx)
			return nil, err
		}
	} else {
		db = p.openFollowerHandle()
	}
	p.db = db
	p.owner = acquired

	if acquired {
		s.logger.Info("Acquired projection ownership", "path", path)
		s.metrics.OwnershipChanged(ctx, "acquired")
		if err := p.resync(ctx); err != nil {
			s.logger.Error("Initial projection resync failed", "error", err)
		}
	} else if db != nil {
		s.logger.Info("Projection owned elsewhere, serving read-only fallback", "path", path)
	}

	// Loops outlive the constructor's context.
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.done.Add(2)
	go p.renewLoop(loopCtx)
	go p.subscribeLoop(loopCtx)

	return p, nil
}

// openFollowerHandle opens the read-only handle for a non-owner. The owner's
// exclusive file lock can make the file unopenable even read-only, so a
// failure here degrades to fast-store-only operation (nil handle, no fallback
// reads) rather than refusing to start; promotion reopens the file
// read-write and restores durability.
func (p *projection) openFollowerHandle() *bolt.Store {
	db, err := p.openHandle(true)
	if err != nil {
		p.store.logger.Warn("Durable projection unavailable, running fast-store-only",
			"path", p.path,
			"error", err)
		return nil
	}
	return db
}

// openHandle opens the bbolt file. A read-only handle requires the file to
// exist, so a brand-new non-owner creates it with a short-lived read-write
// open first.
func (p *projection) openHandle(readOnly bool) (*bolt.Store, error) {
	if readOnly {
		db, err := bolt.Open(p.path, true)
		if err == nil {
			return db, nil
		}
		init, initErr := bolt.Open(p.path, false)
		if initErr != nil {
			return nil, fmt.Errorf("failed to open projection read-only: %w", err)
		}
		init.Close()
		return bolt.Open(p.path, true)
	}
	return bolt.Open(p.path, false)
}

// isOwner reports whether this instance currently owns the projection
func (p *projection) isOwner() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.owner
}

// handle returns the current bbolt handle, which may be read-only
func (p *projection) handle() *bolt.Store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db
}

// stop halts the loops, releases the lock if held, and closes the handle
func (p *projection) stop() {
	p.cancel()
	p.done.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner {
		p.releaseLock(ctx)
		p.owner = false
	}
	if p.db != nil {
		p.db.Close()
		p.db = nil
	}
}

// ============================================================
// Lock lifecycle
// ============================================================

// tryAcquireLock attempts SET NX EX on the owner lock
func (p *projection) tryAcquireLock(ctx context.Context) (bool, error) {
	s := p.store
	err := s.client.Do(ctx,
		s.client.B().Set().Key(s.lockKey()).Value(s.instanceID).Nx().Ex(p.lockTTL).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return false, nil // held by someone else
		}
		return false, err
	}
	return true, nil
}

// releaseLock deletes the lock only if this instance still holds it
func (p *projection) releaseLock(ctx context.Context) {
	s := p.store
	released, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaReleaseLock).Numkeys(1).Key(s.lockKey()).Arg(s.instanceID).Build(),
	).AsInt64()
	if err != nil {
		s.logger.Warn("Failed to release projection lock", "error", err)
		return
	}
	if released == 1 {
		s.logger.Info("Released projection lock")
	}
}

// renewLoop renews the lock while owned and contends for it while not.
// The period is a third of the lock TTL so two renewals can fail before
// the lock expires.
func (p *projection) renewLoop(ctx context.Context) {
	defer p.done.Done()

	interval := p.lockTTL / 3
	if interval < minRenewInterval {
		interval = minRenewInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.isOwner() {
				p.renewLock(ctx)
			} else {
				p.contendLock(ctx)
			}
		}
	}
}

// renewLock verifies this instance still holds the lock and extends it.
// Finding someone else's ID means the lock expired and was taken; demote.
func (p *projection) renewLock(ctx context.Context) {
	s := p.store

	holder, err := s.client.Do(ctx, s.client.B().Get().Key(s.lockKey()).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			// Lock expired under us; retake it rather than demote.
			acquired, acqErr := p.tryAcquireLock(ctx)
			if acqErr != nil || !acquired {
				p.demote(ctx, "lock expired and could not be retaken")
			}
			return
		}
		s.logger.Warn("Failed to verify projection lock", "error", err)
		return
	}

	if holder != s.instanceID {
		p.demote(ctx, "lock held by another instance")
		return
	}

	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(s.lockKey()).Seconds(int64(p.lockTTL.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to renew projection lock", "error", err)
	}
}

// contendLock tries to take over an expired lock and promotes on success
func (p *projection) contendLock(ctx context.Context) {
	acquired, err := p.tryAcquireLock(ctx)
	if err != nil {
		p.store.logger.Warn("Failed to contend for projection lock", "error", err)
		return
	}
	if acquired {
		p.promote(ctx)
	}
}

// promote swaps the read-only handle for a read-write one, resyncs the
// projection from the fast store, and flips the owner flag. The flag flips
// only after the swap so no apply runs against the old handle.
func (p *projection) promote(ctx context.Context) {
	s := p.store

	p.mu.Lock()
	if p.db != nil {
		p.db.Close()
	}
	db, err := bolt.Open(p.path, false)
	if err != nil {
		p.db = nil
		p.mu.Unlock()
		s.logger.Error("Failed to open projection read-write after acquiring lock", "error", err)
		p.releaseLock(ctx)
		return
	}
	p.db = db
	p.owner = true
	p.mu.Unlock()

	s.logger.Info("Acquired projection ownership", "path", p.path)
	s.metrics.OwnershipChanged(ctx, "acquired")

	if err := p.resync(ctx); err != nil {
		s.logger.Error("Projection resync after promotion failed", "error", err)
	}
}

// demote swaps the read-write handle for a read-only one. The instance keeps
// serving fallback reads from its local copy.
func (p *projection) demote(ctx context.Context, reason string) {
	s := p.store

	p.mu.Lock()
	if !p.owner {
		p.mu.Unlock()
		return
	}
	if p.db != nil {
		p.db.Close()
	}
	db, err := bolt.Open(p.path, true)
	if err != nil {
		s.logger.Error("Failed to reopen projection read-only after demotion", "error", err)
		db = nil
	}
	p.db = db
	p.owner = false
	p.mu.Unlock()

	s.logger.Warn("Demoted from projection ownership", "reason", reason)
	s.metrics.OwnershipChanged(ctx, "demoted")
}

// ============================================================
// Replication
// ============================================================

// subscribeLoop consumes the mutation channel until shutdown. Receive blocks
// for the lifetime of the subscription; a broken connection ends the loop
// with an error, which valkey-go surfaces after its own retries.
func (p *projection) subscribeLoop(ctx context.Context) {
	defer p.done.Done()

	s := p.store
	err := s.client.Receive(ctx,
		s.client.B().Subscribe().Channel(s.mutationChannel()).Build(),
		func(msg valkeygo.PubSubMessage) {
			p.handleMessage(ctx, msg.Message)
		},
	)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("Projection subscription ended", "error", err)
	}
}

// handleMessage applies one published mutation, skipping our own
func (p *projection) handleMessage(ctx context.Context, payload string) {
	var m mutation
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		p.store.logger.Warn("Dropping malformed mutation message", "error", err)
		return
	}
	if m.SourceID == p.store.instanceID {
		return
	}
	p.apply(ctx, &m)
}

// publish emits a mutation to the replication channel and, when this
// instance is the owner, applies it locally. Replication failures are
// logged, not returned: the fast store remains authoritative.
func (p *projection) publish(ctx context.Context, m *mutation) {
	s := p.store
	m.SourceID = s.instanceID

	if p.isOwner() {
		p.apply(ctx, m)
	}

	payload, err := json.Marshal(m)
	if err != nil {
		s.logger.Warn("Failed to encode mutation", "entity", m.Entity, "error", err)
		return
	}
	if err := s.client.Do(ctx,
		s.client.B().Publish().Channel(s.mutationChannel()).Message(string(payload)).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to publish mutation",
			"entity", m.Entity,
			"operation", m.Operation,
			"error", err)
	}
}

// apply writes one mutation into the durable projection. Non-owners ignore
// mutations; deleting a reuse marker is a no-op because markers only ever
// age out.
func (p *projection) apply(ctx context.Context, m *mutation) {
	p.mu.RLock()
	db := p.db
	owner := p.owner
	p.mu.RUnlock()

	if !owner || db == nil || db.ReadOnly() {
		return
	}

	var err error
	switch m.Entity {
	case entityCode:
		if m.Operation == opSet {
			var rec storage.Code
			if err = json.Unmarshal(m.Value, &rec); err == nil {
				err = db.SetCode(ctx, &rec)
			}
		} else {
			err = db.DeleteCode(ctx, m.Key)
		}
	case entityAccessToken:
		if m.Operation == opSet {
			var rec storage.Token
			if err = json.Unmarshal(m.Value, &rec); err == nil {
				err = db.SetAccessToken(ctx, &rec)
			}
		} else {
			err = db.DeleteAccessToken(ctx, m.Key)
		}
	case entityRefreshToken:
		if m.Operation == opSet {
			var rec storage.Token
			if err = json.Unmarshal(m.Value, &rec); err == nil {
				err = db.SetRefreshToken(ctx, &rec)
			}
		} else {
			err = db.DeleteRefreshToken(ctx, m.Key)
		}
	case entityReuseMarker:
		if m.Operation == opSet {
			var rec storage.RefreshTokenReuse
			if err = json.Unmarshal(m.Value, &rec); err == nil {
				err = db.SetRefreshTokenReuse(ctx, &rec)
			}
		}
		// Reuse markers are never explicitly deleted; Cleanup sweeps them.
	case entityClient:
		if m.Operation == opSet {
			var rec storage.Client
			if err = json.Unmarshal(m.Value, &rec); err == nil {
				err = db.SetClient(ctx, &rec)
			}
		}
		// Client deletion is not part of the contract.
	default:
		p.store.logger.Warn("Unknown mutation entity", "entity", m.Entity)
		return
	}

	if err != nil {
		p.store.logger.Warn("Failed to apply mutation to projection",
			"entity", m.Entity,
			"operation", m.Operation,
			"key", safeTruncate(m.Key, 8),
			"error", err)
		return
	}
	p.store.metrics.ProjectionApplied(ctx, m.Entity, m.Operation)
}

// ============================================================
// Resync
// ============================================================

// resync rebuilds the projection from the fast store's full contents. Run
// on every ownership acquisition: mutations published while nobody owned
// the lock were applied by no one, so the projection may be stale.
func (p *projection) resync(ctx context.Context) error {
	s := p.store
	start := time.Now()
	total := 0

	kinds := []struct {
		pattern string
		entity  string
	}{
		{s.codeKey("*"), entityCode},
		{s.accessTokenKey("*"), entityAccessToken},
		{s.refreshTokenKey("*"), entityRefreshToken},
		{s.reuseKey("*"), entityReuseMarker},
		{s.clientKey("*"), entityClient},
	}

	for _, kind := range kinds {
		n, err := p.resyncKind(ctx, kind.pattern, kind.entity)
		if err != nil {
			return fmt.Errorf("failed to resync %s records: %w", kind.entity, err)
		}
		total += n
	}

	s.logger.Info("Projection resync complete",
		"records", total,
		"duration", time.Since(start))
	return nil
}

// resyncKind scans one key family and applies every record as a set mutation.
// The mutation key is the record's primary key, with the key-family prefix
// stripped from the scanned Valkey key.
func (p *projection) resyncKind(ctx context.Context, pattern, entity string) (int, error) {
	s := p.store
	count := 0
	keyPrefix := strings.TrimSuffix(pattern, "*")

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return count, fmt.Errorf("scan failed: %w", err)
		}

		if len(result.Elements) > 0 {
			values, err := s.client.Do(ctx,
				s.client.B().Mget().Key(result.Elements...).Build(),
			).ToArray()
			if err != nil {
				return count, fmt.Errorf("mget failed: %w", err)
			}

			for i, msg := range values {
				data, err := msg.ToString()
				if err != nil {
					continue // key expired between SCAN and MGET
				}
				p.apply(ctx, &mutation{
					Entity:    entity,
					Operation: opSet,
					Key:       strings.TrimPrefix(result.Elements[i], keyPrefix),
					Value:     json.RawMessage(data),
					SourceID:  s.instanceID,
				})
				count++
			}
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	return count, nil
}
