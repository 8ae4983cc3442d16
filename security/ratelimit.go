package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxEntries bounds the number of identifiers tracked at once
	defaultMaxEntries = 10000

	// limiterIdleTimeout is how long an identifier may sit unused before
	// the background sweep drops it
	limiterIdleTimeout = 30 * time.Minute

	// limiterSweepInterval is how often idle limiters are swept
	limiterSweepInterval = 5 * time.Minute
)

// limiterEntry tracks one identifier's token bucket and last access time
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token-bucket rate limiting with LRU
// eviction so an attacker rotating identifiers cannot grow memory without
// bound.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used
	rate       rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond sustained
// with the given burst, per identifier. A background goroutine sweeps idle
// identifiers; call Stop when done.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		rate:       rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: defaultMaxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}

	go rl.sweepLoop()
	return rl
}

// Allow reports whether a request from the given identifier is within limits
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = time.Now()
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.rate, rl.burst),
		lastAccess: time.Now(),
	}
	rl.entries[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.Allow()
}

// evictOldest drops the least recently used identifier. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.entries, entry.identifier)
	rl.lru.Remove(elem)
	rl.logger.Debug("Rate limiter evicted least recently used identifier",
		"tracked", len(rl.entries))
}

// sweepLoop periodically drops identifiers idle past the timeout
func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(limiterIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// sweep removes identifiers that have been idle longer than maxIdle
func (rl *RateLimiter) sweep(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(rl.entries, entry.identifier)
			rl.lru.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter sweep completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Stop halts the background sweep goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
