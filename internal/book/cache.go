package book

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polymarket-copy/internal/config"
	"polymarket-copy/pkg/types"
)

// SubChange is emitted on the cache's change channel when subscription
// intent changes. The WebSocket feed consumes these.
type SubChange struct {
	TokenID   string
	Subscribe bool // false = unsubscribe
}

// waiter is one blocked GetFreshOrWait call. It resolves when an update
// arrives that is fresh with respect to its threshold.
type waiter struct {
	freshness time.Duration
	ch        chan types.Book
}

// entry is one cached token book plus its bookkeeping timestamps.
type entry struct {
	book       *tokenBook
	lastAccess time.Time
}

// Cache owns every Book record. A single mutex serializes update, lookup,
// waiter registration, and eviction, so an update and the waiters it
// resolves are applied atomically. Capacity is bounded by LRU eviction;
// entries idle past the TTL are swept periodically.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	waiters map[string][]*waiter

	maxBooks      int
	ttl           time.Duration
	sweepInterval time.Duration

	changes chan SubChange
	logger  *slog.Logger
}

// NewCache creates a book cache with the configured bounds.
func NewCache(cfg config.BookConfig, logger *slog.Logger) *Cache {
	return &Cache{
		entries:       make(map[string]*entry),
		waiters:       make(map[string][]*waiter),
		maxBooks:      cfg.MaxActiveBooks,
		ttl:           cfg.BookTTL,
		sweepInterval: cfg.SweepInterval,
		changes:       make(chan SubChange, 256),
		logger:        logger.With("component", "book_cache"),
	}
}

// Changes returns the subscription-intent channel consumed by the WS feed.
func (c *Cache) Changes() <-chan SubChange { return c.changes }

// Run sweeps idle entries until ctx is cancelled, then unsubscribes all.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.unsubscribeAll()
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// EnsureSubscribed declares interest in a token. First touch inserts a
// placeholder book (UpdatedAt zero) and emits a subscribe change.
func (c *Cache) EnsureSubscribed(tokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLocked(tokenID)
}

func (c *Cache) ensureLocked(tokenID string) *entry {
	if e, ok := c.entries[tokenID]; ok {
		e.lastAccess = time.Now()
		return e
	}
	c.evictIfFullLocked()
	e := &entry{book: newTokenBook(tokenID), lastAccess: time.Now()}
	c.entries[tokenID] = e
	c.emit(SubChange{TokenID: tokenID, Subscribe: true})
	return e
}

// Update applies a delta (or full replacement) for a token and resolves any
// waiters whose freshness threshold the new snapshot meets.
func (c *Cache) Update(tokenID string, bids, asks []types.PriceLevel, source types.BookSource, replace bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.ensureLocked(tokenID)
	if replace {
		e.book.replace(bids, asks, source, now)
	} else {
		e.book.applyDelta(bids, asks, source, now)
	}

	pending := c.waiters[tokenID]
	if len(pending) == 0 {
		return
	}
	snap := e.book.snapshot()
	remaining := pending[:0]
	for _, w := range pending {
		// A just-applied update satisfies any positive freshness threshold.
		if w.freshness > 0 {
			w.ch <- snap
		} else {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(c.waiters, tokenID)
	} else {
		c.waiters[tokenID] = remaining
	}
}

// Get returns the cached snapshot without waiting. ok is false for unknown
// tokens; stale reports whether the snapshot misses the freshness window.
func (c *Cache) Get(tokenID string, freshness time.Duration) (types.Book, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tokenID]
	if !ok {
		return types.Book{}, false, true
	}
	e.lastAccess = time.Now()
	snap := e.book.snapshot()
	stale := snap.UpdatedAt.IsZero() || time.Since(snap.UpdatedAt) >= freshness
	return snap, true, stale
}

// GetFreshOrWait returns a fresh snapshot immediately when available, else
// subscribes, registers a waiter, and blocks up to wait for a fresh update.
// On deadline it returns whatever is cached; ok is false when nothing has
// ever been cached for the token.
func (c *Cache) GetFreshOrWait(ctx context.Context, tokenID string, freshness, wait time.Duration) (types.Book, bool, bool) {
	c.mu.Lock()
	e := c.ensureLocked(tokenID)
	snap := e.book.snapshot()
	if !snap.UpdatedAt.IsZero() && time.Since(snap.UpdatedAt) < freshness {
		c.mu.Unlock()
		return snap, true, false
	}
	w := &waiter{freshness: freshness, ch: make(chan types.Book, 1)}
	c.waiters[tokenID] = append(c.waiters[tokenID], w)
	c.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case b := <-w.ch:
		return b, true, false
	case <-timer.C:
	case <-ctx.Done():
	}

	c.dropWaiter(tokenID, w)
	// Deadline: resolve with whatever is cached, which may be a placeholder.
	b, ok, stale := c.Get(tokenID, freshness)
	if ok && b.UpdatedAt.IsZero() {
		return b, false, true
	}
	return b, ok, stale
}

func (c *Cache) dropWaiter(tokenID string, target *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.waiters[tokenID]
	for i, w := range pending {
		if w == target {
			c.waiters[tokenID] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(c.waiters[tokenID]) == 0 {
		delete(c.waiters, tokenID)
	}
}

// evictIfFullLocked drops the least-recently-accessed entry when at capacity.
func (c *Cache) evictIfFullLocked() {
	if len(c.entries) < c.maxBooks {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, e := range c.entries {
		if oldestID == "" || e.lastAccess.Before(oldest) {
			oldestID = id
			oldest = e.lastAccess
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
		c.emit(SubChange{TokenID: oldestID, Subscribe: false})
		c.logger.Debug("evicted book", "token", oldestID)
	}
}

// sweep drops entries idle past the TTL.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.ttl)
	for id, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			delete(c.entries, id)
			c.emit(SubChange{TokenID: id, Subscribe: false})
		}
	}
}

func (c *Cache) unsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		c.emit(SubChange{TokenID: id, Subscribe: false})
	}
}

// emit never blocks the cache lock: the change channel is buffered and the
// feed drains it continuously; drops are logged and corrected by the next
// reconnect's full resubscribe.
func (c *Cache) emit(ch SubChange) {
	select {
	case c.changes <- ch:
	default:
		c.logger.Warn("subscription change dropped", "token", ch.TokenID, "subscribe", ch.Subscribe)
	}
}
