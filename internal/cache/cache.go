// Package cache memoizes execution results for a fixed TTL. The memory tier
// is an LRU bounded by entry count; an optional Store (Redis) lets results
// outlive the process and be shared between instances.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/bluele/gcache"

	"github.com/mattjoyce/conductor/internal/log"
)

// DefaultMaxEntries bounds the memory tier when no size is configured.
const DefaultMaxEntries = 10000

// entry is what both tiers hold. StoredAt travels with the value so an entry
// read back from the store expires at the same instant it would have in memory.
type entry struct {
	Value    json.RawMessage `json:"v"`
	StoredAt time.Time       `json:"at"`
}

// Cache is safe for concurrent use.
type Cache struct {
	ttl    time.Duration
	mem    gcache.Cache
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// Option customises a Cache.
type Option func(*Cache)

// WithStore adds a second tier behind the memory LRU.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithClock injects the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New builds a cache whose entries live for ttl.
func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{
		ttl: ttl,
		mem: gcache.New(maxEntries).LRU().Build(),
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = log.WithComponent("cache")
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) live(e entry, now time.Time) bool {
	return now.Sub(e.StoredAt) < c.ttl
}

// Get returns the cached value for key. An entry is a miss once ttl has
// elapsed since it was stored; expired memory entries are dropped on read.
// Store errors are logged and count as a miss.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	now := c.now()

	if v, err := c.mem.GetIFPresent(key); err == nil {
		if e, ok := v.(entry); ok && c.live(e, now) {
			return cloneRaw(e.Value), true
		}
		c.mem.Remove(key)
	}

	if c.store == nil {
		return nil, false
	}
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("cache store read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("cache store entry undecodable", "key", key, "error", err)
		return nil, false
	}
	if !c.live(e, now) {
		return nil, false
	}
	if err := c.mem.Set(key, e); err != nil {
		c.logger.Debug("cache repopulate failed", "key", key, "error", err)
	}
	return cloneRaw(e.Value), true
}

// Put stores value under key, replacing any previous entry. Store write
// failures are logged, never returned.
func (c *Cache) Put(ctx context.Context, key string, value json.RawMessage) {
	e := entry{Value: cloneRaw(value), StoredAt: c.now()}
	if err := c.mem.Set(key, e); err != nil {
		c.logger.Warn("cache put failed", "key", key, "error", err)
	}
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("cache entry encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("cache store write failed", "key", key, "error", err)
	}
}

// Delete drops key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mem.Remove(key)
	if c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("cache store delete failed", "key", key, "error", err)
	}
}

// Sweep removes every expired memory entry and returns how many it dropped.
// The store expires its own keys.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, k := range c.mem.Keys(false) {
		v, err := c.mem.GetIFPresent(k)
		if err != nil {
			continue
		}
		if e, ok := v.(entry); ok && c.live(e, now) {
			continue
		}
		if c.mem.Remove(k) {
			removed++
		}
	}
	return removed
}

// Len returns the number of entries in the memory tier, expired or not.
func (c *Cache) Len() int {
	return c.mem.Len(false)
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
