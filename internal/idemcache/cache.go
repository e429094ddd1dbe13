// Package idemcache is the short-lived idempotency-token cache used by
// admission to absorb retried create calls.
//
// The cache is best-effort by design: entries expire after about a minute and
// the cache is not transactional with build creation. A miss followed by a
// genuine duplicate is a rare, tolerable outcome; the cache must never be the
// sole source of truth.
package idemcache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTTL is how long a token maps to its build.
const DefaultTTL = time.Minute

type key struct {
	identity string
	token    string
}

type entry struct {
	buildID   uint64
	expiresAt time.Time
}

// Cache maps (identity, token) to a build id for a bounded time.
type Cache struct {
	mu    sync.Mutex
	m     map[key]entry
	ttl   time.Duration
	clock clock.Clock
}

// New creates a cache with the given TTL; zero means DefaultTTL.
func New(ttl time.Duration) *Cache {
	return NewWithClock(ttl, clock.New())
}

// NewWithClock creates a cache on an injected clock, for tests.
func NewWithClock(ttl time.Duration, c clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		m:     make(map[key]entry),
		ttl:   ttl,
		clock: c,
	}
}

// Get returns the build id recorded for (identity, token), if still live.
func (c *Cache) Get(identity, token string) (uint64, bool) {
	if token == "" {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{identity, token}
	e, ok := c.m[k]
	if !ok {
		return 0, false
	}
	if c.clock.Now().After(e.expiresAt) {
		delete(c.m, k)
		return 0, false
	}
	return e.buildID, true
}

// Put records a token mapping and opportunistically drops expired entries.
func (c *Cache) Put(identity, token string, buildID uint64) {
	if token == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for k, e := range c.m {
		if now.After(e.expiresAt) {
			delete(c.m, k)
		}
	}
	c.m[key{identity, token}] = entry{buildID: buildID, expiresAt: now.Add(c.ttl)}
}
