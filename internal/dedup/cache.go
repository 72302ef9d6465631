package dedup

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/capnplanet/codespaces-infusion-pump/internal/telemetry"
)

// Cache tracks the last accepted sequence per (session, device) and decides
// whether an incoming envelope is a replay. Records are evicted only by
// capacity pressure, least recently used first; there is no TTL.
//
// A Cache is shared by every concurrent stream and is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  *lru.Cache[telemetry.Key, record]
	capacity int
}

// record keeps the value replaced by the latest accept so an unpublished
// sequence can be rolled back.
type record struct {
	last    uint64
	prev    uint64
	hasPrev bool
}

// New returns a cache holding at most capacity keys.
func New(capacity int) (*Cache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("dedup capacity must be >= 1, got %d", capacity)
	}
	entries, err := lru.New[telemetry.Key, record](capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Cache{entries: entries, capacity: capacity}, nil
}

// CheckAndRecord reports whether seq should be accepted for key. A first
// sighting is recorded and accepted. A known key accepts only a strictly
// greater sequence; anything else is a replay and leaves the record as is.
// Either way the key becomes the most recently used.
func (c *Cache) CheckAndRecord(key telemetry.Key, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.entries.Get(key)
	if ok && seq <= cur.last {
		return false
	}
	next := record{last: seq}
	if ok {
		next.prev, next.hasPrev = cur.last, true
	}
	c.entries.Add(key, next)
	return true
}

// Rollback undoes the accept of seq for key after a failed publish. It is a
// no-op unless seq is still the recorded value, so a newer accept made in
// the meantime is kept.
func (c *Cache) Rollback(key telemetry.Key, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.entries.Peek(key)
	if !ok || cur.last != seq {
		return
	}
	if !cur.hasPrev {
		c.entries.Remove(key)
		return
	}
	c.entries.Add(key, record{last: cur.prev})
}

// Last returns the recorded sequence for key without touching its recency.
func (c *Cache) Last(key telemetry.Key) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.entries.Peek(key)
	return cur.last, ok
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *Cache) Capacity() int { return c.capacity }
