// ABOUTME: TTL- and size-bounded cache that suppresses repeated inbound message events
// ABOUTME: Keys combine the session id and the transport's message id

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/chorus-gateway/internal/clock"
)

// Defaults used by the router.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 10000
)

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers keys for a TTL. When full, the oldest key is evicted.
// Expired keys are dropped lazily on access and by Sweep.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// New creates a cache. Non-positive ttl or maxSize fall back to the defaults.
// A nil clock uses wall time.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

// MessageKey builds the key for one message of one session.
func MessageKey(sessionID, messageID string) string {
	return sessionID + "/" + messageID
}

// CheckAndMark reports whether key was already seen within the TTL. A new
// or expired key is marked and false is returned.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.seenAt) < c.ttl {
			return true
		}
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{seenAt: now, element: c.order.PushBack(key)}
	return false
}

// Sweep removes expired keys and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	dropped := 0
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if entry := c.seen[key]; entry != nil && now.Sub(entry.seenAt) >= c.ttl {
			c.order.Remove(e)
			delete(c.seen, key)
			dropped++
		}
		e = next
	}
	return dropped
}

// Len returns the number of keys held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
