// ABOUTME: TTL cache remembering recently seen platform message IDs
// ABOUTME: Guards the inbound path against updates redelivered after reconnects

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// sighting records when a key was last observed, plus its position in
// the eviction order.
type sighting struct {
	at   time.Time
	slot *list.Element
}

// Cache is a bounded, TTL-based set of message keys. Long-poll and sync
// transports redeliver updates after reconnects; Observe lets the
// registry drop the repeats before they reach the queue.
type Cache struct {
	mu       sync.Mutex
	keys     map[string]*sighting
	order    *list.List // oldest at front
	ttl      time.Duration
	capacity int
	done     chan struct{}
	closed   bool
}

// Key builds a cache key from the platform name and its per-platform
// identifiers.
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

// New creates a cache that forgets keys after ttl and never holds more
// than capacity entries. A janitor goroutine sweeps expired keys.
func New(ttl time.Duration, capacity int) *Cache {
	c := &Cache{
		keys:     make(map[string]*sighting),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		done:     make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Observe records the key and reports whether it was already present
// and unexpired. Check and mark happen under one lock acquisition so
// two concurrent deliveries of the same update race to a single false.
func (c *Cache) Observe(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if s, ok := c.keys[key]; ok && now.Sub(s.at) < c.ttl {
		s.at = now
		c.order.MoveToBack(s.slot)
		return true
	}

	if s, ok := c.keys[key]; ok {
		// Expired entry, reuse its slot.
		s.at = now
		c.order.MoveToBack(s.slot)
		return false
	}

	if len(c.keys) >= c.capacity {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.keys, oldest)
		}
	}

	c.keys[key] = &sighting{at: now, slot: c.order.PushBack(key)}
	return false
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, s := range c.keys {
		if now.Sub(s.at) >= c.ttl {
			c.order.Remove(s.slot)
			delete(c.keys, key)
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
