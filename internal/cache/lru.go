package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultLRUSize = 10000

// LRUCache holds entries in process memory, evicting the least recently used
// beyond its capacity. A zero TTL never expires.
type LRUCache struct {
	scoped

	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	recency  *list.List // front is most recently used
	now      func() time.Time
}

type lruEntry struct {
	key      string
	value    []byte
	deadline time.Time
}

func (e *lruEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultLRUSize
	}
	c := &LRUCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
	c.scoped = scoped{store: c}
	return c
}

// Stats reports the number of live and expired entries held and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.capacity
}

func (c *LRUCache) load(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.live(key); e != nil {
		return e.value, nil
	}
	return nil, nil
}

func (c *LRUCache) save(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.put(key, value, ttl)
	return nil
}

func (c *LRUCache) saveNew(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live(key) == nil {
		c.put(key, value, ttl)
	}
	return nil
}

func (c *LRUCache) drop(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.evict(elem)
	}
	return nil
}

func (c *LRUCache) ping(context.Context) error { return nil }

// close empties the cache; it stays usable.
func (c *LRUCache) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
	c.recency.Init()
	return nil
}

// live returns the unexpired entry for key and marks it used. mu is held.
func (c *LRUCache) live(key string) *lruEntry {
	elem, ok := c.entries[key]
	if !ok {
		return nil
	}
	e := elem.Value.(*lruEntry)
	if e.expired(c.now()) {
		c.evict(elem)
		return nil
	}
	c.recency.MoveToFront(elem)
	return e
}

// put inserts or replaces key and trims the tail to capacity. mu is held.
func (c *LRUCache) put(key string, value []byte, ttl time.Duration) {
	var deadline time.Time
	if ttl > 0 {
		deadline = c.now().Add(ttl)
	}

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*lruEntry)
		e.value, e.deadline = value, deadline
		c.recency.MoveToFront(elem)
		return
	}

	c.entries[key] = c.recency.PushFront(&lruEntry{key: key, value: value, deadline: deadline})
	for c.recency.Len() > c.capacity {
		c.evict(c.recency.Back())
	}
}

func (c *LRUCache) evict(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).key)
}
