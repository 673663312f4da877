// Package cache is a small threadsafe LRU with optional per-entry TTL.
// Expired entries are dropped when touched; there is no background sweeper.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Cache maps string keys to values of type V.
type Cache[V any] struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	capacity int
	ttl      time.Duration
	now      func() time.Time
	stats    Stats
}

type entry[V any] struct {
	key    string
	value  V
	expire time.Time
}

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1024

// New returns a cache holding at most capacity entries. A positive ttl
// expires entries that long after their last Set.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[V]{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	ele, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	ent := ele.Value.(*entry[V])
	if c.ttl > 0 && c.now().After(ent.expire) {
		c.remove(ele)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	return ent.value, true
}

// Set inserts or replaces key, evicting the least recently used entry when
// full.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expire time.Time
	if c.ttl > 0 {
		expire = c.now().Add(c.ttl)
	}
	if ele, ok := c.items[key]; ok {
		ent := ele.Value.(*entry[V])
		ent.value, ent.expire = value, expire
		c.ll.MoveToFront(ele)
		return
	}
	if c.ll.Len() >= c.capacity {
		if oldest := c.ll.Back(); oldest != nil {
			c.remove(oldest)
			c.stats.Evictions++
		}
	}
	c.items[key] = c.ll.PushFront(&entry[V]{key: key, value: value, expire: expire})
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.remove(ele)
	}
}

// Stats returns a snapshot of the counters. Size counts expired entries
// until they are touched.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}

func (c *Cache[V]) remove(ele *list.Element) {
	c.ll.Remove(ele)
	delete(c.items, ele.Value.(*entry[V]).key)
}
