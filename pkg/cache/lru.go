package cache

import "sync"

// LRU is a fixed capacity least-recently-used cache.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*cacheItem[K, V]
	head     *cacheItem[K, V]
	tail     *cacheItem[K, V]
	onEvict  func(K, V)
}

type cacheItem[K comparable, V any] struct {
	key   K
	value V
	prev  *cacheItem[K, V]
	next  *cacheItem[K, V]
}

// New creates a cache; onEvict, when set, sees every value that leaves the cache.
func New[K comparable, V any](capacity int, onEvict func(K, V)) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		items:    make(map[K]*cacheItem[K, V]),
		onEvict:  onEvict,
	}
}

// Get retrieves a value from the cache
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		var zero V
		return zero, false
	}
	c.moveToHead(item)

	return item.value, true
}

// Set stores a value in the cache
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.items[key]; found {
		item.value = value
		c.moveToHead(item)
		return
	}

	item := &cacheItem[K, V]{key: key, value: value}
	c.addToHead(item)
	c.items[key] = item

	if len(c.items) > c.capacity {
		c.evictLRU()
	}
}

// Remove drops key from the cache.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		return
	}
	c.unlink(item)
	delete(c.items, key)
	if c.onEvict != nil {
		c.onEvict(item.key, item.value)
	}
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRU[K, V]) moveToHead(item *cacheItem[K, V]) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.addToHead(item)
}

func (c *LRU[K, V]) unlink(item *cacheItem[K, V]) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (c *LRU[K, V]) addToHead(item *cacheItem[K, V]) {
	item.prev = nil
	item.next = c.head

	if c.head != nil {
		c.head.prev = item
	}
	c.head = item

	if c.tail == nil {
		c.tail = item
	}
}

// evictLRU removes the least recently used item
func (c *LRU[K, V]) evictLRU() {
	victim := c.tail
	if victim == nil {
		return
	}
	c.unlink(victim)
	delete(c.items, victim.key)
	if c.onEvict != nil {
		c.onEvict(victim.key, victim.value)
	}
}
