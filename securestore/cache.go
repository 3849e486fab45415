package securestore

import (
	"container/list"
	"context"
	"sync"
)

// lruCache is a thread-safe LRU cache of record values
type lruCache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value []byte
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *lruCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return append([]byte(nil), elem.Value.(*cacheEntry).value...), true
	}
	return nil, false
}

func (c *lruCache) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value = append([]byte(nil), value...)
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			delete(c.items, oldest.Value.(*cacheEntry).key)
			c.order.Remove(oldest)
		}
	}

	c.items[key] = c.order.PushFront(&cacheEntry{key: key, value: value})
}

func (c *lruCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.order.Remove(elem)
	}
}

func (c *lruCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CachedStore is a read-through cache in front of another Store. Hits are
// served without consulting the backing store, so a record read once stays
// readable while the device is locked
type CachedStore struct {
	next  Store
	cache *lruCache
}

// Cached wraps next with an LRU cache holding up to capacity records
func Cached(next Store, capacity int) *CachedStore {
	if capacity <= 0 {
		capacity = 16
	}
	return &CachedStore{next: next, cache: newLRUCache(capacity)}
}

func (s *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := s.cache.get(key); ok {
		return v, nil
	}
	v, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache.put(key, v)
	return v, nil
}

func (s *CachedStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.next.Put(ctx, key, value); err != nil {
		s.cache.remove(key)
		return err
	}
	s.cache.put(key, value)
	return nil
}

func (s *CachedStore) Delete(ctx context.Context, key string) error {
	s.cache.remove(key)
	return s.next.Delete(ctx, key)
}

func (s *CachedStore) Available() bool {
	return s.next.Available()
}

// Len returns the number of cached records
func (s *CachedStore) Len() int {
	return s.cache.len()
}

func (s *CachedStore) Close() error {
	s.cache.clear()
	return s.next.Close()
}
