package embed

import (
	"container/list"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
)

// DefaultCacheSize is the embedding cache capacity when none is configured.
// At 1024 dimensions each entry is ~4KB, so the default costs ~4MB.
const DefaultCacheSize = 1000

// Cache is a bounded LRU over embedding lookups.
//
// Keys combine the model, the instruction-prefixed provider input and,
// when a reducer is active, a "reduced:" namespace, so an original and a
// reduced vector for the same text never collide. Returned slices are
// shared; callers must not modify them.
//
// Thread-safe: all methods can be called from multiple goroutines.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*list.Element
	lru     *list.List
	maxSize int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// cacheEntry holds a cached vector with its key for reverse lookup on
// eviction.
type cacheEntry struct {
	key    string
	vector []float32
}

// NewCache creates an LRU holding up to maxSize vectors.
// maxSize <= 0 selects DefaultCacheSize.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cache{
		entries: make(map[string]*list.Element, maxSize),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// cacheKey builds the lookup key for a (model, input) pair. The input is
// hashed so arbitrarily long texts cost constant key memory; FNV-1a is
// fast and collision-safe enough for a cache.
func cacheKey(model, input string, reduced bool) string {
	h := fnv.New64a()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(input))
	key := strconv.FormatUint(h.Sum64(), 36)
	if reduced {
		return "reduced:" + key
	}
	return key
}

// Get returns the cached vector for key, promoting it to most recently
// used.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	elem, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)

	c.mu.Lock()
	c.lru.MoveToFront(elem)
	vec := elem.Value.(*cacheEntry).vector
	c.mu.Unlock()

	return vec, true
}

// Put stores a vector under key, evicting the least recently used entries
// when over capacity.
func (c *Cache) Put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).vector = vec
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{key: key, vector: vec}
	c.entries[key] = c.lru.PushFront(entry)
}

// evictOldest removes the least recently used entry.
// Caller must hold the write lock.
func (c *Cache) evictOldest() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.lru.Remove(elem)
	c.evictions.Add(1)
}

// Len returns the current number of cached vectors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// Clear removes all cached vectors. Counters are preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element, c.maxSize)
	c.lru.Init()
}

// Stats returns a snapshot of cache performance counters.
func (c *Cache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	c.mu.RLock()
	size := c.lru.Len()
	c.mu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:      size,
		MaxSize:   c.maxSize,
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		HitRate:   hitRate,
	}
}

// CacheStats holds cache performance counters.
type CacheStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}
