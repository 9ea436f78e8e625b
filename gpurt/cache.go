package gpurt

import (
	"container/list"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// DefaultCacheCapacity is the capacity of caches created with a non-positive capacity.
const DefaultCacheCapacity = 32

// KernelCache maps a content hash to a compiled Kernel.
//
// Implementations own one reference of each kernel they hold: Insert retains it, and eviction releases it.
// Lookup returns the kernel with a new reference for the caller.
// Implementations must be safe for concurrent use.
type KernelCache interface {
	// Lookup returns the kernel stored under key, and marks it as the most recently used.
	Lookup(key uint64) (*Kernel, bool)

	// Insert stores kernel under key, evicting the least recently used entry if the cache is full.
	Insert(key uint64, kernel *Kernel)

	// Reserve raises the capacity by additional entries.
	Reserve(additional int)

	// Len is the number of kernels currently cached.
	Len() int

	// Capacity is the maximum number of kernels cached.
	Capacity() int
}

type cacheEntry struct {
	key    uint64
	kernel *Kernel
}

// LRUCache is a KernelCache with least-recently-used eviction.
//
// One mutex protects both the map and the recency list, so a lookup and a concurrent evicting insert
// always observe a consistent state.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*list.Element
	recency  *list.List // Front is the most recently used. Values are *cacheEntry.

	hits, misses, evictions atomic.Int64
}

var _ KernelCache = (*LRUCache)(nil)

// NewLRUCache creates a cache with the given capacity, or DefaultCacheCapacity if capacity <= 0.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		recency:  list.New(),
	}
}

var defaultCache = sync.OnceValue(func() *LRUCache {
	return ConfigFromEnv().NewCache()
})

// DefaultCache returns the process-wide cache used when no cache is given, created on first use with
// the capacity from the environment (see ConfigFromEnv).
func DefaultCache() *LRUCache {
	return defaultCache()
}

// Lookup implements KernelCache.
func (c *LRUCache) Lookup(key uint64) (*Kernel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	element, found := c.entries[key]
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	entry := element.Value.(*cacheEntry)
	if !entry.kernel.tryRetain() {
		panicf("cached kernel %s for key %016x was already released", entry.kernel, key)
	}
	c.recency.MoveToFront(element)
	c.hits.Add(1)
	klog.V(2).Infof("kernel cache hit for key %016x: %s", key, entry.kernel)
	return entry.kernel, true
}

// Insert implements KernelCache.
//
// If key is already present, the new kernel replaces the old one, which is released.
func (c *LRUCache) Insert(key uint64, kernel *Kernel) {
	if err := kernel.Retain(); err != nil {
		klog.Errorf("kernel cache: refusing to insert released kernel: %+v", err)
		return
	}
	c.mu.Lock()
	var released []*Kernel
	if element, found := c.entries[key]; found {
		entry := element.Value.(*cacheEntry)
		released = append(released, entry.kernel)
		entry.kernel = kernel
		c.recency.MoveToFront(element)
	} else {
		for c.recency.Len() >= c.capacity {
			released = append(released, c.evictOldestLocked())
		}
		c.entries[key] = c.recency.PushFront(&cacheEntry{key: key, kernel: kernel})
	}
	c.mu.Unlock()

	// Releasing may take the device lock, so it's done outside the cache lock.
	for _, k := range released {
		k.Release()
	}
}

// evictOldestLocked removes the least recently used entry and returns its kernel, to be released
// by the caller. It must be called with c.mu held.
func (c *LRUCache) evictOldestLocked() *Kernel {
	oldest := c.recency.Back()
	if oldest == nil {
		panicf("kernel cache recency list is empty, but the map has %d entries", len(c.entries))
	}
	entry := oldest.Value.(*cacheEntry)
	if element, found := c.entries[entry.key]; !found || element != oldest {
		panicf("kernel cache entry %016x is in the recency list but not in the map", entry.key)
	}
	c.recency.Remove(oldest)
	delete(c.entries, entry.key)
	c.evictions.Add(1)
	klog.V(1).Infof("kernel cache evicted key %016x: %s", entry.key, entry.kernel)
	return entry.kernel
}

// Reserve implements KernelCache. Non-positive values are ignored: the capacity is never lowered.
func (c *LRUCache) Reserve(additional int) {
	if additional <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity += additional
}

// Len implements KernelCache.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) != c.recency.Len() {
		panicf("kernel cache map has %d entries, but the recency list has %d", len(c.entries), c.recency.Len())
	}
	return len(c.entries)
}

// Capacity implements KernelCache.
func (c *LRUCache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Keys returns the cached keys, from the most to the least recently used.
func (c *LRUCache) Keys() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]uint64, 0, c.recency.Len())
	for element := c.recency.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*cacheEntry).key)
	}
	return keys
}

// Clear removes and releases all cached kernels.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	var released []*Kernel
	for c.recency.Len() > 0 {
		released = append(released, c.evictOldestLocked())
	}
	c.mu.Unlock()
	for _, k := range released {
		k.Release()
	}
}

// CacheStats are counters of a LRUCache.
type CacheStats struct {
	Hits, Misses, Evictions int64
	Len, Capacity           int
}

// Stats returns the cache counters.
func (c *LRUCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       c.Len(),
		Capacity:  c.Capacity(),
	}
}
