package cache

import (
	"container/list"
	"image"
	"sync"

	"github.com/objectfs/imagecache/pkg/types"
)

// MemoryCacheConfig represents memory tier configuration
type MemoryCacheConfig struct {
	// CapacityKB bounds the summed ImageCost of all entries. Zero or less
	// selects DefaultMemoryCapacityKB.
	CapacityKB int64 `yaml:"capacity_kb"`

	// OnEvicted is called for capacity evictions, after the cache lock is released.
	OnEvicted func(key string, img image.Image) `yaml:"-"`

	Metrics types.MetricsCollector `yaml:"-"`
}

// MemoryCache is a thread-safe LRU cache of decoded images bounded by cost in KB
type MemoryCache struct {
	mu          sync.RWMutex
	capacity    int64
	currentSize int64
	items       map[string]*list.Element
	evictList   *list.List

	onEvicted func(key string, img image.Image)
	metrics   types.MetricsCollector

	stats types.CacheStats
}

type memoryItem struct {
	key  string
	img  image.Image
	cost int64
}

// NewMemoryCache creates a new memory tier
func NewMemoryCache(config *MemoryCacheConfig) *MemoryCache {
	if config == nil {
		config = &MemoryCacheConfig{}
	}

	capacity := config.CapacityKB
	if capacity <= 0 {
		capacity = DefaultMemoryCapacityKB()
	}

	return &MemoryCache{
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		onEvicted: config.OnEvicted,
		metrics:   config.Metrics,
		stats:     types.CacheStats{Capacity: capacity},
	}
}

// Get retrieves an image and marks it most recently used
func (c *MemoryCache) Get(key string) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		return nil, false
	}

	c.evictList.MoveToFront(element)
	c.stats.Hits++
	return element.Value.(*memoryItem).img, true
}

// Contains reports presence without touching recency or statistics.
func (c *MemoryCache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.items[key]
	return exists
}

// Put inserts or replaces an image, then evicts least recently used entries
// until the total cost fits the capacity. An image whose cost alone exceeds
// the capacity is not retained.
func (c *MemoryCache) Put(key string, img image.Image) {
	if img == nil {
		return
	}
	cost := ImageCost(img)

	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		c.removeElement(element)
	}

	var evicted []*memoryItem
	if cost <= c.capacity {
		item := &memoryItem{key: key, img: img, cost: cost}
		c.items[key] = c.evictList.PushFront(item)
		c.currentSize += cost
		evicted = c.evictIfNeeded()
	}
	c.mu.Unlock()

	c.notifyEvicted(evicted)
}

// Remove drops key if present
func (c *MemoryCache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, exists := c.items[key]; exists {
		c.removeElement(element)
	}
	return nil
}

// EvictAll drops every entry
func (c *MemoryCache) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Evictions += uint64(len(c.items))
	c.items = make(map[string]*list.Element)
	c.evictList.Init()
	c.currentSize = 0
}

// Resize changes the capacity and evicts down to it
func (c *MemoryCache) Resize(capacityKB int64) {
	c.mu.Lock()
	c.capacity = capacityKB
	c.stats.Capacity = capacityKB
	evicted := c.evictIfNeeded()
	c.mu.Unlock()

	c.notifyEvicted(evicted)
}

// Size returns the summed cost in KB
func (c *MemoryCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentSize
}

// Capacity returns the bound in KB
func (c *MemoryCache) Capacity() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// Len returns the number of entries
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns keys from most to least recently used
func (c *MemoryCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for e := c.evictList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*memoryItem).key)
	}
	return keys
}

// Stats returns cache statistics. Size and Capacity are in KB.
func (c *MemoryCache) Stats() types.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Entries = len(c.items)
	stats.Size = c.currentSize
	stats.HitRate = types.HitRateOf(stats.Hits, stats.Misses)
	stats.Utilization = types.Utilization(c.currentSize, c.capacity)
	return stats
}

func (c *MemoryCache) removeElement(element *list.Element) {
	item := element.Value.(*memoryItem)
	c.evictList.Remove(element)
	delete(c.items, item.key)
	c.currentSize -= item.cost
}

// evictIfNeeded must be called with the lock held.
func (c *MemoryCache) evictIfNeeded() []*memoryItem {
	var evicted []*memoryItem
	for c.currentSize > c.capacity && c.evictList.Len() > 0 {
		element := c.evictList.Back()
		evicted = append(evicted, element.Value.(*memoryItem))
		c.removeElement(element)
		c.stats.Evictions++
	}
	return evicted
}

func (c *MemoryCache) notifyEvicted(evicted []*memoryItem) {
	for _, item := range evicted {
		if c.metrics != nil {
			c.metrics.RecordEviction(types.TierMemory)
		}
		if c.onEvicted != nil {
			c.onEvicted(item.key, item.img)
		}
	}
}
