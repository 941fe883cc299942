package decoder

import (
	"sync"

	"github.com/openclimatefix/Satip-sub000/internal/geos"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
)

// MaskCache memoizes off-disk masks per area definition. Every scan of a
// product shares the same cropped grid, so the mask is computed once.
type MaskCache struct {
	cache   *lruCache
	metrics *observability.Metrics
}

// NewMaskCache creates a cache holding up to maxEntries masks.
func NewMaskCache(maxEntries int, metrics *observability.Metrics) *MaskCache {
	return &MaskCache{cache: newLRUCache(maxEntries), metrics: metrics}
}

// Get returns the off-disk mask of a, computing it on a miss.
func (c *MaskCache) Get(a geos.AreaDefinition) []bool {
	key := a.Key()
	if mask, ok := c.cache.get(key); ok {
		c.observe("hit")
		return mask
	}
	c.observe("miss")
	mask := geos.OffDiskMask(a)
	c.cache.put(key, mask)
	return mask
}

// Len reports the number of cached masks.
func (c *MaskCache) Len() int {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	return len(c.cache.entries)
}

func (c *MaskCache) observe(result string) {
	if c.metrics != nil {
		c.metrics.MaskCache.WithLabelValues(result).Inc()
	}
}

// lruCache is a simple thread-safe LRU cache of masks.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value []bool
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) ([]bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
