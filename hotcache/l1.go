package hotcache

import "sync"

// l1Cache is the in-memory tier of spec.md §4.6: bounded by total bytes,
// FIFO-like eviction (oldest-admitted object evicted first, regardless of
// recent access) rather than LRU — chosen because the workload (sequential
// historical scans re-reading a sliding window of segments) benefits more
// from predictable eviction than from recency tracking's bookkeeping cost.
type l1Cache struct {
	maxBytes int64

	mu       sync.Mutex
	curBytes int64
	order    []string
	entries  map[string][]byte

	hits, misses int64
}

func newL1Cache(maxBytes int64) *l1Cache {
	return &l1Cache{maxBytes: maxBytes, entries: make(map[string][]byte)}
}

func (c *l1Cache) get(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[path]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return data, ok
}

// put admits data under path, evicting the oldest entries until it fits. A
// no-op if data alone exceeds maxBytes or path is already present.
func (c *l1Cache) put(path string, data []byte) {
	size := int64(len(data))
	if size > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[path]; exists {
		return
	}
	for c.curBytes+size > c.maxBytes && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		c.curBytes -= int64(len(c.entries[oldest]))
		delete(c.entries, oldest)
	}
	c.entries[path] = data
	c.order = append(c.order, path)
	c.curBytes += size
}

func (c *l1Cache) stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
