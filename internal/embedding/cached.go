package embedding

import (
	"context"
	"sync"
	"time"
)

const (
	defaultCacheSize = 512
	defaultCacheTTL  = 10 * time.Minute
)

type cacheEntry struct {
	vector []float32
	stored time.Time
}

// CachedService wraps a Service with a fixed-size cache keyed by input
// text, so repeated queries skip the API. Eviction follows insertion
// order through a ring buffer, O(1) per insert instead of an O(n) slice
// shift. Returned vectors are shared and must not be modified.
type CachedService struct {
	inner Service

	mu      sync.Mutex
	entries map[string]cacheEntry
	ring    []string
	head    int
	count   int
	ttl     time.Duration
}

// NewCachedService wraps inner. size <= 0 and ttl <= 0 select defaults.
func NewCachedService(inner Service, size int, ttl time.Duration) *CachedService {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedService{
		inner:   inner,
		entries: make(map[string]cacheEntry, size),
		ring:    make([]string, size),
		ttl:     ttl,
	}
}

// Embed returns the cached vector for text when fresh, otherwise asks the
// inner service and stores the result. Failures are never cached.
func (c *CachedService) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.get(text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.put(text, vec)
	return vec, nil
}

// Dimensions returns the inner service's declared vector length.
func (c *CachedService) Dimensions() int {
	return c.inner.Dimensions()
}

func (c *CachedService) get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[text]
	if !ok || time.Since(entry.stored) > c.ttl {
		if ok {
			delete(c.entries, text)
		}
		return nil, false
	}
	return entry.vector, true
}

func (c *CachedService) put(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[text]; !ok {
		size := len(c.ring)
		if c.count >= size {
			evictIdx := (c.head - c.count + size) % size
			delete(c.entries, c.ring[evictIdx])
		} else {
			c.count++
		}
		c.ring[c.head] = text
		c.head = (c.head + 1) % size
	}
	c.entries[text] = cacheEntry{vector: vector, stored: time.Now()}
}
