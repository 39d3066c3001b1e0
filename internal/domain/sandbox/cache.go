package sandbox

import (
	"sync"
)

// cacheEntry holds verified plugin bytes for one entry locator.
type cacheEntry struct {
	code      []byte
	integrity string
	version   string
}

// loadCache is keyed by entry locator. It is unbounded; the set of distinct
// entries a host loads is small.
type loadCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newLoadCache() *loadCache {
	return &loadCache{entries: make(map[string]cacheEntry)}
}

// lookup returns cached bytes only when the entry was verified against the
// same digest and recorded for the same version.
func (c *loadCache) lookup(entry, integrity, version string) ([]byte, bool) {
	if integrity == "" {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[entry]
	if !ok || e.integrity != integrity || e.version != version {
		return nil, false
	}
	return e.code, true
}

func (c *loadCache) store(entry string, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry] = e
}

func (c *loadCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
