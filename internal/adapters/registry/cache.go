package registry

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
)

// Source is anything that can look up a manifest by plugin name.
type Source interface {
	GetManifest(ctx context.Context, name string) (*manifest.Manifest, error)
}

type cacheEntry struct {
	manifest *manifest.Manifest
	cachedAt time.Time
}

// IsExpired reports whether the entry is older than ttl.
func (e cacheEntry) IsExpired(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.cachedAt) > ttl
}

// Cached remembers lookups of an inner source for a fixed TTL. Absent
// plugins are cached too. Errors are never cached.
type Cached struct {
	inner Source
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCached wraps inner. A ttl of zero or less returns inner unchanged.
func NewCached(inner Source, ttl time.Duration) Source {
	if ttl <= 0 {
		return inner
	}
	return &Cached{inner: inner, ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

// GetManifest serves name from the cache when fresh.
func (c *Cached) GetManifest(ctx context.Context, name string) (*manifest.Manifest, error) {
	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if ok && !e.IsExpired(c.ttl, c.now()) {
		return e.manifest.Clone(), nil
	}

	mf, err := c.inner.GetManifest(ctx, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[name] = cacheEntry{manifest: mf.Clone(), cachedAt: c.now()}
	c.mu.Unlock()
	return mf, nil
}

// Invalidate drops every cached entry.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

var (
	_ Source = (*HTTP)(nil)
	_ Source = (*Dir)(nil)
	_ Source = (*Memory)(nil)
	_ Source = (*Cached)(nil)
)
