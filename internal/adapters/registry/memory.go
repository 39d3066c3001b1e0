package registry

import (
	"context"
	"sync"

	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
)

// Memory is a registry held in memory. It backs tests and embedding hosts
// that publish manifests programmatically.
type Memory struct {
	mu        sync.RWMutex
	manifests map[string]*manifest.Manifest
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{manifests: make(map[string]*manifest.Manifest)}
}

// Publish stores a copy of mf under its name, replacing any previous one.
func (m *Memory) Publish(mf *manifest.Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[mf.Name] = mf.Clone()
}

// Withdraw removes the manifest for name.
func (m *Memory) Withdraw(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.manifests, name)
}

// GetManifest returns a copy of the manifest for name, or nil.
func (m *Memory) GetManifest(_ context.Context, name string) (*manifest.Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifests[name].Clone(), nil
}
