package plugin

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

// Record is a snapshot of an installed plugin.
type Record struct {
	Name       string
	Manifest   *manifest.Manifest
	Controller Controller
	Sandboxed  bool
	State      State
	Version    string
	UpdatedAt  time.Time
}

type entry struct {
	name       string
	manifest   *manifest.Manifest
	controller Controller
	sandboxed  bool
	lifecycle  *Lifecycle
}

func (e *entry) snapshot() Record {
	_, changed := e.lifecycle.Transitions()
	r := Record{
		Name:       e.name,
		Manifest:   e.manifest.Clone(),
		Controller: e.controller,
		Sandboxed:  e.sandboxed,
		State:      e.lifecycle.State(),
		UpdatedAt:  changed,
	}
	if e.manifest != nil {
		r.Version = e.manifest.Version
	}
	return r
}

// Manager is the authoritative registry of installed plugins.
type Manager struct {
	mu       sync.RWMutex
	records  map[string]*entry
	swapping map[string]bool

	bridge WorkerRegistry
	bus    BusCleaner
	logger ports.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBridge registers sandboxed plugin workers with r.
func WithBridge(r WorkerRegistry) Option {
	return func(m *Manager) { m.bridge = r }
}

// WithBus drops bus subscriptions and middleware of uninstalled plugins.
func WithBus(c BusCleaner) Option {
	return func(m *Manager) { m.bus = c }
}

// WithLogger sets the logger.
func WithLogger(l ports.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		records:  make(map[string]*entry),
		swapping: make(map[string]bool),
		logger:   logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetBridge attaches the worker registry after construction.
func (m *Manager) SetBridge(r WorkerRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridge = r
}

// RegisterPlugin inserts or overwrites the record for name in
// StateInstalled. A sandboxed controller exposing a worker is registered
// with the bridge.
func (m *Manager) RegisterPlugin(name string, c Controller, mf *manifest.Manifest, sandboxed bool) error {
	if name == "" {
		return ErrEmptyPluginName
	}
	if c == nil {
		return ErrNilController
	}
	lc, err := newLifecycle()
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.records[name]
	m.records[name] = &entry{name: name, manifest: mf.Clone(), controller: c, sandboxed: sandboxed, lifecycle: lc}
	bridge := m.bridge
	m.mu.Unlock()

	if prev != nil {
		prev.lifecycle.Stop()
	}
	if w := workerOf(c); sandboxed && bridge != nil && w != nil {
		bridge.RegisterWorker(name, w)
	}
	return nil
}

// GetPluginRecord returns a snapshot of the record for name.
func (m *Manager) GetPluginRecord(name string) (Record, bool) {
	m.mu.RLock()
	e, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

// ListInstalled returns installed plugin names, sorted.
func (m *Manager) ListInstalled() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Records returns snapshots of every record, sorted by name.
func (m *Manager) Records() []Record {
	names := m.ListInstalled()
	out := make([]Record, 0, len(names))
	for _, name := range names {
		if r, ok := m.GetPluginRecord(name); ok {
			out = append(out, r)
		}
	}
	return out
}

// ActivatePlugin activates an installed or deactivated plugin.
func (m *Manager) ActivatePlugin(ctx context.Context, name string) error {
	return m.drive(ctx, name, EventActivate, Controller.OnActivate)
}

// DeactivatePlugin deactivates an active plugin.
func (m *Manager) DeactivatePlugin(ctx context.Context, name string) error {
	return m.drive(ctx, name, EventDeactivate, Controller.OnDeactivate)
}

func (m *Manager) drive(ctx context.Context, name, event string, hook func(Controller, context.Context) error) error {
	m.mu.RLock()
	e, ok := m.records[name]
	m.mu.RUnlock()
	if !ok {
		return ErrPluginNotFound
	}

	if !e.lifecycle.Can(event) {
		return &TransitionError{Name: name, State: e.lifecycle.State(), Event: event}
	}
	if err := hook(e.controller, ctx); err != nil {
		return err
	}
	return e.lifecycle.Fire(event)
}

// UninstallPlugin deactivates and unloads the plugin, detaches it from the
// bridge and the bus, and removes its record. Controller failures are
// logged and do not stop the removal. Unknown names are ignored.
func (m *Manager) UninstallPlugin(ctx context.Context, name string) {
	m.mu.Lock()
	e, ok := m.records[name]
	delete(m.records, name)
	bridge := m.bridge
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := e.controller.OnDeactivate(ctx); err != nil {
		m.logger.Warn(ctx, "uninstall deactivation error", ports.F("plugin", name), ports.Err(err))
	}
	if err := e.controller.OnUnload(ctx); err != nil {
		m.logger.Warn(ctx, "uninstall unload error", ports.F("plugin", name), ports.Err(err))
	}
	e.lifecycle.Stop()

	if e.sandboxed && bridge != nil {
		bridge.UnregisterWorker(name)
	}
	if m.bus != nil {
		m.bus.Unsubscribe(name)
		if n := m.bus.RemoveMiddleware(name); n > 0 {
			m.logger.Debug(ctx, "removed plugin middleware", ports.F("plugin", name), ports.F("count", n))
		}
	}
}
