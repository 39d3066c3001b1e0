// Package capability evaluates plugin capability requests against the host
// policy and authorizes bus traffic per plugin and topic.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/plughost/internal/ports"
)

// Well-known capability names.
const (
	Logger  = "logger"
	Storage = "storage"
	Network = "network"
	Bus     = "bus"
)

// Denial reasons carried by grants.
const (
	ReasonUnknown = "unknown capability"
	ReasonDenied  = "denied by policy"
)

// Grant evaluation errors.
var (
	ErrUnknownCapability = errors.New(ReasonUnknown)
	ErrCapabilityDenied  = errors.New(ReasonDenied)
)

// ContextFactory builds the per-plugin context handed to a granted capability.
type ContextFactory func(pluginName string) map[string]interface{}

// PolicyEntry is the host policy for one capability.
type PolicyEntry struct {
	Allowed        bool
	ContextFactory ContextFactory
}

// StaticContext returns a factory that hands every plugin a copy of ctx.
func StaticContext(ctx map[string]interface{}) ContextFactory {
	return func(string) map[string]interface{} {
		out := make(map[string]interface{}, len(ctx))
		for k, v := range ctx {
			out[k] = v
		}
		return out
	}
}

// Grant is the outcome of evaluating one requested capability.
type Grant struct {
	Name    string                 `json:"name"`
	Granted bool                   `json:"granted"`
	Reason  string                 `json:"reason,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Err returns nil for a granted capability and a typed error otherwise.
func (g Grant) Err() error {
	switch {
	case g.Granted:
		return nil
	case g.Reason == ReasonUnknown:
		return fmt.Errorf("%q: %w", g.Name, ErrUnknownCapability)
	default:
		return fmt.Errorf("%q: %w", g.Name, ErrCapabilityDenied)
	}
}

// Granted filters grants down to the granted entries, preserving order.
func Granted(grants []Grant) []Grant {
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if g.Granted {
			out = append(out, g)
		}
	}
	return out
}

// Manager is the policy authority for capabilities.
type Manager struct {
	mu         sync.RWMutex
	policy     map[string]PolicyEntry
	authorizer Authorizer
	logger     ports.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuthorizer sets the authorizer consulted by the Verify methods.
func WithAuthorizer(a Authorizer) Option {
	return func(m *Manager) {
		if a != nil {
			m.authorizer = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l ports.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager with no capabilities defined. Bus traffic is
// authorized for everyone unless an Authorizer is supplied.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		policy:     make(map[string]PolicyEntry),
		authorizer: AllowAll{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefineCapability inserts or replaces the policy for name.
func (m *Manager) DefineCapability(name string, entry PolicyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy[name] = entry
}

// Defined reports whether a policy exists for name.
func (m *Manager) Defined(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.policy[name]
	return ok
}

// GrantCapabilities evaluates each requested capability independently. The
// result has one grant per request in the same order, duplicates included.
// The context factory of an allowed capability runs once per grant; a panic
// inside a factory is not recovered.
func (m *Manager) GrantCapabilities(requested []string, pluginName string) []Grant {
	grants := make([]Grant, 0, len(requested))
	for _, name := range requested {
		m.mu.RLock()
		entry, ok := m.policy[name]
		m.mu.RUnlock()

		switch {
		case !ok:
			grants = append(grants, Grant{Name: name, Reason: ReasonUnknown})
		case !entry.Allowed:
			grants = append(grants, Grant{Name: name, Reason: ReasonDenied})
		default:
			grants = append(grants, Grant{Name: name, Granted: true, Context: buildContext(entry, pluginName)})
		}
	}

	if m.logger != nil {
		for _, g := range grants {
			if !g.Granted {
				m.logger.Debug(context.Background(), "capability not granted",
					ports.F("plugin", pluginName), ports.F("capability", g.Name), ports.F("reason", g.Reason))
			}
		}
	}
	return grants
}

func buildContext(entry PolicyEntry, pluginName string) map[string]interface{} {
	if entry.ContextFactory == nil {
		return map[string]interface{}{}
	}
	ctx := entry.ContextFactory(pluginName)
	if ctx == nil {
		return map[string]interface{}{}
	}
	return ctx
}
