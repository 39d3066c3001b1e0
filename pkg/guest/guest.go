// Package guest runs a plugin inside its isolated execution context.
//
// A Runtime serves one plugin over an ipc.Worker. On the first lifecycle
// request it decodes the bootstrap payload, builds the capability APIs the
// host granted, loads the plugin module and attaches the APIs to it. Every
// lifecycle request is then answered exactly once.
//
// Plugin modules implement only the hooks they need:
//
//	type greeter struct{ host *guest.Host }
//
//	func (g *greeter) AttachHost(h *guest.Host) error { g.host = h; return nil }
//	func (g *greeter) OnActivate(ctx context.Context) error {
//		g.host.Logger.Info("greeter active")
//		return nil
//	}
package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Module is a loaded plugin. It may implement any of the hook interfaces
// below; absent hooks are no-ops.
type Module interface{}

// HostAttacher receives the capability APIs before any lifecycle hook runs.
type HostAttacher interface {
	AttachHost(host *Host) error
}

// Installer handles the install action. Its result is returned to the host.
type Installer interface {
	Install(ctx context.Context, payload json.RawMessage) (interface{}, error)
}

// LoadHook handles onLoad.
type LoadHook interface {
	OnLoad(ctx context.Context) error
}

// ReadyHook handles onReady.
type ReadyHook interface {
	OnReady(ctx context.Context) error
}

// ActivateHook handles onActivate.
type ActivateHook interface {
	OnActivate(ctx context.Context) error
}

// DeactivateHook handles onDeactivate.
type DeactivateHook interface {
	OnDeactivate(ctx context.Context) error
}

// UnloadHook handles onUnload.
type UnloadHook interface {
	OnUnload(ctx context.Context) error
}

// HealthChecker reports plugin health. Modules without it are healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

// Invoker answers host-initiated invocations on a topic.
type Invoker interface {
	Invoke(ctx context.Context, topic string, payload json.RawMessage) (interface{}, error)
}

// Closer releases module resources when the runtime stops.
type Closer interface {
	Close(ctx context.Context) error
}

// ErrUnknownModule indicates no loader recognized the plugin code.
var ErrUnknownModule = errors.New("unrecognized plugin module")

// Loader turns plugin code into a Module. host is already populated with
// the granted capability APIs.
type Loader interface {
	Load(ctx context.Context, name string, code []byte, host *Host) (Module, error)
}

// LoaderFunc adapts a function to a Loader.
type LoaderFunc func(ctx context.Context, name string, code []byte, host *Host) (Module, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, name string, code []byte, host *Host) (Module, error) {
	return f(ctx, name, code, host)
}

// Recognizer is implemented by loaders that can tell whether code is theirs.
type Recognizer interface {
	Recognizes(code []byte) bool
}

// Chain tries loaders in order. Loaders implementing Recognizer are skipped
// when they do not recognize the code; the first remaining loader wins.
func Chain(loaders ...Loader) Loader {
	return LoaderFunc(func(ctx context.Context, name string, code []byte, host *Host) (Module, error) {
		for _, l := range loaders {
			if r, ok := l.(Recognizer); ok && !r.Recognizes(code) {
				continue
			}
			return l.Load(ctx, name, code, host)
		}
		return nil, ErrUnknownModule
	})
}

// NativePrefix marks plugin code naming a module registered with a
// NativeRegistry, for example "native:echo".
const NativePrefix = "native:"

// Factory creates a native module instance.
type Factory func() Module

// NativeRegistry loads Go modules compiled into the worker binary. Plugin
// code is the text "native:<id>".
type NativeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for id.
func (r *NativeRegistry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Recognizes reports whether code names a native module.
func (r *NativeRegistry) Recognizes(code []byte) bool {
	return strings.HasPrefix(string(code), NativePrefix)
}

// Load instantiates the module named by code.
func (r *NativeRegistry) Load(_ context.Context, _ string, code []byte, _ *Host) (Module, error) {
	id := strings.TrimSpace(strings.TrimPrefix(string(code), NativePrefix))

	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: native module %q is not registered", ErrUnknownModule, id)
	}
	return f(), nil
}
