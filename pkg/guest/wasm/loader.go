// Package wasm loads WebAssembly plugins into a guest runtime with wazero.
//
// A plugin module may export any of install, on_load, on_ready, on_activate,
// on_deactivate, on_unload and health_check. Hooks take no arguments and may
// return one i32; a non-zero result is reported as a failure, except for
// health_check where non-zero means healthy.
//
// The host module "plughost" exposes the granted capabilities:
//
//	log(level_ptr, level_len, msg_ptr, msg_len) i32
//	storage_get(key_ptr, key_len, out_ptr, out_cap) i32
//	storage_set(key_ptr, key_len, val_ptr, val_len) i32
//	bus_publish(topic_ptr, topic_len, payload_ptr, payload_len) i32
//	net_fetch(url_ptr, url_len, out_ptr, out_cap) i32
//
// storage_get and net_fetch write JSON to out and return its full length;
// a result larger than out_cap means the output was truncated. net_fetch
// writes {"status":<http status>,"body":<string>}. Calls for a capability
// that was not granted return StatusDenied.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/felixgeelhaar/plughost/pkg/guest"
)

// HostModuleName is the import module name of the host functions.
const HostModuleName = "plughost"

var magic = []byte{0x00, 0x61, 0x73, 0x6d}

// ErrHookFailed indicates a hook export returned a non-zero status.
var ErrHookFailed = errors.New("plugin hook failed")

// Loader compiles and instantiates WebAssembly plugins. Each plugin gets its
// own wazero runtime.
type Loader struct {
	memoryLimitPages uint32
}

// Option configures a Loader.
type Option func(*Loader)

// WithMemoryLimitPages caps plugin linear memory in 64KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(l *Loader) {
		l.memoryLimitPages = pages
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Recognizes reports whether code starts with the WebAssembly magic number.
func (l *Loader) Recognizes(code []byte) bool {
	return bytes.HasPrefix(code, magic)
}

// Load compiles code, links the host functions for host and instantiates
// the module.
func (l *Loader) Load(ctx context.Context, name string, code []byte, host *guest.Host) (guest.Module, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)
	if l.memoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(l.memoryLimitPages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	funcs := &hostFuncs{host: host}
	if err := funcs.register(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	compiled, err := r.CompileModule(ctx, code)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	modConfig := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_start", "_initialize")

	instance, err := r.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}

	return &Module{runtime: r, instance: instance}, nil
}

// Module adapts an instantiated WebAssembly module to the guest hooks.
type Module struct {
	mu       sync.Mutex
	runtime  wazero.Runtime
	instance api.Module
	closed   bool
}

// Install runs the install export.
func (m *Module) Install(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return nil, m.hook(ctx, "install")
}

// OnLoad runs the on_load export.
func (m *Module) OnLoad(ctx context.Context) error { return m.hook(ctx, "on_load") }

// OnReady runs the on_ready export.
func (m *Module) OnReady(ctx context.Context) error { return m.hook(ctx, "on_ready") }

// OnActivate runs the on_activate export.
func (m *Module) OnActivate(ctx context.Context) error { return m.hook(ctx, "on_activate") }

// OnDeactivate runs the on_deactivate export.
func (m *Module) OnDeactivate(ctx context.Context) error { return m.hook(ctx, "on_deactivate") }

// OnUnload runs the on_unload export.
func (m *Module) OnUnload(ctx context.Context) error { return m.hook(ctx, "on_unload") }

// HealthCheck runs the health_check export. Modules without it are healthy.
func (m *Module) HealthCheck(ctx context.Context) (bool, error) {
	results, found, err := m.call(ctx, "health_check")
	if err != nil || !found {
		return true, err
	}
	return len(results) == 0 || results[0] != 0, nil
}

// Close releases the module's runtime.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.runtime.Close(ctx)
}

func (m *Module) hook(ctx context.Context, export string) error {
	results, _, err := m.call(ctx, export)
	if err != nil {
		return err
	}
	if len(results) > 0 && results[0] != 0 {
		return fmt.Errorf("%w: %s returned %d", ErrHookFailed, export, int32(results[0]))
	}
	return nil
}

// call invokes export when present. Module instances are not safe for
// concurrent use, so calls are serialized.
func (m *Module) call(ctx context.Context, export string) ([]uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, errors.New("module closed")
	}
	fn := m.instance.ExportedFunction(export)
	if fn == nil {
		return nil, false, nil
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", export, err)
	}
	return results, true, nil
}

var (
	_ guest.Recognizer     = (*Loader)(nil)
	_ guest.Loader         = (*Loader)(nil)
	_ guest.ActivateHook   = (*Module)(nil)
	_ guest.HealthChecker  = (*Module)(nil)
	_ guest.Closer         = (*Module)(nil)
	_ guest.Installer      = (*Module)(nil)
	_ guest.DeactivateHook = (*Module)(nil)
)
