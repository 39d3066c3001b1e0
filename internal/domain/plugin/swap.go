package plugin

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

// SwapOption adjusts a single ReplaceWithSandboxed call.
type SwapOption func(*swapConfig)

type swapConfig struct {
	preActivated bool
}

// AlreadyActivated tells the swap that the caller has activated next, so the
// activation step is skipped. Rollback still deactivates next.
func AlreadyActivated() SwapOption {
	return func(c *swapConfig) { c.preActivated = true }
}

// ReplaceWithSandboxed makes next the authoritative controller for name.
//
// The old controller is deactivated (failures logged), next is activated,
// then the old controller is unloaded. If activation or unload fails, next
// is deactivated and terminated and the old controller is reactivated, so
// the old record stays authoritative; the returned *SwapError names the
// failing stage. On success the record holds next in StateActivated and the
// bridge routes next's worker. Unless next was activated by the caller, the
// two controllers are never active at the same time.
func (m *Manager) ReplaceWithSandboxed(ctx context.Context, name string, next Controller, mf *manifest.Manifest, opts ...SwapOption) (err error) {
	var cfg swapConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if name == "" {
		return ErrEmptyPluginName
	}
	if next == nil {
		return ErrNilController
	}
	lc, err := newLifecycle()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.swapping[name] {
		m.mu.Unlock()
		lc.Stop()
		return ErrSwapInProgress
	}
	m.swapping[name] = true
	old := m.records[name]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.swapping, name)
		m.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(ctx, "replace failed", ports.F("plugin", name), ports.F("panic", fmt.Sprint(r)))
			m.rollback(ctx, name, next, old)
			lc.Stop()
			err = &SwapError{Name: name, Stage: StagePanic, Err: fmt.Errorf("%v", r)}
		}
	}()

	if old != nil {
		if derr := old.controller.OnDeactivate(ctx); derr != nil {
			m.logger.Warn(ctx, "deactivate failed for retiring plugin", ports.F("plugin", name), ports.Err(derr))
		} else if old.lifecycle.Can(EventDeactivate) {
			_ = old.lifecycle.Fire(EventDeactivate)
		}
	}

	if !cfg.preActivated {
		if aerr := next.OnActivate(ctx); aerr != nil {
			m.logger.Error(ctx, "activating replacement failed", ports.F("plugin", name), ports.Err(aerr))
			m.rollback(ctx, name, next, old)
			lc.Stop()
			return &SwapError{Name: name, Stage: StageActivate, Err: aerr}
		}
	}

	if old != nil {
		if uerr := old.controller.OnUnload(ctx); uerr != nil {
			m.logger.Error(ctx, "failed to unload previous plugin, rolling back", ports.F("plugin", name), ports.Err(uerr))
			m.rollback(ctx, name, next, old)
			lc.Stop()
			return &SwapError{Name: name, Stage: StageUnload, Err: fmt.Errorf("%w: %v", ErrUnloadFailed, uerr)}
		}
	}

	// A fresh lifecycle always accepts activation.
	_ = lc.Fire(EventActivate)

	m.mu.Lock()
	m.records[name] = &entry{name: name, manifest: mf.Clone(), controller: next, sandboxed: true, lifecycle: lc}
	bridge := m.bridge
	m.mu.Unlock()

	if old != nil {
		old.lifecycle.Stop()
	}
	if w := workerOf(next); bridge != nil && w != nil {
		bridge.RegisterWorker(name, w)
	}

	version := ""
	if mf != nil {
		version = mf.Version
	}
	m.logger.Info(ctx, "replaced plugin with new sandboxed version", ports.F("plugin", name), ports.F("version", version))
	return nil
}

// rollback stops next and reactivates the retiring controller. Each step
// logs its own failure and never aborts the others.
func (m *Manager) rollback(ctx context.Context, name string, next Controller, old *entry) {
	if err := next.OnDeactivate(ctx); err != nil {
		m.logger.Error(ctx, "rollback: failed to deactivate new controller", ports.F("plugin", name), ports.Err(err))
	}
	if err := terminate(next); err != nil {
		m.logger.Error(ctx, "rollback: failed to stop new controller", ports.F("plugin", name), ports.Err(err))
	}
	if old == nil {
		return
	}
	if err := old.controller.OnActivate(ctx); err != nil {
		m.logger.Error(ctx, "rollback: failed to reactivate old controller", ports.F("plugin", name), ports.Err(err))
		return
	}
	if old.lifecycle.Can(EventActivate) {
		_ = old.lifecycle.Fire(EventActivate)
	}
}
