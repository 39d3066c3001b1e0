// Package plugin owns the registry of installed plugins and the hot-swap
// protocol that replaces a running plugin with a new sandboxed version.
package plugin

import (
	"context"

	"github.com/felixgeelhaar/plughost/internal/adapters/ipc"
)

// Controller drives a running plugin through its activation lifecycle.
type Controller interface {
	OnActivate(ctx context.Context) error
	OnDeactivate(ctx context.Context) error
	OnUnload(ctx context.Context) error
}

// Terminator is implemented by controllers backed by an isolated context
// that can be forcibly stopped.
type Terminator interface {
	Terminate() error
}

// WorkerProvider is implemented by controllers that expose the raw worker
// handle of their isolated context.
type WorkerProvider interface {
	Worker() ipc.Worker
}

// WorkerRegistry routes a plugin's worker traffic. The bridge implements it.
type WorkerRegistry interface {
	RegisterWorker(pluginName string, w ipc.Worker)
	UnregisterWorker(pluginName string)
}

// BusCleaner drops bus state owned by a plugin. The bus implements it.
type BusCleaner interface {
	Unsubscribe(pluginName string)
	RemoveMiddleware(pluginName string) int
}

// Funcs adapts plain functions to a Controller. Nil functions are no-ops.
// It serves plugins running inside the host process.
type Funcs struct {
	Activate   func(ctx context.Context) error
	Deactivate func(ctx context.Context) error
	Unload     func(ctx context.Context) error
}

// OnActivate calls f.Activate.
func (f Funcs) OnActivate(ctx context.Context) error { return call(ctx, f.Activate) }

// OnDeactivate calls f.Deactivate.
func (f Funcs) OnDeactivate(ctx context.Context) error { return call(ctx, f.Deactivate) }

// OnUnload calls f.Unload.
func (f Funcs) OnUnload(ctx context.Context) error { return call(ctx, f.Unload) }

func call(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func workerOf(c Controller) ipc.Worker {
	if wp, ok := c.(WorkerProvider); ok {
		return wp.Worker()
	}
	return nil
}

func terminate(c Controller) error {
	if t, ok := c.(Terminator); ok {
		return t.Terminate()
	}
	return nil
}
