package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/plughost/internal/adapters/ipc"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

// Controller drives one isolated plugin context through the lifecycle
// protocol. Every call gets its own id and timer; a response for an id that
// is no longer pending is dropped.
type Controller struct {
	id      string
	name    string
	worker  ipc.Worker
	timeout time.Duration
	logger  ports.Logger
	metrics ports.SandboxMetrics

	mu         sync.Mutex
	nextID     uint64
	pending    map[uint64]chan ipc.Envelope
	terminated bool
	termOnce   sync.Once
	stopped    chan struct{}
}

func newController(id, name string, worker ipc.Worker, timeout time.Duration, logger ports.Logger, metrics ports.SandboxMetrics) *Controller {
	c := &Controller{
		id:      id,
		name:    name,
		worker:  worker,
		timeout: timeout,
		logger:  logger.With(ports.F("plugin", name), ports.F("sandbox", id)),
		metrics: metrics,
		pending: make(map[uint64]chan ipc.Envelope),
		stopped: make(chan struct{}),
	}
	worker.On(c.handle)

	if ep, ok := worker.(ipc.Endpoint); ok {
		go c.watch(ep.Done())
	}
	return c
}

// ID returns the sandbox instance id.
func (c *Controller) ID() string { return c.id }

// Name returns the plugin name.
func (c *Controller) Name() string { return c.name }

// Worker returns the raw handle over the isolated context.
func (c *Controller) Worker() ipc.Worker { return c.worker }

// Install runs the plugin's install hook with payload and returns its result.
func (c *Controller) Install(ctx context.Context, payload interface{}) (json.RawMessage, error) {
	raw, err := ipc.RawJSON(payload)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, ipc.ActionInstall, raw, 0)
}

// OnLoad runs the onLoad hook.
func (c *Controller) OnLoad(ctx context.Context) error {
	return c.hook(ctx, ipc.ActionOnLoad)
}

// OnReady runs the onReady hook.
func (c *Controller) OnReady(ctx context.Context) error {
	return c.hook(ctx, ipc.ActionOnReady)
}

// OnActivate runs the onActivate hook.
func (c *Controller) OnActivate(ctx context.Context) error {
	return c.hook(ctx, ipc.ActionOnActivate)
}

// OnDeactivate runs the onDeactivate hook.
func (c *Controller) OnDeactivate(ctx context.Context) error {
	return c.hook(ctx, ipc.ActionOnDeactivate)
}

// OnUnload runs the onUnload hook.
func (c *Controller) OnUnload(ctx context.Context) error {
	return c.hook(ctx, ipc.ActionOnUnload)
}

// HealthCheck asks the plugin for its health. Only a JSON true result is
// healthy.
func (c *Controller) HealthCheck(ctx context.Context) (bool, error) {
	res, err := c.Call(ctx, ipc.ActionHealthCheck, nil, 0)
	if err != nil {
		return false, err
	}
	return bytes.Equal(bytes.TrimSpace(res), []byte("true")), nil
}

func (c *Controller) hook(ctx context.Context, action string) error {
	_, err := c.Call(ctx, action, nil, 0)
	return err
}

// Call sends a lifecycle request and waits for its response. A timeout of
// zero uses the controller default.
func (c *Controller) Call(ctx context.Context, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	start := time.Now()

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil, ErrTerminated
	}
	c.nextID++
	id := c.nextID
	ch := make(chan ipc.Envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	res, status, err := c.await(ctx, id, ch, action, payload, timeout)
	c.metrics.ObserveLifecycleCall(action, status, time.Since(start).Seconds())
	return res, err
}

func (c *Controller) await(ctx context.Context, id uint64, ch chan ipc.Envelope, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, string, error) {
	defer c.forget(id)

	if err := c.worker.Post(ipc.LifecycleRequest(id, action, payload)); err != nil {
		return nil, "error", fmt.Errorf("%s: %w", action, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, "terminated", fmt.Errorf("%s: %w", action, ErrTerminated)
		}
		if env.OK {
			return env.Result, "ok", nil
		}
		msg := env.Error
		if msg == "" {
			msg = "worker error"
		}
		return nil, "error", &LifecycleError{Action: action, Message: msg}
	case <-timer.C:
		return nil, "timeout", fmt.Errorf("%w: Worker action %s timed out after %dms", ErrLifecycleTimeout, action, timeout.Milliseconds())
	case <-ctx.Done():
		return nil, "canceled", ctx.Err()
	}
}

func (c *Controller) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Pending returns the number of outstanding calls.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Terminate stops the isolated context. Outstanding calls fail with
// ErrTerminated. Repeated calls are no-ops and errors from an already
// stopped context are logged, not returned.
func (c *Controller) Terminate() error {
	c.termOnce.Do(func() {
		c.failPending()
		if err := c.worker.Terminate(); err != nil {
			c.logger.Debug(context.Background(), "terminate error ignored", ports.Err(err))
		}
		close(c.stopped)
	})
	return nil
}

func (c *Controller) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.terminated = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Controller) watch(done <-chan struct{}) {
	select {
	case <-done:
		c.failPending()
	case <-c.stopped:
	}
}

func (c *Controller) handle(env ipc.Envelope) {
	switch {
	case env.IsLifecycleResponse():
		c.mu.Lock()
		ch, ok := c.pending[env.ResponseID]
		delete(c.pending, env.ResponseID)
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	case env.Type == ipc.TypeHostLog:
		ports.Log(context.Background(), c.logger, ports.ParseLevel(env.Level), env.Message, ports.F("source", "plugin"))
	case env.Type == ipc.TypeEmitEvent:
		c.logger.Info(context.Background(), "plugin event", ports.F("event", env.Name), ports.F("payload", string(env.Payload)))
	}
}
