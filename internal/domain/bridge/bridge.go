// Package bridge connects isolated plugin contexts to the message bus.
//
// Every plugin message crossing the isolation boundary is checked against
// the capability verifier before it reaches the bus. The bridge also tracks
// host-initiated invocations targeted at a single plugin.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/plughost/internal/adapters/ipc"
	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/domain/bus"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

// DefaultTimeout applies to plugin requests and invocations without a timeout.
const DefaultTimeout = 5 * time.Second

// Denial messages sent back to plugins.
const (
	msgPublishDenied = "publish denied"
	msgRPCDenied     = "rpc denied"
	msgResponseError = "worker response error"
)

var (
	// ErrInvokeTimeout indicates a targeted plugin did not answer in time.
	ErrInvokeTimeout = errors.New("invokeOnPlugin timeout")
)

// Verifier authorizes plugin traffic. capability.Manager implements it.
type Verifier interface {
	VerifyPublish(ctx context.Context, pluginName, topic string) (bool, error)
	VerifyRPC(ctx context.Context, pluginName, topic string) (bool, error)
}

type pendingCall struct {
	done chan ipc.Envelope
}

// Bridge mediates between plugin workers and the bus.
type Bridge struct {
	bus      *bus.Bus
	verifier Verifier
	logger   ports.Logger
	timeout  time.Duration

	mu      sync.Mutex
	workers map[string]ipc.Worker
	pending map[string]*pendingCall
	nextRPC atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l ports.Logger) Option {
	return func(b *Bridge) { b.logger = logging.OrNop(l) }
}

// WithDefaultTimeout sets the timeout used when a request carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// New creates a Bridge over messageBus using verifier for authorization.
func New(messageBus *bus.Bus, verifier Verifier, opts ...Option) *Bridge {
	b := &Bridge{
		bus:      messageBus,
		verifier: verifier,
		logger:   logging.NewNopLogger(),
		timeout:  DefaultTimeout,
		workers:  make(map[string]ipc.Worker),
		pending:  make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterWorker routes messages from w on behalf of pluginName. A previous
// registration for the same name is overwritten with a warning; messages
// from the overwritten worker are still answered on that worker.
func (b *Bridge) RegisterWorker(pluginName string, w ipc.Worker) {
	b.mu.Lock()
	_, existed := b.workers[pluginName]
	b.workers[pluginName] = w
	b.mu.Unlock()

	if existed {
		b.logger.Warn(context.Background(), "overwriting worker", ports.F("plugin", pluginName))
	}
	in := &inbox{}
	w.On(func(env ipc.Envelope) {
		b.handle(context.Background(), pluginName, w, in, env)
	})
}

// UnregisterWorker terminates and forgets the worker for pluginName.
// Termination errors are logged and otherwise ignored.
func (b *Bridge) UnregisterWorker(pluginName string) {
	b.mu.Lock()
	w, ok := b.workers[pluginName]
	delete(b.workers, pluginName)
	b.mu.Unlock()

	if !ok {
		return
	}
	if err := w.Terminate(); err != nil {
		b.logger.Debug(context.Background(), "terminate on unregister failed", ports.F("plugin", pluginName), ports.Err(err))
	}
}

// Worker returns the worker registered for pluginName.
func (b *Bridge) Worker(pluginName string) (ipc.Worker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[pluginName]
	return w, ok
}

// Workers returns the registered plugin names, sorted.
func (b *Bridge) Workers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.workers))
	for name := range b.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pending returns the number of outstanding invocations.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// InvokeOnPlugin sends topic and payload to the worker registered for target
// and waits for its bus:response. Without a registered worker it falls back
// to a bus request from the host. A timeout of zero uses the default.
func (b *Bridge) InvokeOnPlugin(ctx context.Context, target, topic string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.timeout
	}

	w, ok := b.Worker(target)
	if target == "" || !ok {
		result, err := b.bus.Request(ctx, "", topic, payload, timeout)
		if err != nil {
			return nil, err
		}
		return ipc.RawJSON(result)
	}

	raw, err := ipc.RawJSON(payload)
	if err != nil {
		return nil, err
	}

	rpcID := b.newRPCID()
	call := &pendingCall{done: make(chan ipc.Envelope, 1)}
	b.mu.Lock()
	b.pending[rpcID] = call
	b.mu.Unlock()
	defer b.forget(rpcID)

	env := ipc.Envelope{
		Type:      ipc.TypeRPCInvoke,
		RPCID:     rpcID,
		Topic:     topic,
		Payload:   raw,
		TimeoutMs: timeout.Milliseconds(),
	}
	if err := w.Post(env); err != nil {
		return nil, fmt.Errorf("failed to post invoke to %s: %w", target, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-call.done:
		if err := resp.Err(msgResponseError); err != nil {
			return nil, err
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, ErrInvokeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// newRPCID returns an id unique for the lifetime of the process. The counter
// alone guarantees uniqueness; the timestamp only aids debugging.
func (b *Bridge) newRPCID() string {
	return fmt.Sprintf("rpc_%d_%d", time.Now().UnixMilli(), b.nextRPC.Add(1))
}

func (b *Bridge) forget(rpcID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, rpcID)
}

// settle completes the pending call for env.RPCID. Unknown ids are ignored.
func (b *Bridge) settle(env ipc.Envelope) {
	b.mu.Lock()
	call, ok := b.pending[env.RPCID]
	delete(b.pending, env.RPCID)
	b.mu.Unlock()

	if ok {
		call.done <- env
	}
}
