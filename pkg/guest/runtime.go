package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/felixgeelhaar/plughost/internal/adapters/ipc"
	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

const (
	// inboxSize bounds queued lifecycle requests.
	inboxSize = 256
	// DefaultBusTimeout applies to BusAPI.Request without an explicit timeout.
	DefaultBusTimeout = 5 * time.Second
)

// ErrNoInvoker indicates the plugin cannot answer invocations.
var ErrNoInvoker = errors.New("plugin does not handle invocations")

// Option configures a Runtime.
type Option func(*Runtime)

// WithProviders replaces the capability providers. Kinds missing from
// providers get an empty API.
func WithProviders(providers map[string]Provider) Option {
	return func(r *Runtime) {
		r.providers = providers
	}
}

// WithProvider adds or replaces the provider for one capability kind.
func WithProvider(kind string, p Provider) Option {
	return func(r *Runtime) {
		if r.providers == nil {
			r.providers = make(map[string]Provider)
		}
		r.providers[kind] = p
	}
}

// WithHTTPClient sets the client used by the network capability.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runtime) {
		r.httpClient = c
	}
}

// WithBusTimeout sets the default bus request timeout.
func WithBusTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.busTimeout = d
	}
}

// WithLogger sets the logger for runtime diagnostics. Plugin log lines go to
// the host, not here.
func WithLogger(l ports.Logger) Option {
	return func(r *Runtime) {
		r.logger = logging.OrNop(l)
	}
}

// Runtime serves one plugin inside an isolated context.
type Runtime struct {
	port       ipc.Worker
	bootstrap  []byte
	loader     Loader
	providers  map[string]Provider
	httpClient *http.Client
	busTimeout time.Duration
	logger     ports.Logger

	bus       *BusAPI
	inbox     chan ipc.Envelope
	stop      chan struct{}
	closeOnce sync.Once

	loadMu sync.Mutex
	env    *Env
	host   *Host
	module Module
}

// NewRuntime creates a runtime answering requests that arrive on port.
// Handlers are registered immediately; requests queue until Serve runs.
func NewRuntime(port ipc.Worker, bootstrap []byte, loader Loader, opts ...Option) *Runtime {
	r := &Runtime{
		port:       port,
		bootstrap:  bootstrap,
		loader:     loader,
		providers:  DefaultProviders(),
		busTimeout: DefaultBusTimeout,
		logger:     logging.NewNopLogger(),
		inbox:      make(chan ipc.Envelope, inboxSize),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.bus = NewBusAPI(port.Post, r.busTimeout)
	port.On(r.receive)
	return r
}

// Serve processes lifecycle requests one at a time until ctx is done, the
// transport closes, or Close is called. It releases capability resources
// before returning.
func (r *Runtime) Serve(ctx context.Context) error {
	defer r.Close()

	var transportDone <-chan struct{}
	if ep, ok := r.port.(ipc.Endpoint); ok {
		transportDone = ep.Done()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-transportDone:
			return nil
		case <-r.stop:
			return nil
		case req := <-r.inbox:
			r.serveLifecycle(ctx, req)
		}
	}
}

// Close stops Serve and runs capability closers. It is safe to call more
// than once.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)

		r.loadMu.Lock()
		defer r.loadMu.Unlock()
		if c, ok := r.module.(Closer); ok {
			if err := c.Close(context.Background()); err != nil {
				r.logger.Warn(context.Background(), "plugin close failed", ports.Err(err))
			}
		}
		if r.env == nil {
			return
		}
		for _, fn := range r.env.closers {
			if err := fn(); err != nil {
				r.logger.Warn(context.Background(), "capability close failed", ports.Err(err))
			}
		}
		r.env.closers = nil
	})
}

// Host returns the capability APIs once the plugin has loaded.
func (r *Runtime) Host() (*Host, bool) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.host, r.module != nil
}

func (r *Runtime) receive(env ipc.Envelope) {
	switch {
	case env.IsLifecycleRequest():
		select {
		case r.inbox <- env:
		case <-r.stop:
		}
	case env.Type == ipc.TypeRPCInvoke:
		go r.serveInvoke(env)
	case env.Type == ipc.TypeRPCResponse:
		r.bus.settle(env)
	}
}

func (r *Runtime) serveLifecycle(ctx context.Context, req ipc.Envelope) {
	result, err := r.dispatch(ctx, req.Action, req.Payload)
	if err != nil {
		r.logger.Debug(ctx, "lifecycle action failed", ports.F("action", req.Action), ports.Err(err))
	}
	if perr := r.port.Post(ipc.LifecycleResponse(req.RequestID, result, err)); perr != nil {
		r.logger.Warn(ctx, "failed to post lifecycle response", ports.F("action", req.Action), ports.Err(perr))
	}
}

// dispatch runs one lifecycle action. A panic in the plugin becomes an error.
func (r *Runtime) dispatch(ctx context.Context, action string, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("plugin panicked during %s: %v", action, p)
		}
	}()

	module, err := r.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}

	switch action {
	case ipc.ActionInstall:
		inst, ok := module.(Installer)
		if !ok {
			return nil, nil
		}
		out, err := inst.Install(ctx, payload)
		if err != nil {
			return nil, err
		}
		return ipc.RawJSON(out)
	case ipc.ActionOnLoad:
		if h, ok := module.(LoadHook); ok {
			return nil, h.OnLoad(ctx)
		}
	case ipc.ActionOnReady:
		if h, ok := module.(ReadyHook); ok {
			return nil, h.OnReady(ctx)
		}
	case ipc.ActionOnActivate:
		if h, ok := module.(ActivateHook); ok {
			return nil, h.OnActivate(ctx)
		}
	case ipc.ActionOnDeactivate:
		if h, ok := module.(DeactivateHook); ok {
			return nil, h.OnDeactivate(ctx)
		}
	case ipc.ActionOnUnload:
		if h, ok := module.(UnloadHook); ok {
			return nil, h.OnUnload(ctx)
		}
	case ipc.ActionHealthCheck:
		healthy := true
		if h, ok := module.(HealthChecker); ok {
			if healthy, err = h.HealthCheck(ctx); err != nil {
				return nil, err
			}
		}
		return ipc.RawJSON(healthy)
	default:
		return nil, fmt.Errorf("Unknown action %s", action) //nolint:staticcheck // surfaced to the host verbatim
	}
	return nil, nil
}

// ensureLoaded loads the plugin on first use. A failed load is retried on
// the next call.
func (r *Runtime) ensureLoaded(ctx context.Context) (Module, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if r.module != nil {
		return r.module, nil
	}

	b, err := ipc.DecodeBootstrap(r.bootstrap)
	if err != nil {
		return nil, err
	}

	env := &Env{
		Plugin:     b.Name,
		Post:       r.port.Post,
		HTTPClient: r.httpClient,
		BusTimeout: r.busTimeout,
		bus:        r.bus,
	}
	host, err := buildHost(ctx, env, b.Grants, r.providers)
	if err != nil {
		runClosers(env)
		return nil, fmt.Errorf("failed to build capabilities: %w", err)
	}

	module, err := r.loader.Load(ctx, b.Name, b.Plugin, host)
	if err != nil {
		runClosers(env)
		return nil, fmt.Errorf("failed to load plugin %s: %w", b.Name, err)
	}
	if a, ok := module.(HostAttacher); ok {
		if err := a.AttachHost(host); err != nil {
			runClosers(env)
			return nil, fmt.Errorf("failed to attach host to %s: %w", b.Name, err)
		}
	}

	r.env, r.host, r.module = env, host, module
	r.logger.Debug(ctx, "plugin loaded", ports.F("plugin", b.Name), ports.F("capabilities", host.Granted()))
	return module, nil
}

func (r *Runtime) serveInvoke(req ipc.Envelope) {
	ctx := context.Background()
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, err := r.invoke(ctx, req.Topic, req.Payload)
	reply := ipc.RPCResult(ipc.TypeResponse, req.RPCID, result)
	if err != nil {
		reply = ipc.RPCFailure(ipc.TypeResponse, req.RPCID, err.Error())
	}
	if perr := r.port.Post(reply); perr != nil {
		r.logger.Warn(ctx, "failed to post invoke response", ports.F("topic", req.Topic), ports.Err(perr))
	}
}

func (r *Runtime) invoke(ctx context.Context, topic string, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("plugin panicked handling %s: %v", topic, p)
		}
	}()

	module, err := r.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	inv, ok := module.(Invoker)
	if !ok {
		return nil, ErrNoInvoker
	}
	out, err := inv.Invoke(ctx, topic, payload)
	if err != nil {
		return nil, err
	}
	return ipc.RawJSON(out)
}

func runClosers(env *Env) {
	for _, fn := range env.closers {
		_ = fn()
	}
	env.closers = nil
}
