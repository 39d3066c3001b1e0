// Package app is the composition root of the plugin host. It wires the
// capability manager, message bus, bridge, plugin manager, sandbox and
// upgrade manager from a HostConfig.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/adapters/metrics"
	"github.com/felixgeelhaar/plughost/internal/adapters/registry"
	"github.com/felixgeelhaar/plughost/internal/domain/bridge"
	"github.com/felixgeelhaar/plughost/internal/domain/bus"
	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/domain/config"
	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
	"github.com/felixgeelhaar/plughost/internal/domain/plugin"
	"github.com/felixgeelhaar/plughost/internal/domain/sandbox"
	"github.com/felixgeelhaar/plughost/internal/domain/upgrade"
	"github.com/felixgeelhaar/plughost/internal/ports"
	"github.com/felixgeelhaar/plughost/pkg/guest"
)

// Host errors.
var (
	ErrAlreadyLoaded = errors.New("plugin already loaded")
	ErrNotLoaded     = errors.New("plugin not loaded")
)

// Option configures a Host.
type Option func(*hostOptions)

type hostOptions struct {
	logger   ports.Logger
	natives  *guest.NativeRegistry
	registry upgrade.Registry
	env      sandbox.Environment
	fetcher  sandbox.Fetcher
}

// WithLogger sets the host logger.
func WithLogger(l ports.Logger) Option {
	return func(o *hostOptions) { o.logger = l }
}

// WithNatives replaces the built-in native module registry.
func WithNatives(r *guest.NativeRegistry) Option {
	return func(o *hostOptions) { o.natives = r }
}

// WithRegistry sets the manifest registry consulted for upgrades. It
// overrides the registry section of the configuration.
func WithRegistry(r upgrade.Registry) Option {
	return func(o *hostOptions) { o.registry = r }
}

// WithEnvironment overrides the isolation environment chosen from the
// configuration.
func WithEnvironment(env sandbox.Environment) Option {
	return func(o *hostOptions) { o.env = env }
}

// WithFetcher overrides how plugin code is fetched.
func WithFetcher(f sandbox.Fetcher) Option {
	return func(o *hostOptions) { o.fetcher = f }
}

// Host owns every runtime component of the plugin host.
type Host struct {
	cfg    *config.HostConfig
	logger ports.Logger
	prom   *metrics.Prom

	caps     *capability.Manager
	bus      *bus.Bus
	bridge   *bridge.Bridge
	plugins  *plugin.Manager
	sandbox  *sandbox.Sandbox
	upgrades *upgrade.Manager
}

// NewHost builds a Host from cfg. A nil cfg uses the defaults.
func NewHost(cfg *config.HostConfig, opts ...Option) (*Host, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := hostOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger)
	if o.natives == nil {
		o.natives = DefaultNatives()
	}

	h := &Host{cfg: cfg, logger: logger, prom: metrics.NewProm()}

	h.caps = capability.NewManager(
		capability.WithAuthorizer(TopicPolicy(cfg)),
		capability.WithLogger(logger.With(ports.F("component", "capability"))),
	)
	DefineCapabilities(h.caps, cfg)

	h.bus = bus.New(
		bus.WithAuthorizer(h.caps),
		bus.WithWildcards(cfg.Wildcards),
		bus.WithRequestTimeout(cfg.RPCTimeout.Std()),
		bus.WithLogger(logger.With(ports.F("component", "bus"))),
		bus.WithMetrics(h.prom),
	)
	h.bridge = bridge.New(h.bus, h.caps,
		bridge.WithDefaultTimeout(cfg.RPCTimeout.Std()),
		bridge.WithLogger(logger.With(ports.F("component", "bridge"))),
	)
	h.plugins = plugin.NewManager(
		plugin.WithBridge(h.bridge),
		plugin.WithBus(h.bus),
		plugin.WithLogger(logger.With(ports.F("component", "plugins"))),
	)

	env := o.env
	if env == nil {
		var err error
		env, err = sandbox.SelectEnvironment(cfg.Isolation, cfg.WorkerCommand, nil, o.natives, logger)
		if err != nil {
			return nil, err
		}
	}
	sbOpts := []sandbox.Option{
		sandbox.WithEnvironment(env),
		sandbox.WithLifecycleTimeout(cfg.LifecycleTimeout.Std()),
		sandbox.WithLogger(logger.With(ports.F("component", "sandbox"))),
		sandbox.WithMetrics(h.prom),
	}
	if o.fetcher != nil {
		sbOpts = append(sbOpts, sandbox.WithFetcher(o.fetcher))
	}
	h.sandbox = sandbox.New(sbOpts...)

	reg := o.registry
	if reg == nil {
		if src := registry.FromConfig(cfg.Registry); src != nil {
			reg = src
		} else {
			reg = registry.NewMemory()
		}
	}
	h.upgrades = upgrade.NewManager(h.plugins, reg, upgrade.SandboxLauncher(h.sandbox), h.caps,
		upgrade.WithPolicy(UpgradePolicy(cfg.Upgrade)),
		upgrade.WithLogger(logger.With(ports.F("component", "upgrade"))),
		upgrade.WithMetrics(h.prom),
	)

	if err := h.prom.Register(metrics.NewPluginCollector(h.plugins)); err != nil {
		return nil, fmt.Errorf("register plugin collector: %w", err)
	}
	return h, nil
}

// Config returns the configuration the host was built from.
func (h *Host) Config() *config.HostConfig { return h.cfg }

// Capabilities returns the capability manager.
func (h *Host) Capabilities() *capability.Manager { return h.caps }

// Bus returns the message bus.
func (h *Host) Bus() *bus.Bus { return h.bus }

// Bridge returns the host bridge.
func (h *Host) Bridge() *bridge.Bridge { return h.bridge }

// Plugins returns the plugin manager.
func (h *Host) Plugins() *plugin.Manager { return h.plugins }

// Sandbox returns the sandbox.
func (h *Host) Sandbox() *sandbox.Sandbox { return h.sandbox }

// Upgrades returns the upgrade manager.
func (h *Host) Upgrades() *upgrade.Manager { return h.upgrades }

// MetricsHandler serves the host metrics.
func (h *Host) MetricsHandler() http.Handler { return h.prom.Handler() }

// LoadPlugin grants the requested capabilities, starts mf in a sandbox,
// drives it through install, onLoad and onReady, registers it and
// activates it. Any failure terminates the sandbox and leaves no record.
func (h *Host) LoadPlugin(ctx context.Context, mf *manifest.Manifest) error {
	if err := mf.Validate(); err != nil {
		return err
	}
	if _, ok := h.plugins.GetPluginRecord(mf.Name); ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, mf.Name)
	}

	grants := h.caps.GrantCapabilities(mf.Capabilities, mf.Name)
	for _, g := range grants {
		if !g.Granted {
			h.logger.Warn(ctx, "capability not granted", ports.F("plugin", mf.Name), ports.F("capability", g.Name), ports.F("reason", g.Reason))
		}
	}

	ctrl, err := h.sandbox.StartSandboxedPlugin(ctx, mf, grants)
	if err != nil {
		return fmt.Errorf("start %s: %w", mf.Name, err)
	}

	if err := bringUp(ctx, ctrl); err != nil {
		_ = ctrl.Terminate()
		return fmt.Errorf("load %s: %w", mf.Name, err)
	}

	if err := h.plugins.RegisterPlugin(mf.Name, ctrl, mf, true); err != nil {
		_ = ctrl.Terminate()
		return err
	}
	if err := h.plugins.ActivatePlugin(ctx, mf.Name); err != nil {
		h.plugins.UninstallPlugin(ctx, mf.Name)
		_ = ctrl.Terminate()
		return fmt.Errorf("activate %s: %w", mf.Name, err)
	}

	h.logger.Info(ctx, "plugin loaded", ports.F("plugin", mf.Name), ports.F("version", mf.Version), ports.F("sandbox", ctrl.ID()))
	return nil
}

func bringUp(ctx context.Context, c *sandbox.Controller) error {
	if _, err := c.Install(ctx, nil); err != nil {
		return err
	}
	if err := c.OnLoad(ctx); err != nil {
		return err
	}
	return c.OnReady(ctx)
}

// LoadDir loads every manifest below the configured plugins directory.
// Plugins that fail to load are logged and skipped; their errors are
// joined into the result.
func (h *Host) LoadDir(ctx context.Context) error {
	manifests, err := manifest.LoadDir(h.cfg.PluginsDir)
	if err != nil {
		return err
	}

	var errs []error
	for _, mf := range manifests {
		if err := h.LoadPlugin(ctx, mf); err != nil {
			h.logger.Error(ctx, "plugin failed to load", ports.F("plugin", mf.Name), ports.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnloadPlugin uninstalls name and stops its sandbox.
func (h *Host) UnloadPlugin(ctx context.Context, name string) error {
	rec, ok := h.plugins.GetPluginRecord(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	h.plugins.UninstallPlugin(ctx, name)
	if t, ok := rec.Controller.(plugin.Terminator); ok {
		if err := t.Terminate(); err != nil {
			h.logger.Debug(ctx, "terminate failed", ports.F("plugin", name), ports.Err(err))
		}
	}
	return nil
}

// Shutdown aborts pending shadows and unloads every plugin.
func (h *Host) Shutdown(ctx context.Context) {
	for _, s := range h.upgrades.ListShadows() {
		h.upgrades.AbortShadow(ctx, s.Name)
	}
	for _, name := range h.plugins.ListInstalled() {
		_ = h.UnloadPlugin(ctx, name)
	}
	h.logger.Info(ctx, "host stopped")
}
