// Package sandbox starts plugins in isolated execution contexts and drives
// them through the lifecycle call/response protocol.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/plughost/internal/adapters/ipc"
	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

// DefaultLifecycleTimeout applies to lifecycle calls without an explicit
// timeout.
const DefaultLifecycleTimeout = 8 * time.Second

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithEnvironment sets the isolation environment.
func WithEnvironment(env Environment) Option {
	return func(s *Sandbox) { s.env = env }
}

// WithFetcher sets how plugin code is retrieved.
func WithFetcher(f Fetcher) Option {
	return func(s *Sandbox) { s.fetcher = f }
}

// WithLifecycleTimeout sets the default lifecycle call timeout.
func WithLifecycleTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger. Plugin diagnostics are logged here too.
func WithLogger(l ports.Logger) Option {
	return func(s *Sandbox) { s.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m ports.SandboxMetrics) Option {
	return func(s *Sandbox) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Sandbox creates one isolated execution context per started plugin.
type Sandbox struct {
	env     Environment
	fetcher Fetcher
	cache   *loadCache
	timeout time.Duration
	logger  ports.Logger
	metrics ports.SandboxMetrics
}

// New creates a Sandbox. Without options it runs plugins in-process and
// fetches code from paths and URLs.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		fetcher: DefaultFetcher{},
		cache:   newLoadCache(),
		timeout: DefaultLifecycleTimeout,
		logger:  logging.NewNopLogger(),
		metrics: ports.NopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.env == nil {
		s.env = NewInProcessEnvironment(nil, nil)
	}
	return s
}

// LoadAndVerify fetches the code at entry and checks it against the
// manifest's integrity digest. Cached bytes are reused only when both the
// digest and the manifest version match the cached entry. Nothing is cached
// when verification fails.
func (s *Sandbox) LoadAndVerify(ctx context.Context, entry string, mf *manifest.Manifest) ([]byte, error) {
	var expected, version string
	if mf != nil {
		expected, _ = manifest.ParseIntegrity(mf.Integrity)
		version = mf.Version
	}

	if code, ok := s.cache.lookup(entry, expected, version); ok {
		return code, nil
	}

	code, err := s.fetcher.Fetch(ctx, entry)
	if err != nil {
		return nil, err
	}

	if expected != "" {
		if err := manifest.VerifyIntegrity(expected, code); err != nil {
			s.metrics.IncIntegrityFailures()
			s.logger.Warn(ctx, "plugin integrity check failed", ports.F("entry", entry), ports.Err(err))
			return nil, fmt.Errorf("%w for %s", ErrIntegrityMismatch, entry)
		}
	}

	s.cache.store(entry, cacheEntry{code: code, integrity: expected, version: version})
	return code, nil
}

// StartSandboxedPlugin loads the plugin named by mf and spawns its isolated
// context. Only granted capabilities are handed to the plugin. The plugin
// itself is loaded lazily on the first lifecycle call.
func (s *Sandbox) StartSandboxedPlugin(ctx context.Context, mf *manifest.Manifest, grants []capability.Grant) (*Controller, error) {
	if mf == nil || mf.Entry == "" {
		return nil, ErrNoEntry
	}

	code, err := s.LoadAndVerify(ctx, mf.Entry, mf)
	if err != nil {
		return nil, err
	}

	bootstrap, err := BuildBootstrap(mf.Name, code, grants)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	worker, err := s.env.Spawn(ctx, Spec{ID: id, Name: mf.Name, Bootstrap: bootstrap})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn sandbox for %s: %w", mf.Name, err)
	}

	s.logger.Debug(ctx, "sandbox started", ports.F("plugin", mf.Name), ports.F("sandbox", id), ports.F("version", mf.Version))
	return newController(id, mf.Name, worker, s.timeout, s.logger, s.metrics), nil
}

// BuildBootstrap encodes the payload an isolated context decodes on its
// first message.
func BuildBootstrap(name string, code []byte, grants []capability.Grant) ([]byte, error) {
	wire := make([]ipc.Grant, 0, len(grants))
	for _, g := range capability.Granted(grants) {
		wire = append(wire, ipc.Grant{Name: g.Name, Context: g.Context})
	}
	return ipc.Bootstrap{Name: name, Plugin: code, Grants: wire}.Encode()
}

// CachedEntries returns the number of entries in the load cache.
func (s *Sandbox) CachedEntries() int {
	return s.cache.len()
}
