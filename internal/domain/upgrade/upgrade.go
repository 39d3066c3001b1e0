package upgrade

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
	"github.com/felixgeelhaar/plughost/internal/domain/plugin"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

// Outcomes recorded by the upgrade metrics.
const (
	OutcomeShadowStarted = "shadow_started"
	OutcomeBringUpFailed = "bring_up_failed"
	OutcomeUnhealthy     = "unhealthy"
	OutcomePromoted      = "promoted"
	OutcomePromoteFailed = "promote_failed"
	OutcomeAborted       = "aborted"
)

// Policy tunes the automatic upgrade flow.
type Policy struct {
	// AutoApply lets ApplyUpdates upgrade plugins without operator action.
	AutoApply bool
	// MaxRetries is the number of extra health checks after a failed one.
	MaxRetries int
	// StagedPercent limits ApplyUpdates to a stable share of plugins.
	StagedPercent int
	// HealthTimeout bounds one health check.
	HealthTimeout time.Duration
	// RetryInterval is the pause between health checks.
	RetryInterval time.Duration
}

// DefaultPolicy returns the defaults: manual apply, one retry, every plugin
// eligible, 8s health timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    1,
		StagedPercent: 100,
		HealthTimeout: 8 * time.Second,
		RetryInterval: 500 * time.Millisecond,
	}
}

// Shadow is a candidate brought up beside the live plugin.
type Shadow struct {
	Name      string
	Manifest  *manifest.Manifest
	Candidate Candidate
	StartedAt time.Time
	Attempts  int
}

// ShadowInfo is the diagnostic view of a shadow.
type ShadowInfo struct {
	Name      string
	Version   string
	StartedAt time.Time
	Attempts  int
}

// UpdateInfo reports a plugin whose registry version differs from the
// installed one.
type UpdateInfo struct {
	Name      string
	Current   string
	Available string
	Manifest  *manifest.Manifest
}

// Newer reports whether Available sorts after Current as semantic
// versions. It is false when either is not a valid version.
func (u UpdateInfo) Newer() bool {
	cur, avail := canonical(u.Current), canonical(u.Available)
	if !semver.IsValid(cur) || !semver.IsValid(avail) {
		return false
	}
	return semver.Compare(avail, cur) > 0
}

func canonical(v string) string {
	if v == "" || v[0] == 'v' {
		return v
	}
	return "v" + v
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the upgrade policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l ports.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt ports.UpgradeMetrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// Manager runs shadow upgrades.
type Manager struct {
	plugins  *plugin.Manager
	registry Registry
	launcher Launcher
	grants   Granter
	policy   Policy
	logger   ports.Logger
	metrics  ports.UpgradeMetrics
	now      func() time.Time

	mu      sync.Mutex
	shadows map[string]*Shadow
}

// NewManager creates a Manager.
func NewManager(plugins *plugin.Manager, registry Registry, launcher Launcher, grants Granter, opts ...Option) *Manager {
	m := &Manager{
		plugins:  plugins,
		registry: registry,
		launcher: launcher,
		grants:   grants,
		policy:   DefaultPolicy(),
		logger:   logging.NewNopLogger(),
		metrics:  ports.NopMetrics{},
		now:      time.Now,
		shadows:  make(map[string]*Shadow),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// CheckForUpdates lists installed plugins whose registry version differs
// from the installed version. Plugins unknown to the registry are skipped.
func (m *Manager) CheckForUpdates(ctx context.Context) ([]UpdateInfo, error) {
	var out []UpdateInfo
	for _, name := range m.plugins.ListInstalled() {
		rec, ok := m.plugins.GetPluginRecord(name)
		if !ok {
			continue
		}
		mf, err := m.registry.GetManifest(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("registry lookup for %s: %w", name, err)
		}
		if mf == nil {
			continue
		}
		if mf.Version != rec.Version {
			out = append(out, UpdateInfo{Name: name, Current: rec.Version, Available: mf.Version, Manifest: mf})
		}
	}
	return out, nil
}

// StartShadowUpgrade brings up the registry's candidate for name through
// install, onLoad and onReady. Grants are derived from the candidate's own
// capability list. A failed bring-up terminates the candidate and leaves no
// shadow behind. A shadow already present for name is terminated and
// replaced.
func (m *Manager) StartShadowUpgrade(ctx context.Context, name string) error {
	mf, err := m.registry.GetManifest(ctx, name)
	if err != nil {
		return fmt.Errorf("registry lookup for %s: %w", name, err)
	}
	if mf == nil {
		return fmt.Errorf("%w: %s", ErrManifestNotFound, name)
	}
	if mf.Entry == "" {
		return fmt.Errorf("%w: %s", ErrNoEntry, name)
	}

	grants := m.grants.GrantCapabilities(mf.Capabilities, name)

	c, err := m.launcher.Launch(ctx, mf, grants)
	if err != nil {
		m.metrics.IncUpgrades(name, OutcomeBringUpFailed)
		return fmt.Errorf("%w: %s: %w", ErrBringUp, name, err)
	}

	if err := bringUp(ctx, c); err != nil {
		m.stop(ctx, name, c)
		m.metrics.IncUpgrades(name, OutcomeBringUpFailed)
		return fmt.Errorf("%w: %s: %w", ErrBringUp, name, err)
	}

	m.mu.Lock()
	prev := m.shadows[name]
	m.shadows[name] = &Shadow{Name: name, Manifest: mf.Clone(), Candidate: c, StartedAt: m.now()}
	m.mu.Unlock()

	if prev != nil {
		m.logger.Warn(ctx, "replacing unfinished shadow", ports.F("plugin", name), ports.F("version", prev.Manifest.Version))
		m.stop(ctx, name, prev.Candidate)
	}

	m.metrics.IncUpgrades(name, OutcomeShadowStarted)
	m.logger.Info(ctx, "shadow started", ports.F("plugin", name), ports.F("version", mf.Version))
	return nil
}

func bringUp(ctx context.Context, c Candidate) error {
	if _, err := c.Install(ctx, nil); err != nil {
		return err
	}
	if err := c.OnLoad(ctx); err != nil {
		return err
	}
	return c.OnReady(ctx)
}

// RunHealthCheck health-checks the shadow for name. A timeout of zero uses the
// policy timeout. Failures of the check, including timeouts, yield false
// and are logged; only a missing shadow is an error.
func (m *Manager) RunHealthCheck(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	s, ok := m.shadows[name]
	if ok {
		s.Attempts++
	}
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoShadow, name)
	}

	if timeout <= 0 {
		timeout = m.policy.HealthTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		healthy bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("health check panicked: %v", r)}
			}
		}()
		healthy, err := s.Candidate.HealthCheck(hctx)
		done <- result{healthy: healthy, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			m.logger.Warn(ctx, "shadow health check failed", ports.F("plugin", name), ports.Err(r.err))
			return false, nil
		}
		if !r.healthy {
			m.logger.Warn(ctx, "shadow reported unhealthy", ports.F("plugin", name))
		}
		return r.healthy, nil
	case <-hctx.Done():
		m.logger.Warn(ctx, "shadow health check timed out", ports.F("plugin", name), ports.F("timeout", timeout.String()))
		return false, nil
	}
}

// PromoteShadow activates the shadow and swaps it in as the authoritative
// controller, then stops the isolate of the retired instance. Any failure terminates and discards the shadow and reports
// false; only a missing shadow is an error.
func (m *Manager) PromoteShadow(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	s, ok := m.shadows[name]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoShadow, name)
	}

	if err := s.Candidate.OnActivate(ctx); err != nil {
		m.logger.Warn(ctx, "shadow activation failed", ports.F("plugin", name), ports.Err(err))
		m.discard(ctx, s)
		m.metrics.IncUpgrades(name, OutcomePromoteFailed)
		return false, nil
	}

	retiring, hadRecord := m.plugins.GetPluginRecord(name)
	if err := m.plugins.ReplaceWithSandboxed(ctx, name, s.Candidate, s.Manifest, plugin.AlreadyActivated()); err != nil {
		m.logger.Warn(ctx, "shadow promotion failed", ports.F("plugin", name), ports.Err(err))
		m.discard(ctx, s)
		m.metrics.IncUpgrades(name, OutcomePromoteFailed)
		return false, nil
	}

	// The retired instance is unloaded by the swap; its isolate is ours to stop.
	if t, ok := retiring.Controller.(plugin.Terminator); hadRecord && ok {
		if err := t.Terminate(); err != nil {
			m.logger.Debug(ctx, "terminate retired instance failed", ports.F("plugin", name), ports.Err(err))
		}
	}

	m.forget(s)
	m.metrics.IncUpgrades(name, OutcomePromoted)
	m.logger.Info(ctx, "shadow promoted", ports.F("plugin", name), ports.F("version", s.Manifest.Version))
	return true, nil
}

// AbortShadow terminates and discards the shadow for name. It reports
// whether a shadow existed.
func (m *Manager) AbortShadow(ctx context.Context, name string) bool {
	m.mu.Lock()
	s, ok := m.shadows[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.discard(ctx, s)
	m.metrics.IncUpgrades(name, OutcomeAborted)
	return true
}

// ListShadows returns the current shadows sorted by plugin name.
func (m *Manager) ListShadows() []ShadowInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ShadowInfo, 0, len(m.shadows))
	for _, s := range m.shadows {
		info := ShadowInfo{Name: s.Name, StartedAt: s.StartedAt, Attempts: s.Attempts}
		if s.Manifest != nil {
			info.Version = s.Manifest.Version
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Upgrade runs the whole flow for name: start a shadow, health-check it up
// to 1+MaxRetries times, then promote it or abort it. It reports whether
// the candidate was promoted.
func (m *Manager) Upgrade(ctx context.Context, name string) (bool, error) {
	if err := m.StartShadowUpgrade(ctx, name); err != nil {
		return false, err
	}

	healthy := false
	for attempt := 0; attempt <= m.policy.MaxRetries; attempt++ {
		if attempt > 0 && m.policy.RetryInterval > 0 {
			select {
			case <-time.After(m.policy.RetryInterval):
			case <-ctx.Done():
				m.AbortShadow(context.Background(), name)
				return false, ctx.Err()
			}
		}
		ok, err := m.RunHealthCheck(ctx, name, 0)
		if err != nil {
			return false, err
		}
		if ok {
			healthy = true
			break
		}
	}

	if !healthy {
		m.discardNamed(ctx, name)
		m.metrics.IncUpgrades(name, OutcomeUnhealthy)
		return false, nil
	}
	return m.PromoteShadow(ctx, name)
}

// Result is the outcome of one automatic upgrade.
type Result struct {
	Name     string
	From     string
	To       string
	Promoted bool
	Err      error
}

// ApplyUpdates upgrades every plugin with an available update when the
// policy allows automatic application. StagedPercent selects a stable
// subset of plugin names.
func (m *Manager) ApplyUpdates(ctx context.Context) ([]Result, error) {
	if !m.policy.AutoApply {
		return nil, nil
	}

	updates, err := m.CheckForUpdates(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, u := range updates {
		if !inStage(u.Name, m.policy.StagedPercent) {
			m.logger.Debug(ctx, "update held back by staged rollout", ports.F("plugin", u.Name))
			continue
		}
		promoted, err := m.Upgrade(ctx, u.Name)
		results = append(results, Result{Name: u.Name, From: u.Current, To: u.Available, Promoted: promoted, Err: err})
	}
	return results, nil
}

// inStage places name in one of 100 buckets and admits the first percent.
func inStage(name string, percent int) bool {
	if percent >= 100 {
		return true
	}
	if percent <= 0 {
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32()%100) < percent
}

// discard terminates s and removes it if it is still the current shadow.
func (m *Manager) discard(ctx context.Context, s *Shadow) {
	m.forget(s)
	m.stop(ctx, s.Name, s.Candidate)
}

func (m *Manager) discardNamed(ctx context.Context, name string) {
	m.mu.Lock()
	s, ok := m.shadows[name]
	m.mu.Unlock()
	if ok {
		m.discard(ctx, s)
	}
}

func (m *Manager) forget(s *Shadow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shadows[s.Name] == s {
		delete(m.shadows, s.Name)
	}
}

func (m *Manager) stop(ctx context.Context, name string, c Candidate) {
	if err := c.Terminate(); err != nil {
		m.logger.Debug(ctx, "terminate candidate failed", ports.F("plugin", name), ports.Err(err))
	}
}
