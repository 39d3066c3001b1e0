package upgrade

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
	"github.com/felixgeelhaar/plughost/internal/domain/plugin"
	"github.com/felixgeelhaar/plughost/internal/domain/sandbox"
	"github.com/felixgeelhaar/plughost/internal/ports"
	"github.com/felixgeelhaar/plughost/pkg/guest"
)

type memRegistry struct {
	mu        sync.Mutex
	manifests map[string]*manifest.Manifest
	err       error
}

func (r *memRegistry) GetManifest(_ context.Context, name string) (*manifest.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.manifests[name].Clone(), nil
}

type fakeCandidate struct {
	mu         sync.Mutex
	calls      []string
	errs       map[string]error
	healthy    bool
	healthErr  error
	hang       bool
	terminated int
}

func newCandidate() *fakeCandidate {
	return &fakeCandidate{errs: map[string]error{}, healthy: true}
}

func (c *fakeCandidate) hook(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	return c.errs[name]
}

func (c *fakeCandidate) Install(context.Context, interface{}) (json.RawMessage, error) {
	return nil, c.hook("install")
}
func (c *fakeCandidate) OnLoad(context.Context) error       { return c.hook("onLoad") }
func (c *fakeCandidate) OnReady(context.Context) error      { return c.hook("onReady") }
func (c *fakeCandidate) OnActivate(context.Context) error   { return c.hook("onActivate") }
func (c *fakeCandidate) OnDeactivate(context.Context) error { return c.hook("onDeactivate") }
func (c *fakeCandidate) OnUnload(context.Context) error     { return c.hook("onUnload") }

func (c *fakeCandidate) HealthCheck(ctx context.Context) (bool, error) {
	_ = c.hook("healthCheck")
	if c.hang {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return true, nil
	}
	return c.healthy, c.healthErr
}

func (c *fakeCandidate) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated++
	return nil
}

func (c *fakeCandidate) journal() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeCandidate) terminations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *countingMetrics) IncUpgrades(plugin, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, plugin+":"+outcome)
}

func (m *countingMetrics) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}

type fixture struct {
	plugins    *plugin.Manager
	registry   *memRegistry
	candidates []*fakeCandidate
	grants     [][]capability.Grant
	launchErr  error
	prepare    func(*fakeCandidate)
	metrics    *countingMetrics
	logger     *logging.Recorder
	mu         sync.Mutex
	manager    *Manager
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()

	f := &fixture{
		plugins:  plugin.NewManager(),
		registry: &memRegistry{manifests: map[string]*manifest.Manifest{}},
		metrics:  &countingMetrics{},
		logger:   logging.NewRecorder(),
	}

	caps := capability.NewManager()
	caps.DefineCapability(capability.Logger, capability.PolicyEntry{Allowed: true})
	caps.DefineCapability(capability.Network, capability.PolicyEntry{Allowed: false})

	launcher := LauncherFunc(func(_ context.Context, _ *manifest.Manifest, grants []capability.Grant) (Candidate, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.grants = append(f.grants, grants)
		if f.launchErr != nil {
			return nil, f.launchErr
		}
		c := newCandidate()
		if f.prepare != nil {
			f.prepare(c)
		}
		f.candidates = append(f.candidates, c)
		return c, nil
	})

	f.manager = NewManager(f.plugins, f.registry, launcher, caps,
		WithPolicy(policy), WithMetrics(f.metrics), WithLogger(f.logger))
	return f
}

func (f *fixture) install(t *testing.T, name, version string) {
	t.Helper()
	mf := &manifest.Manifest{Name: name, Version: version, Entry: "native:" + name}
	require.NoError(t, f.plugins.RegisterPlugin(name, plugin.Funcs{}, mf, false))
}

func (f *fixture) publish(name, version string, caps ...string) {
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	f.registry.manifests[name] = &manifest.Manifest{Name: name, Version: version, Entry: "native:" + name, Capabilities: caps}
}

func (f *fixture) candidate(i int) *fakeCandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidates[i]
}

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.HealthTimeout = 200 * time.Millisecond
	p.RetryInterval = 0
	return p
}

func TestUpdateInfo_Newer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		current, available string
		want               bool
	}{
		{"1.0.0", "1.1.0", true},
		{"v1.2.0", "1.10.0", true},
		{"2.0.0", "1.9.9", false},
		{"1.0.0", "1.0.0", false},
		{"1.0.0", "latest", false},
		{"", "1.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.current+"->"+tt.available, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, UpdateInfo{Current: tt.current, Available: tt.available}.Newer())
		})
	}
}

func TestCheckForUpdates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastPolicy())
	f.install(t, "alpha", "1.0.0")
	f.install(t, "beta", "2.0.0")
	f.install(t, "gamma", "1.0.0")
	f.publish("alpha", "1.1.0")
	f.publish("beta", "2.0.0")
	// Downgrades are reported too; the comparison is plain inequality.
	f.publish("gamma", "0.9.0")

	updates, err := f.manager.CheckForUpdates(context.Background())
	require.NoError(t, err)
	sort.Slice(updates, func(i, j int) bool { return updates[i].Name < updates[j].Name })

	require.Len(t, updates, 2)
	assert.Equal(t, "alpha", updates[0].Name)
	assert.Equal(t, "1.0.0", updates[0].Current)
	assert.Equal(t, "1.1.0", updates[0].Available)
	assert.True(t, updates[0].Newer())
	assert.Equal(t, "gamma", updates[1].Name)
	assert.False(t, updates[1].Newer())
}

func TestCheckForUpdates_RegistryError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastPolicy())
	f.install(t, "alpha", "1.0.0")
	f.registry.err = errors.New("registry down")

	_, err := f.manager.CheckForUpdates(context.Background())
	assert.ErrorContains(t, err, "registry down")
}

func TestStartShadowUpgrade(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastPolicy())
	f.install(t, "alpha", "1.0.0")
	f.publish("alpha", "1.1.0", capability.Logger, capability.Network)

	require.NoError(t, f.manager.StartShadowUpgrade(context.Background(), "alpha"))

	assert.Equal(t, []string{"install", "onLoad", "onReady"}, f.candidate(0).journal())

	require.Len(t, f.grants, 1)
	require.Len(t, f.grants[0], 2)
	assert.True(t, f.grants[0][0].Granted)
	assert.False(t, f.grants[0][1].Granted)

	shadows := f.manager.ListShadows()
	require.Len(t, shadows, 1)
	assert.Equal(t, "alpha", shadows[0].Name)
	assert.Equal(t, "1.1.0", shadows[0].Version)

	// The live record is untouched until promotion.
	rec, _ := f.plugins.GetPluginRecord("alpha")
	assert.Equal(t, "1.0.0", rec.Version)
	assert.Equal(t, []string{"alpha:" + OutcomeShadowStarted}, f.metrics.snapshot())
}

func TestStartShadowUpgrade_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing manifest", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPolicy())
		err := f.manager.StartShadowUpgrade(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrManifestNotFound)
	})

	t.Run("manifest without entry", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPolicy())
		f.registry.manifests["alpha"] = &manifest.Manifest{Name: "alpha", Version: "2.0.0"}
		err := f.manager.StartShadowUpgrade(context.Background(), "alpha")
		assert.ErrorIs(t, err, ErrNoEntry)
	})

	t.Run("launch failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPolicy())
		f.publish("alpha", "2.0.0")
		f.launchErr = errors.New("spawn failed")
		err := f.manager.StartShadowUpgrade(context.Background(), "alpha")
		assert.ErrorIs(t, err, ErrBringUp)
		assert.Empty(t, f.manager.ListShadows())
	})

	t.Run("bring-up failure terminates candidate", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPolicy())
		f.publish("alpha", "2.0.0")
		f.prepare = func(c *fakeCandidate) { c.errs["onLoad"] = errors.New("no config") }

		err := f.manager.StartShadowUpgrade(context.Background(), "alpha")
		require.ErrorIs(t, err, ErrBringUp)
		assert.ErrorContains(t, err, "no config")
		assert.Equal(t, []string{"install", "onLoad"}, f.candidate(0).journal())
		assert.Equal(t, 1, f.candidate(0).terminations())
		assert.Empty(t, f.manager.ListShadows())
		assert.Equal(t, []string{"alpha:" + OutcomeBringUpFailed}, f.metrics.snapshot())
	})
}

func TestStartShadowUpgrade_ReplacesPreviousShadow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastPolicy())
	f.publish("alpha", "2.0.0")
	ctx := context.Background()

	require.NoError(t, f.manager.StartShadowUpgrade(ctx, "alpha"))
	require.NoError(t, f.manager.StartShadowUpgrade(ctx, "alpha"))

	assert.Equal(t, 1, f.candidate(0).terminations())
	assert.Equal(t, 0, f.candidate(1).terminations())
	assert.Len(t, f.manager.ListShadows(), 1)
}

func TestRunHealthCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(*fakeCandidate)
		want    bool
	}{
		{name: "healthy", prepare: func(*fakeCandidate) {}, want: true},
		{name: "unhealthy", prepare: func(c *fakeCandidate) { c.healthy = false }, want: false},
		{name: "health check error", prepare: func(c *fakeCandidate) { c.healthErr = errors.New("crashed") }, want: false},
		{name: "timeout", prepare: func(c *fakeCandidate) { c.hang = true }, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, fastPolicy())
			f.install(t, "alpha", "1.0.0")
			f.publish("alpha", "2.0.0")
			f.prepare = tt.prepare
			live, ok := f.plugins.GetPluginRecord("alpha")
			require.True(t, ok)
			require.NoError(t, f.manager.StartShadowUpgrade(context.Background(), "alpha"))

			healthy, err := f.manager.RunHealthCheck(context.Background(), "alpha", 50*time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, healthy)
			assert.Equal(t, 1, f.manager.ListShadows()[0].Attempts)
			if !tt.want {
				assert.NotEmpty(t, f.logger.Entries())
			}

			after, ok := f.plugins.GetPluginRecord("alpha")
			require.True(t, ok)
			assert.Equal(t, live, after, "a health check never touches the live record")
			assert.Equal(t, 0, f.candidate(0).terminations())
		})
	}
}

func TestRunHealthCheck_NoShadow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastPolicy())
	_, err := f.manager.RunHealthCheck(context.Background(), "alpha", 0)
	assert.ErrorIs(t, err, ErrNoShadow)
	assert.EqualError(t, err, "no shadow candidate: alpha")
}

func TestPromoteShadow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastPolicy())
	f.install(t, "alpha", "1.0.0")
	f.publish("alpha", "1.1.0")
	ctx := context.Background()

	require.NoError(t, f.manager.StartShadowUpgrade(ctx, "alpha"))
	promoted, err := f.manager.PromoteShadow(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, promoted)

	// Activated exactly once, before the swap.
	assert.Equal(t, []string{"install", "onLoad", "onReady", "onActivate"}, f.candidate(0).journal())

	rec, ok := f.plugins.GetPluginRecord("alpha")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", rec.Version)
	assert.True(t, rec.Sandboxed)
	assert.Equal(t, plugin.StateActivated, rec.State)
	assert.Empty(t, f.manager.ListShadows())

	_, err = f.manager.PromoteShadow(ctx, "alpha")
	assert.ErrorIs(t, err, ErrNoShadow)
}

func TestPromoteShadow_ActivationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastPolicy())
	f.install(t, "alpha", "1.0.0")
	f.publish("alpha", "1.1.0")
	f.prepare = func(c *fakeCandidate) { c.errs["onActivate"] = errors.New("refused") }
	ctx := context.Background()

	require.NoError(t, f.manager.StartShadowUpgrade(ctx, "alpha"))
	promoted, err := f.manager.PromoteShadow(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, promoted)

	assert.Equal(t, 1, f.candidate(0).terminations())
	assert.Empty(t, f.manager.ListShadows())

	rec, _ := f.plugins.GetPluginRecord("alpha")
	assert.Equal(t, "1.0.0", rec.Version)
	assert.False(t, rec.Sandboxed)
	assert.True(t, f.logger.Contains(ports.LevelWarn, "shadow activation failed"))
}

type unloadFails struct{ plugin.Funcs }

func (unloadFails) OnUnload(context.Context) error { return errors.New("stuck") }

func TestPromoteShadow_SwapFailureKeepsOldVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastPolicy())
	mf := &manifest.Manifest{Name: "alpha", Version: "1.0.0", Entry: "native:alpha"}
	require.NoError(t, f.plugins.RegisterPlugin("alpha", unloadFails{}, mf, false))
	f.publish("alpha", "1.1.0")
	ctx := context.Background()

	require.NoError(t, f.manager.StartShadowUpgrade(ctx, "alpha"))
	promoted, err := f.manager.PromoteShadow(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, promoted)

	rec, _ := f.plugins.GetPluginRecord("alpha")
	assert.Equal(t, "1.0.0", rec.Version)
	assert.Empty(t, f.manager.ListShadows())
	assert.GreaterOrEqual(t, f.candidate(0).terminations(), 1)
	assert.Contains(t, f.metrics.snapshot(), "alpha:"+OutcomePromoteFailed)
}

func TestAbortShadow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastPolicy())
	f.publish("alpha", "2.0.0")
	ctx := context.Background()

	assert.False(t, f.manager.AbortShadow(ctx, "alpha"))
	require.NoError(t, f.manager.StartShadowUpgrade(ctx, "alpha"))
	assert.True(t, f.manager.AbortShadow(ctx, "alpha"))
	assert.Equal(t, 1, f.candidate(0).terminations())
	assert.Empty(t, f.manager.ListShadows())

	promoted, err := f.manager.PromoteShadow(ctx, "alpha")
	assert.False(t, promoted)
	require.ErrorIs(t, err, ErrNoShadow)
	assert.EqualError(t, err, "no shadow candidate: alpha")
}

func TestUpgrade(t *testing.T) {
	t.Parallel()

	t.Run("healthy candidate is promoted", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPolicy())
		f.install(t, "alpha", "1.0.0")
		f.publish("alpha", "1.1.0")

		promoted, err := f.manager.Upgrade(context.Background(), "alpha")
		require.NoError(t, err)
		assert.True(t, promoted)
		rec, _ := f.plugins.GetPluginRecord("alpha")
		assert.Equal(t, "1.1.0", rec.Version)
	})

	t.Run("unhealthy candidate is retried then aborted", func(t *testing.T) {
		t.Parallel()
		policy := fastPolicy()
		policy.MaxRetries = 2
		f := newFixture(t, policy)
		f.install(t, "alpha", "1.0.0")
		f.publish("alpha", "1.1.0")
		f.prepare = func(c *fakeCandidate) { c.healthy = false }

		promoted, err := f.manager.Upgrade(context.Background(), "alpha")
		require.NoError(t, err)
		assert.False(t, promoted)

		checks := 0
		for _, call := range f.candidate(0).journal() {
			if call == "healthCheck" {
				checks++
			}
		}
		assert.Equal(t, 3, checks)
		assert.Equal(t, 1, f.candidate(0).terminations())
		assert.Contains(t, f.metrics.snapshot(), "alpha:"+OutcomeUnhealthy)

		rec, _ := f.plugins.GetPluginRecord("alpha")
		assert.Equal(t, "1.0.0", rec.Version)
	})
}

func TestApplyUpdates(t *testing.T) {
	t.Parallel()

	t.Run("manual policy does nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, fastPolicy())
		f.install(t, "alpha", "1.0.0")
		f.publish("alpha", "1.1.0")

		results, err := f.manager.ApplyUpdates(context.Background())
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Empty(t, f.manager.ListShadows())
	})

	t.Run("auto apply upgrades every plugin", func(t *testing.T) {
		t.Parallel()
		policy := fastPolicy()
		policy.AutoApply = true
		f := newFixture(t, policy)
		f.install(t, "alpha", "1.0.0")
		f.install(t, "beta", "1.0.0")
		f.publish("alpha", "1.1.0")
		f.publish("beta", "1.0.0")

		results, err := f.manager.ApplyUpdates(context.Background())
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, Result{Name: "alpha", From: "1.0.0", To: "1.1.0", Promoted: true}, results[0])
	})

	t.Run("zero stage holds everything back", func(t *testing.T) {
		t.Parallel()
		policy := fastPolicy()
		policy.AutoApply = true
		policy.StagedPercent = 0
		f := newFixture(t, policy)
		f.install(t, "alpha", "1.0.0")
		f.publish("alpha", "1.1.0")

		results, err := f.manager.ApplyUpdates(context.Background())
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestInStage_IsStable(t *testing.T) {
	t.Parallel()

	names := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, n := range names {
		assert.True(t, inStage(n, 100))
		assert.False(t, inStage(n, 0))
		assert.Equal(t, inStage(n, 40), inStage(n, 40))
	}
}

// versionPlugin is a native module with only a health check.
type versionPlugin struct {
	healthy bool
}

func (p *versionPlugin) HealthCheck(context.Context) (bool, error) { return p.healthy, nil }

func TestUpgrade_ThroughSandbox(t *testing.T) {
	t.Parallel()

	natives := guest.NewNativeRegistry()
	natives.Register("calc", func() guest.Module { return &versionPlugin{healthy: true} })
	sb := sandbox.New(sandbox.WithEnvironment(sandbox.NewInProcessEnvironment(nil, natives)))

	plugins := plugin.NewManager()
	old := &manifest.Manifest{Name: "calc", Version: "1.0.0", Entry: "native:calc"}
	require.NoError(t, plugins.RegisterPlugin("calc", plugin.Funcs{}, old, false))

	registry := &memRegistry{manifests: map[string]*manifest.Manifest{
		"calc": {Name: "calc", Version: "1.2.0", Entry: "native:calc", Capabilities: []string{capability.Logger}},
	}}
	caps := capability.NewManager()
	caps.DefineCapability(capability.Logger, capability.PolicyEntry{Allowed: true})

	m := NewManager(plugins, registry, SandboxLauncher(sb), caps, WithPolicy(fastPolicy()))
	promoted, err := m.Upgrade(context.Background(), "calc")
	require.NoError(t, err)
	require.True(t, promoted)

	rec, ok := plugins.GetPluginRecord("calc")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", rec.Version)
	ctrl, ok := rec.Controller.(*sandbox.Controller)
	require.True(t, ok)
	t.Cleanup(func() { _ = ctrl.Terminate() })

	healthy, err := ctrl.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestPromoteShadow_StopsRetiredInstance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastPolicy())
	f.install(t, "alpha", "1.0.0")
	ctx := context.Background()

	f.publish("alpha", "1.1.0")
	promoted, err := f.manager.Upgrade(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, promoted)
	assert.Equal(t, 0, f.candidate(0).terminations())

	f.publish("alpha", "1.2.0")
	promoted, err = f.manager.Upgrade(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, promoted)

	assert.Equal(t, 1, f.candidate(0).terminations())
	assert.Contains(t, f.candidate(0).journal(), "onUnload")
	assert.Equal(t, 0, f.candidate(1).terminations())
}
