package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/adapters/registry"
	"github.com/felixgeelhaar/plughost/internal/domain/bus"
	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/domain/config"
	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
	"github.com/felixgeelhaar/plughost/internal/domain/plugin"
	"github.com/felixgeelhaar/plughost/internal/ports"
	"github.com/felixgeelhaar/plughost/internal/testutil"
	"github.com/felixgeelhaar/plughost/pkg/guest"
)

func inProcessConfig() *config.HostConfig {
	cfg := config.Default()
	cfg.Isolation = config.IsolationInProcess
	cfg.LifecycleTimeout = config.Duration(2 * time.Second)
	cfg.Upgrade.HealthTimeout = config.Duration(time.Second)
	return cfg
}

func newHost(t *testing.T, cfg *config.HostConfig, opts ...Option) *Host {
	t.Helper()
	if cfg == nil {
		cfg = inProcessConfig()
	}
	h, err := NewHost(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func echoManifest(version string, caps ...string) *manifest.Manifest {
	return &manifest.Manifest{Name: "echo", Version: version, Entry: "native:echo", Capabilities: caps}
}

func TestNewHost_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Isolation = "vm"
	_, err := NewHost(cfg)
	require.Error(t, err)
}

func TestNewHost_ProcessIsolationNeedsCommand(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Isolation = config.IsolationProcess
	_, err := NewHost(cfg)
	assert.ErrorContains(t, err, "worker command")
}

func TestLoadPlugin_Echo(t *testing.T) {
	t.Parallel()

	rec := logging.NewRecorder()
	h := newHost(t, nil, WithLogger(rec))
	ctx := context.Background()

	announced := make(chan interface{}, 1)
	_, err := h.Bus().Subscribe(ctx, "", "echo.activated", func(_ context.Context, msg *bus.Message) (interface{}, error) {
		announced <- msg.Payload
		return nil, nil
	})
	require.NoError(t, err)

	mf := echoManifest("1.0.0", capability.Logger, capability.Storage, capability.Bus, capability.Network)
	require.NoError(t, h.LoadPlugin(ctx, mf))

	r, ok := h.Plugins().GetPluginRecord("echo")
	require.True(t, ok)
	assert.Equal(t, plugin.StateActivated, r.State)
	assert.True(t, r.Sandboxed)
	assert.Equal(t, []string{"echo"}, h.Bridge().Workers())

	select {
	case payload := <-announced:
		assert.Equal(t, map[string]interface{}{"activations": float64(1)}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("activation was not announced")
	}

	out, err := h.Bridge().InvokeOnPlugin(ctx, "echo", "echo.ping", map[string]int{"x": 1}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(out))

	assert.True(t, rec.Contains(ports.LevelWarn, "capability not granted"))
	assert.True(t, rec.Contains(ports.LevelInfo, "plugin loaded"))

	err = h.LoadPlugin(ctx, mf)
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
}

type failingModule struct{}

func (failingModule) OnLoad(context.Context) error { return errors.New("missing config") }

func TestLoadPlugin_FailureLeavesNoRecord(t *testing.T) {
	t.Parallel()

	natives := guest.NewNativeRegistry()
	natives.Register("broken", func() guest.Module { return failingModule{} })
	h := newHost(t, nil, WithNatives(natives))

	err := h.LoadPlugin(context.Background(), &manifest.Manifest{Name: "broken", Version: "1.0.0", Entry: "native:broken"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "missing config")

	_, ok := h.Plugins().GetPluginRecord("broken")
	assert.False(t, ok)
	assert.Empty(t, h.Bridge().Workers())
}

func TestLoadPlugin_InvalidManifest(t *testing.T) {
	t.Parallel()

	h := newHost(t, nil)
	err := h.LoadPlugin(context.Background(), &manifest.Manifest{Name: "x"})
	assert.ErrorIs(t, err, manifest.ErrManifestInvalid)
}

func TestUnloadPlugin(t *testing.T) {
	t.Parallel()

	h := newHost(t, nil)
	ctx := context.Background()
	require.NoError(t, h.LoadPlugin(ctx, echoManifest("1.0.0", capability.Bus)))

	require.NoError(t, h.UnloadPlugin(ctx, "echo"))
	_, ok := h.Plugins().GetPluginRecord("echo")
	assert.False(t, ok)
	assert.Empty(t, h.Bridge().Workers())

	assert.ErrorIs(t, h.UnloadPlugin(ctx, "echo"), ErrNotLoaded)
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteManifest(t, dir, testutil.Manifest{Name: "echo", Version: "1.0.0", Capabilities: []string{"logger"}})
	testutil.WriteManifest(t, dir, testutil.Manifest{Name: "ghost", Version: "1.0.0"})

	cfg := inProcessConfig()
	cfg.PluginsDir = dir
	h := newHost(t, cfg)

	err := h.LoadDir(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"echo"}, h.Plugins().ListInstalled())
}

func TestUpgrade_ThroughHost(t *testing.T) {
	t.Parallel()

	reg := registry.NewMemory()
	h := newHost(t, nil, WithRegistry(reg))
	ctx := context.Background()
	require.NoError(t, h.LoadPlugin(ctx, echoManifest("1.0.0", capability.Storage)))

	updates, err := h.Upgrades().CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.Empty(t, updates)

	reg.Publish(echoManifest("1.1.0", capability.Storage))
	updates, err = h.Upgrades().CheckForUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Newer())

	promoted, err := h.Upgrades().Upgrade(ctx, "echo")
	require.NoError(t, err)
	require.True(t, promoted)

	r, ok := h.Plugins().GetPluginRecord("echo")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", r.Version)
	assert.Equal(t, plugin.StateActivated, r.State)
	assert.Equal(t, []string{"echo"}, h.Bridge().Workers())

	out, err := h.Bridge().InvokeOnPlugin(ctx, "echo", "echo.ping", "hi", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(out))
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	h := newHost(t, nil)
	require.NoError(t, h.LoadPlugin(context.Background(), echoManifest("1.0.0")))

	srv := httptest.NewServer(h.MetricsHandler())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `plughost_plugin_info{plugin="echo",sandboxed="true",state="activated",version="1.0.0"} 1`)
	assert.Contains(t, string(body), "plughost_sandbox_lifecycle_call_seconds")
}

func TestDefineCapabilities(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		m := capability.NewManager()
		DefineCapabilities(m, config.Default())
		grants := m.GrantCapabilities([]string{"logger", "storage", "network", "bus", "gpu"}, "p")

		assert.True(t, grants[0].Granted)
		assert.True(t, grants[1].Granted)
		assert.Equal(t, map[string]interface{}{"backend": "memory"}, grants[1].Context)
		assert.False(t, grants[2].Granted)
		assert.Equal(t, capability.ReasonDenied, grants[2].Reason)
		assert.True(t, grants[3].Granted)
		assert.Equal(t, capability.ReasonUnknown, grants[4].Reason)
	})

	t.Run("redis storage", func(t *testing.T) {
		t.Parallel()

		cfg := config.Default()
		cfg.Storage = config.StorageConfig{Backend: config.StorageRedis, RedisURL: "redis://localhost:6379/0"}
		m := capability.NewManager()
		DefineCapabilities(m, cfg)

		g := m.GrantCapabilities([]string{"storage"}, "p")[0]
		assert.Equal(t, "redis", g.Context["backend"])
		assert.Equal(t, "redis://localhost:6379/0", g.Context["redisUrl"])
	})

	t.Run("overrides", func(t *testing.T) {
		t.Parallel()

		cfg := config.Default()
		cfg.Capabilities = map[string]config.CapabilityConfig{
			"network": {Allowed: true, Context: map[string]interface{}{"allowedHosts": []interface{}{"api.example.com"}}},
			"bus":     {Allowed: false},
			"storage": {Allowed: true},
		}
		m := capability.NewManager()
		DefineCapabilities(m, cfg)

		grants := m.GrantCapabilities([]string{"network", "bus", "storage"}, "p")
		assert.True(t, grants[0].Granted)
		assert.Equal(t, []interface{}{"api.example.com"}, grants[0].Context["allowedHosts"])
		assert.False(t, grants[1].Granted)
		assert.Equal(t, "memory", grants[2].Context["backend"])
	})
}

func TestTopicPolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, allowAll := TopicPolicy(config.Default()).(capability.AllowAll)
	assert.True(t, allowAll)

	cfg := config.Default()
	cfg.TopicDefault = "deny"
	cfg.Topics = map[string]config.TopicRules{
		"billing": {
			Publish: config.AccessRules{Allow: []string{"billing.*"}, Deny: []string{"billing.secret"}},
			RPC:     config.AccessRules{Allow: []string{"calc.*"}},
		},
	}
	p := TopicPolicy(cfg)

	tests := []struct {
		plugin string
		action capability.Action
		topic  string
		want   bool
	}{
		{"billing", capability.ActionPublish, "billing.invoice", true},
		{"billing", capability.ActionPublish, "billing.secret", false},
		{"billing", capability.ActionRPC, "calc.add", true},
		{"billing", capability.ActionSubscribe, "billing.invoice", false},
		{"other", capability.ActionPublish, "billing.invoice", false},
		{"", capability.ActionPublish, "anything", true},
	}
	for _, tt := range tests {
		ok, err := p.Authorize(ctx, tt.plugin, tt.action, tt.topic)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "%s %s %s", tt.plugin, tt.action, tt.topic)
	}
}

func TestUpgradePolicy(t *testing.T) {
	t.Parallel()

	p := UpgradePolicy(config.UpgradeConfig{
		HealthTimeout: config.Duration(3 * time.Second),
		MaxRetries:    4,
		AutoApply:     true,
		StagedPercent: 25,
	})
	assert.Equal(t, 3*time.Second, p.HealthTimeout)
	assert.Equal(t, 4, p.MaxRetries)
	assert.True(t, p.AutoApply)
	assert.Equal(t, 25, p.StagedPercent)

	assert.Equal(t, 8*time.Second, UpgradePolicy(config.UpgradeConfig{}).HealthTimeout)
}

func TestEchoModule_InvokeEmpty(t *testing.T) {
	t.Parallel()

	out, err := (&echoModule{}).Invoke(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = (&echoModule{}).Invoke(context.Background(), "t", json.RawMessage(`[1]`))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`[1]`), out)
}
