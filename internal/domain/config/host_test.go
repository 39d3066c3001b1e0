package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"", filepath.Join(t.TempDir(), "absent.yaml")} {
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, IsolationAuto, cfg.Isolation)
		assert.Equal(t, 8*time.Second, cfg.LifecycleTimeout.Std())
		assert.Equal(t, 5*time.Second, cfg.RPCTimeout.Std())
		assert.Equal(t, 8*time.Second, cfg.Upgrade.HealthTimeout.Std())
		assert.Equal(t, 1, cfg.Upgrade.MaxRetries)
		assert.Equal(t, 100, cfg.Upgrade.StagedPercent)
		assert.True(t, cfg.Wildcards)
		assert.False(t, cfg.DenyByDefault())
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "plughost.yaml", `
isolation: process
worker_command: [/usr/local/bin/plughost, worker]
lifecycle_timeout: 2s
wildcards: false
storage:
  backend: redis
  redis_url: redis://localhost:6379/0
capabilities:
  network:
    allowed: true
    context:
      allowedHosts: [api.example.com]
topic_default: deny
topics:
  greeter:
    publish:
      allow: ["greet.*"]
      deny: ["greet.admin"]
upgrade:
  max_retries: 3
  auto_apply: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, IsolationProcess, cfg.Isolation)
	assert.Equal(t, []string{"/usr/local/bin/plughost", "worker"}, cfg.WorkerCommand)
	assert.Equal(t, 2*time.Second, cfg.LifecycleTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.RPCTimeout.Std(), "unset keys keep defaults")
	assert.False(t, cfg.Wildcards)
	assert.Equal(t, StorageRedis, cfg.Storage.Backend)
	assert.True(t, cfg.Capabilities["network"].Allowed)
	assert.Equal(t, []interface{}{"api.example.com"}, cfg.Capabilities["network"].Context["allowedHosts"])
	assert.True(t, cfg.DenyByDefault())
	assert.Equal(t, []string{"greet.*"}, cfg.Topics["greeter"].Publish.Allow)
	assert.Equal(t, []string{"greet.admin"}, cfg.Topics["greeter"].Publish.Deny)
	assert.Equal(t, 3, cfg.Upgrade.MaxRetries)
	assert.True(t, cfg.Upgrade.AutoApply)
}

func TestLoad_TOML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "plughost.toml", `
isolation = "inprocess"
rpc_timeout = "750ms"
plugins_dir = "/srv/plugins"

[registry]
url = "https://registry.example.com"

[log]
level = "debug"
json = true

[upgrade]
health_timeout = "3s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, IsolationInProcess, cfg.Isolation)
	assert.Equal(t, 750*time.Millisecond, cfg.RPCTimeout.Std())
	assert.Equal(t, "/srv/plugins", cfg.PluginsDir)
	assert.Equal(t, "https://registry.example.com", cfg.Registry.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 3*time.Second, cfg.Upgrade.HealthTimeout.Std())
	assert.Equal(t, 8*time.Second, cfg.LifecycleTimeout.Std())
}

func TestLoad_ParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml syntax", "bad.yaml", "isolation: [unclosed\n"},
		{"yaml duration", "dur.yaml", "rpc_timeout: soon\n"},
		{"toml syntax", "bad.toml", "isolation = \n"},
		{"toml duration", "dur.toml", "lifecycle_timeout = \"forever\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.True(t, IsUserError(err, ErrCodeConfigParse), err.Error())
		})
	}
}

func TestHostConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *HostConfig)
		field  string
	}{
		{"isolation", func(c *HostConfig) { c.Isolation = "vm" }, "isolation"},
		{"storage backend", func(c *HostConfig) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"redis url", func(c *HostConfig) { c.Storage.Backend = StorageRedis }, "storage.redis_url"},
		{"topic default", func(c *HostConfig) { c.TopicDefault = "maybe" }, "topic_default"},
		{"negative timeout", func(c *HostConfig) { c.RPCTimeout = -1 }, "timeouts"},
		{"negative retries", func(c *HostConfig) { c.Upgrade.MaxRetries = -1 }, "upgrade.max_retries"},
		{"registry", func(c *HostConfig) { c.Registry = RegistryConfig{URL: "u", Dir: "d"} }, "registry"},
		{"staged percent", func(c *HostConfig) { c.Upgrade.StagedPercent = 150 }, "upgrade.staged_percent"},
		{"registry ttl", func(c *HostConfig) { c.Registry.TTL = -1 }, "registry.ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			ue := GetUserError(err)
			if ue == nil {
				list, ok := err.(*ErrorList)
				require.True(t, ok)
				ue = list.Errors()[0]
			}
			assert.Equal(t, tt.field, ue.Context)
		})
	}

	require.NoError(t, Default().Validate())
}
