// Package config loads the plugin host configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Isolation modes.
const (
	IsolationAuto      = "auto"
	IsolationInProcess = "inprocess"
	IsolationProcess   = "process"
)

// Storage backends available to the storage capability.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Default timeouts.
const (
	DefaultLifecycleTimeout = 8 * time.Second
	DefaultRPCTimeout       = 5 * time.Second
	DefaultHealthTimeout    = 8 * time.Second
	DefaultMaxRetries       = 1
	DefaultStagedPercent    = 100
)

// Duration is a time.Duration written as a Go duration string ("8s").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// HostConfig is the top-level host configuration.
type HostConfig struct {
	Isolation        string                      `yaml:"isolation" toml:"isolation"`
	WorkerCommand    []string                    `yaml:"worker_command" toml:"worker_command"`
	LifecycleTimeout Duration                    `yaml:"lifecycle_timeout" toml:"lifecycle_timeout"`
	RPCTimeout       Duration                    `yaml:"rpc_timeout" toml:"rpc_timeout"`
	Wildcards        bool                        `yaml:"wildcards" toml:"wildcards"`
	PluginsDir       string                      `yaml:"plugins_dir" toml:"plugins_dir"`
	Registry         RegistryConfig              `yaml:"registry" toml:"registry"`
	Storage          StorageConfig               `yaml:"storage" toml:"storage"`
	MetricsAddr      string                      `yaml:"metrics_addr" toml:"metrics_addr"`
	Log              LogConfig                   `yaml:"log" toml:"log"`
	Capabilities     map[string]CapabilityConfig `yaml:"capabilities" toml:"capabilities"`
	TopicDefault     string                      `yaml:"topic_default" toml:"topic_default"`
	Topics           map[string]TopicRules       `yaml:"topics" toml:"topics"`
	Upgrade          UpgradeConfig               `yaml:"upgrade" toml:"upgrade"`
}

// RegistryConfig selects the manifest registry used for upgrades.
type RegistryConfig struct {
	URL   string   `yaml:"url" toml:"url"`
	Dir   string   `yaml:"dir" toml:"dir"`
	Token string   `yaml:"token" toml:"token"`
	TTL   Duration `yaml:"ttl" toml:"ttl"`
}

// StorageConfig selects the backend behind the storage capability.
type StorageConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
}

// LogConfig configures the host logger.
type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
	JSON  bool   `yaml:"json" toml:"json"`
}

// CapabilityConfig overrides the policy for one capability.
type CapabilityConfig struct {
	Allowed bool                   `yaml:"allowed" toml:"allowed"`
	Context map[string]interface{} `yaml:"context" toml:"context"`
}

// TopicRules holds per-action topic rules for one plugin.
type TopicRules struct {
	Publish   AccessRules `yaml:"publish" toml:"publish"`
	Subscribe AccessRules `yaml:"subscribe" toml:"subscribe"`
	RPC       AccessRules `yaml:"rpc" toml:"rpc"`
}

// AccessRules lists allowed and denied topic patterns. Deny wins.
type AccessRules struct {
	Allow []string `yaml:"allow" toml:"allow"`
	Deny  []string `yaml:"deny" toml:"deny"`
}

// UpgradeConfig tunes the shadow upgrade workflow.
type UpgradeConfig struct {
	HealthTimeout Duration `yaml:"health_timeout" toml:"health_timeout"`
	MaxRetries    int      `yaml:"max_retries" toml:"max_retries"`
	AutoApply     bool     `yaml:"auto_apply" toml:"auto_apply"`
	StagedPercent int      `yaml:"staged_percent" toml:"staged_percent"`
}

// Default returns the configuration used when no file is present.
func Default() *HostConfig {
	return &HostConfig{
		Isolation:        IsolationAuto,
		LifecycleTimeout: Duration(DefaultLifecycleTimeout),
		RPCTimeout:       Duration(DefaultRPCTimeout),
		Wildcards:        true,
		PluginsDir:       "plugins",
		Storage:          StorageConfig{Backend: StorageMemory},
		Log:              LogConfig{Level: "info"},
		TopicDefault:     "allow",
		Upgrade: UpgradeConfig{
			HealthTimeout: Duration(DefaultHealthTimeout),
			MaxRetries:    DefaultMaxRetries,
			StagedPercent: DefaultStagedPercent,
		},
	}
}

// Load reads the configuration at path. An empty path or a missing file
// yields the defaults. Files ending in .toml are parsed as TOML, anything
// else as YAML. Keys absent from the file keep their default values.
func Load(path string) (*HostConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, NewReadError(path, err)
	}

	if err := Parse(path, data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data into cfg using the format implied by path.
func Parse(path string, data []byte, cfg *HostConfig) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return NewTOMLParseError(path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return NewYAMLParseError(path, err)
	}
	return nil
}

// Validate checks enumerated fields and cross-field requirements.
func (c *HostConfig) Validate() error {
	errs := NewErrorList()

	switch c.Isolation {
	case "", IsolationAuto, IsolationInProcess, IsolationProcess:
	default:
		errs.AddValidation("isolation", fmt.Sprintf("unknown mode %q", c.Isolation),
			"Use one of: auto, inprocess, process.")
	}

	switch c.Storage.Backend {
	case "", StorageMemory:
	case StorageRedis:
		if c.Storage.RedisURL == "" {
			errs.AddValidation("storage.redis_url", "required for the redis backend",
				"Set storage.redis_url, for example redis://localhost:6379/0.")
		}
	default:
		errs.AddValidation("storage.backend", fmt.Sprintf("unknown backend %q", c.Storage.Backend),
			"Use one of: memory, redis.")
	}

	switch c.TopicDefault {
	case "", "allow", "deny":
	default:
		errs.AddValidation("topic_default", fmt.Sprintf("unknown value %q", c.TopicDefault),
			"Use allow or deny.")
	}

	if c.LifecycleTimeout < 0 || c.RPCTimeout < 0 || c.Upgrade.HealthTimeout < 0 {
		errs.AddValidation("timeouts", "must not be negative", "Remove the minus sign or use the default.")
	}
	if c.Upgrade.MaxRetries < 0 {
		errs.AddValidation("upgrade.max_retries", "must not be negative", "Use 0 to disable retries.")
	}
	if c.Upgrade.StagedPercent < 0 || c.Upgrade.StagedPercent > 100 {
		errs.AddValidation("upgrade.staged_percent", "must be between 0 and 100", "Use 100 to upgrade every plugin.")
	}
	if c.Registry.TTL < 0 {
		errs.AddValidation("registry.ttl", "must not be negative", "Use 0 to disable manifest caching.")
	}
	if c.Registry.URL != "" && c.Registry.Dir != "" {
		errs.AddValidation("registry", "url and dir are mutually exclusive", "Configure only one registry source.")
	}

	return errs.AsError()
}

// DenyByDefault reports whether plugins without topic rules are denied.
func (c *HostConfig) DenyByDefault() bool {
	return c.TopicDefault == "deny"
}
