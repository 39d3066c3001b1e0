package app

import (
	"sort"

	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/domain/config"
	"github.com/felixgeelhaar/plughost/internal/domain/upgrade"
	"github.com/felixgeelhaar/plughost/pkg/guest"
)

// DefineCapabilities installs the default capability policy and then the
// overrides from cfg. By default logger, storage and bus are allowed and
// network is denied.
func DefineCapabilities(m *capability.Manager, cfg *config.HostConfig) {
	m.DefineCapability(capability.Logger, capability.PolicyEntry{Allowed: true})
	m.DefineCapability(capability.Storage, capability.PolicyEntry{Allowed: true, ContextFactory: storageContext(cfg.Storage)})
	m.DefineCapability(capability.Network, capability.PolicyEntry{
		Allowed:        false,
		ContextFactory: capability.StaticContext(map[string]interface{}{guest.NetworkAllowedHostsKey: []interface{}{}}),
	})
	m.DefineCapability(capability.Bus, capability.PolicyEntry{Allowed: true})

	names := make([]string, 0, len(cfg.Capabilities))
	for name := range cfg.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := cfg.Capabilities[name]
		entry := capability.PolicyEntry{Allowed: c.Allowed}
		switch {
		case c.Context != nil:
			entry.ContextFactory = capability.StaticContext(c.Context)
		case name == capability.Storage:
			entry.ContextFactory = storageContext(cfg.Storage)
		}
		m.DefineCapability(name, entry)
	}
}

func storageContext(sc config.StorageConfig) capability.ContextFactory {
	ctx := map[string]interface{}{guest.StorageBackendKey: guest.BackendMemory}
	if sc.Backend == config.StorageRedis {
		ctx[guest.StorageBackendKey] = guest.BackendRedis
		ctx[guest.StorageRedisURLKey] = sc.RedisURL
	}
	return capability.StaticContext(ctx)
}

// TopicPolicy builds the bus authorizer from the topic rules in cfg.
func TopicPolicy(cfg *config.HostConfig) capability.Authorizer {
	if len(cfg.Topics) == 0 && !cfg.DenyByDefault() {
		return capability.AllowAll{}
	}

	b := capability.NewTopicPolicyBuilder()
	if cfg.DenyByDefault() {
		b.DenyByDefault()
	}
	for name, rules := range cfg.Topics {
		apply(b, name, capability.ActionPublish, rules.Publish)
		apply(b, name, capability.ActionSubscribe, rules.Subscribe)
		apply(b, name, capability.ActionRPC, rules.RPC)
	}
	return b.Build()
}

func apply(b *capability.TopicPolicyBuilder, pluginName string, action capability.Action, r config.AccessRules) {
	if len(r.Allow) > 0 {
		b.Allow(pluginName, action, r.Allow...)
	}
	if len(r.Deny) > 0 {
		b.Deny(pluginName, action, r.Deny...)
	}
}

// UpgradePolicy converts the upgrade configuration.
func UpgradePolicy(uc config.UpgradeConfig) upgrade.Policy {
	p := upgrade.DefaultPolicy()
	p.AutoApply = uc.AutoApply
	p.MaxRetries = uc.MaxRetries
	p.StagedPercent = uc.StagedPercent
	if uc.HealthTimeout > 0 {
		p.HealthTimeout = uc.HealthTimeout.Std()
	}
	return p
}
