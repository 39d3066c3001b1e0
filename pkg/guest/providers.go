package guest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/plughost/internal/adapters/ipc"
)

// Built-in capability kinds.
const (
	CapabilityLogger  = "logger"
	CapabilityStorage = "storage"
	CapabilityNetwork = "network"
	CapabilityBus     = "bus"
)

// Env is what a Provider can use while building an API.
type Env struct {
	Plugin     string
	Post       func(ipc.Envelope) error
	HTTPClient *http.Client
	// BusTimeout is the default timeout for BusAPI.Request.
	BusTimeout time.Duration

	closers []func() error
	bus     *BusAPI
}

// OnClose registers fn to run when the runtime closes.
func (e *Env) OnClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

// Provider builds the API for one granted capability and attaches it to host.
type Provider func(ctx context.Context, env *Env, grant ipc.Grant, host *Host) error

// DefaultProviders returns the providers for the built-in capability kinds.
func DefaultProviders() map[string]Provider {
	return map[string]Provider{
		CapabilityLogger:  provideLogger,
		CapabilityStorage: provideStorage,
		CapabilityNetwork: provideNetwork,
		CapabilityBus:     provideBus,
	}
}

func provideLogger(_ context.Context, env *Env, _ ipc.Grant, host *Host) error {
	host.Logger = NewLoggerAPI(env.Post)
	return nil
}

func provideBus(_ context.Context, env *Env, _ ipc.Grant, host *Host) error {
	if env.bus == nil {
		env.bus = NewBusAPI(env.Post, env.BusTimeout)
	}
	host.Bus = env.bus
	return nil
}

func provideNetwork(_ context.Context, env *Env, grant ipc.Grant, host *Host) error {
	var allowed []string
	if raw, ok := grant.Context[NetworkAllowedHostsKey]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return fmt.Errorf("network: %s must be a list of hostnames", NetworkAllowedHostsKey)
		}
		allowed = make([]string, 0, len(list))
		for _, h := range list {
			s, ok := h.(string)
			if !ok {
				return fmt.Errorf("network: %s must be a list of hostnames", NetworkAllowedHostsKey)
			}
			allowed = append(allowed, s)
		}
	}
	host.Network = NewNetworkAPI(env.HTTPClient, allowed)
	return nil
}

func provideStorage(ctx context.Context, env *Env, grant ipc.Grant, host *Host) error {
	seed := make(map[string]interface{}, len(grant.Context))
	for k, v := range grant.Context {
		if k == StorageBackendKey || k == StorageRedisURLKey {
			continue
		}
		seed[k] = v
	}

	backend, _ := grant.Context[StorageBackendKey].(string)
	switch backend {
	case "", BackendMemory:
		host.Storage = NewMemoryStorage(seed)
		return nil
	case BackendRedis:
		rawURL, _ := grant.Context[StorageRedisURLKey].(string)
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return fmt.Errorf("storage: invalid %s: %w", StorageRedisURLKey, err)
		}
		client := redis.NewClient(opts)
		env.OnClose(client.Close)

		store := NewRedisStorage(client, env.Plugin)
		if err := store.Seed(ctx, seed); err != nil {
			return err
		}
		host.Storage = store
		return nil
	default:
		return fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// buildHost runs the provider for every grant. Grants without a provider get
// an empty API.
func buildHost(ctx context.Context, env *Env, grants []ipc.Grant, providers map[string]Provider) (*Host, error) {
	host := &Host{Extra: make(map[string]map[string]interface{})}
	for _, g := range grants {
		host.granted = append(host.granted, g.Name)
		p, ok := providers[g.Name]
		if !ok {
			host.Extra[g.Name] = map[string]interface{}{}
			continue
		}
		if err := p(ctx, env, g, host); err != nil {
			return nil, err
		}
	}
	return host, nil
}
