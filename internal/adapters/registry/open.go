package registry

import (
	"github.com/felixgeelhaar/plughost/internal/domain/config"
)

// FromConfig builds the registry described by cfg, wrapped in a TTL cache
// when cfg.TTL is set. It returns nil when no registry is configured.
func FromConfig(cfg config.RegistryConfig) Source {
	var src Source
	switch {
	case cfg.URL != "":
		cc := DefaultClientConfig(cfg.URL)
		cc.AuthToken = cfg.Token
		src = NewHTTP(cc)
	case cfg.Dir != "":
		src = NewDir(cfg.Dir)
	default:
		return nil
	}
	return NewCached(src, cfg.TTL.Std())
}
