// Package upgrade replaces running plugins with new versions through a
// shadow deployment: the candidate is brought up and health-checked in its
// own sandbox before the plugin manager swaps it in.
package upgrade

import (
	"context"
	"encoding/json"

	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
	"github.com/felixgeelhaar/plughost/internal/domain/plugin"
	"github.com/felixgeelhaar/plughost/internal/domain/sandbox"
)

// Registry reports the latest published manifest for a plugin. It returns
// nil and no error when the plugin is unknown.
type Registry interface {
	GetManifest(ctx context.Context, name string) (*manifest.Manifest, error)
}

// Candidate is a started, not yet authoritative plugin instance.
type Candidate interface {
	plugin.Controller
	Install(ctx context.Context, payload interface{}) (json.RawMessage, error)
	OnLoad(ctx context.Context) error
	OnReady(ctx context.Context) error
	HealthCheck(ctx context.Context) (bool, error)
	Terminate() error
}

// Launcher starts a candidate in an isolated context.
type Launcher interface {
	Launch(ctx context.Context, mf *manifest.Manifest, grants []capability.Grant) (Candidate, error)
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(ctx context.Context, mf *manifest.Manifest, grants []capability.Grant) (Candidate, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, mf *manifest.Manifest, grants []capability.Grant) (Candidate, error) {
	return f(ctx, mf, grants)
}

// SandboxLauncher launches candidates with s.
func SandboxLauncher(s *sandbox.Sandbox) Launcher {
	return LauncherFunc(func(ctx context.Context, mf *manifest.Manifest, grants []capability.Grant) (Candidate, error) {
		c, err := s.StartSandboxedPlugin(ctx, mf, grants)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Granter derives capability grants for a candidate.
type Granter interface {
	GrantCapabilities(requested []string, pluginName string) []capability.Grant
}

var _ Candidate = (*sandbox.Controller)(nil)
