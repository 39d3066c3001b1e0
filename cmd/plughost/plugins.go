package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/plughost/internal/app"
	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/domain/config"
	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List plugin manifests and the capabilities they would be granted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		manifests, err := manifest.LoadDir(cfg.PluginsDir)
		if err != nil {
			return err
		}
		printPlugins(cmd.OutOrStdout(), cfg, manifests)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}

func printPlugins(w io.Writer, cfg *config.HostConfig, manifests []*manifest.Manifest) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Plugins in "+cfg.PluginsDir))
	_, _ = fmt.Fprintln(w)

	if len(manifests) == 0 {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("  No plugin manifests found."))
		return
	}

	caps := capability.NewManager()
	app.DefineCapabilities(caps, cfg)

	_, _ = fmt.Fprintf(w, "  %s %s %s\n", cell(headerStyle.Render("NAME"), 20), cell(headerStyle.Render("VERSION"), 10), headerStyle.Render("CAPABILITIES"))
	for _, mf := range manifests {
		grants := caps.GrantCapabilities(mf.Capabilities, mf.Name)
		_, _ = fmt.Fprintf(w, "  %s %s %s\n", cell(mf.Name, 20), cell(mf.Version, 10), renderGrants(grants))
	}
}

func renderGrants(grants []capability.Grant) string {
	if len(grants) == 0 {
		return mutedStyle.Render("none")
	}
	parts := make([]string, 0, len(grants))
	for _, g := range grants {
		if g.Granted {
			parts = append(parts, successStyle.Render("✓ "+g.Name))
		} else {
			parts = append(parts, errorStyle.Render("✗ "+g.Name+" ("+g.Reason+")"))
		}
	}
	return strings.Join(parts, "  ")
}
