package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/plughost/internal/adapters/registry"
	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
	"github.com/felixgeelhaar/plughost/internal/domain/upgrade"
)

var errNoRegistry = errors.New("no registry configured: set registry.url or registry.dir")

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Inspect plugin upgrades",
}

var upgradeCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare local manifests with the registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		src := registry.FromConfig(cfg.Registry)
		if src == nil {
			return errNoRegistry
		}
		manifests, err := manifest.LoadDir(cfg.PluginsDir)
		if err != nil {
			return err
		}

		var updates []upgrade.UpdateInfo
		for _, mf := range manifests {
			latest, err := src.GetManifest(cmd.Context(), mf.Name)
			if err != nil {
				return err
			}
			if latest != nil && latest.Version != mf.Version {
				updates = append(updates, upgrade.UpdateInfo{Name: mf.Name, Current: mf.Version, Available: latest.Version, Manifest: latest})
			}
		}
		printUpdates(cmd.OutOrStdout(), updates)
		return nil
	},
}

func init() {
	upgradeCmd.AddCommand(upgradeCheckCmd)
	rootCmd.AddCommand(upgradeCmd)
}

func printUpdates(w io.Writer, updates []upgrade.UpdateInfo) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Available updates"))
	_, _ = fmt.Fprintln(w)

	if len(updates) == 0 {
		_, _ = fmt.Fprintln(w, successStyle.Render("  All plugins are up to date."))
		return
	}
	for _, u := range updates {
		marker := successStyle.Render("↑")
		if !u.Newer() {
			marker = warningStyle.Render("≠")
		}
		_, _ = fmt.Fprintf(w, "  %s %s %s → %s\n", marker, cell(u.Name, 20), u.Current, u.Available)
	}
}
