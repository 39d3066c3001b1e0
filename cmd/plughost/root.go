package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/domain/config"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "plughost",
	Short: "A capability-aware plugin host",
	Long: `plughost runs plugins in isolated contexts and connects them through a
topic-based message bus.

Each plugin receives only the capabilities its manifest requests and the
host policy grants. Running plugins can be replaced by new versions through
a health-checked shadow deployment.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: plughost.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	_ = rootCmd.RegisterFlagCompletionFunc("config", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "yml", "toml"}, cobra.ShellCompDirectiveFilterFileExt
	})

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the --config file, falling back to plughost.yaml in the
// working directory.
func loadConfig() (*config.HostConfig, error) {
	path := cfgFile
	if path == "" {
		path = "plughost.yaml"
	}
	return config.Load(path)
}

// newLogger builds the console logger described by cfg. --verbose forces
// debug output.
func newLogger(cfg *config.HostConfig, w io.Writer) ports.Logger {
	level := ports.ParseLevel(cfg.Log.Level)
	if verbose {
		level = ports.LevelDebug
	}
	return logging.NewConsoleLogger(
		logging.WithOutput(w),
		logging.WithLevel(level),
		logging.WithJSONFormat(cfg.Log.JSON),
		logging.WithTimestamp(true),
		logging.WithLevelLabel(true),
	)
}

// formatError returns a user-friendly error message.
// With verbose=false: shows only the user message and suggestion.
// With verbose=true: also shows the underlying technical error.
func formatError(err error) string {
	var userErr *config.UserError
	if errors.As(err, &userErr) {
		msg := userErr.Message
		if userErr.Context != "" {
			msg += fmt.Sprintf(" (at %s)", userErr.Context)
		}
		if userErr.Suggestion != "" {
			msg += fmt.Sprintf("\n\nSuggestion: %s", userErr.Suggestion)
		}
		if verbose && userErr.Underlying != nil {
			msg += fmt.Sprintf("\n\nTechnical details: %v", userErr.Underlying)
		}
		return msg
	}
	return err.Error()
}

// printError prints an error message to stderr with proper formatting.
func printError(err error) {
	printErrorTo(os.Stderr, err)
}

// printErrorTo prints an error message to the given writer.
func printErrorTo(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "Error: %s\n", formatError(err))
}
