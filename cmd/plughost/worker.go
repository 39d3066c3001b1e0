package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/app"
	"github.com/felixgeelhaar/plughost/internal/ports"
	"github.com/felixgeelhaar/plughost/pkg/guest"
	"github.com/felixgeelhaar/plughost/pkg/guest/wasm"
)

var bootstrapPath string

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one plugin in an isolated worker process",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&bootstrapPath, "bootstrap", "", "bootstrap file written by the host")
	_ = workerCmd.MarkFlagRequired("bootstrap")
	rootCmd.AddCommand(workerCmd)
}

// runWorker serves the lifecycle protocol on stdin and stdout. Diagnostics
// go to stderr, which the host forwards to its own log.
func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := ports.LevelInfo
	if verbose {
		level = ports.LevelDebug
	}
	logger := logging.NewConsoleLogger(logging.WithOutput(os.Stderr), logging.WithLevel(level))

	loader := guest.Chain(wasm.NewLoader(), app.DefaultNatives())
	err := guest.ServeStdio(ctx, bootstrapPath, loader, os.Stdin, os.Stdout, guest.WithLogger(logger))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
