package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/plughost/internal/app"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

var upgradeInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load every plugin and serve until interrupted",
	Long: `Run loads the manifests found in plugins_dir, starts each plugin in its
sandbox and keeps the host running until SIGINT or SIGTERM.

When metrics_addr is set, Prometheus metrics are served on /metrics. With
--upgrade-interval and upgrade.auto_apply, the registry is polled and
updates are applied through shadow upgrades.`,
	Args: cobra.NoArgs,
	RunE: runHost,
}

func init() {
	runCmd.Flags().DurationVar(&upgradeInterval, "upgrade-interval", 0, "poll the registry for updates at this interval (0 disables)")
	rootCmd.AddCommand(runCmd)
}

func runHost(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	host, err := app.NewHost(cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(ctx, cfg.MetricsAddr, host, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := host.LoadDir(ctx); err != nil {
		logger.Warn(ctx, "some plugins failed to load", ports.Err(err))
	}
	logger.Info(ctx, "host running", ports.F("plugins", len(host.Plugins().ListInstalled())))

	if upgradeInterval > 0 {
		go pollUpdates(ctx, host, upgradeInterval, logger)
	}

	<-ctx.Done()
	host.Shutdown(context.Background())
	return nil
}

func serveMetrics(ctx context.Context, addr string, host *app.Host, logger ports.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", host.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info(ctx, "serving metrics", ports.F("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server failed", ports.Err(err))
		}
	}()
	return srv
}

func pollUpdates(ctx context.Context, host *app.Host, every time.Duration, logger ports.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		results, err := host.Upgrades().ApplyUpdates(ctx)
		if err != nil {
			logger.Warn(ctx, "update check failed", ports.Err(err))
			continue
		}
		for _, r := range results {
			fields := []ports.Field{ports.F("plugin", r.Name), ports.F("from", r.From), ports.F("to", r.To), ports.F("promoted", r.Promoted)}
			if r.Err != nil {
				fields = append(fields, ports.Err(r.Err))
			}
			logger.Info(ctx, "upgrade finished", fields...)
		}
	}
}
