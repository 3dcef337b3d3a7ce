package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayforge/wsintercept/internal/audit"
	"github.com/relayforge/wsintercept/internal/config"
	"github.com/relayforge/wsintercept/internal/metrics"
	"github.com/relayforge/wsintercept/internal/wsproxy"
)

func serveCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket interception server",
		Long: `Start the server that terminates downstream WebSocket handshakes and
dispatches each accepted connection to a rule-driven handler.

Examples:
  wsintercept serve                                  # standalone, default config
  wsintercept serve --config wsintercept.yaml         # with config file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error

			if configFile != "" {
				cfg, err = config.Load(configFile)
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
			} else {
				cfg = config.Defaults()
			}
			activeCfg := cfg

			logger, err := audit.New(
				cfg.Logging.Format,
				cfg.Logging.Output,
				cfg.Logging.File,
				cfg.Logging.IncludeAllowed,
				cfg.Logging.IncludeBlocked,
			)
			if err != nil {
				return fmt.Errorf("creating audit logger: %w", err)
			}
			defer logger.Close()

			m := metrics.New()

			srv, err := wsproxy.NewServer(cfg, logger, m)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}

			ctx, cancel := signal.NotifyContext(
				context.Background(),
				syscall.SIGINT,
				syscall.SIGTERM,
			)
			defer cancel()

			fmt.Fprintf(os.Stderr, "wsintercept v%s starting\n", Version)
			fmt.Fprintf(os.Stderr, "  Listen:  %s\n", cfg.Server.Listen)
			fmt.Fprintf(os.Stderr, "  Rules:   %d\n", len(cfg.Rules))
			if cfg.Server.MetricsListen != "" {
				fmt.Fprintf(os.Stderr, "  Metrics: http://%s/metrics\n", cfg.Server.MetricsListen)
				fmt.Fprintf(os.Stderr, "  Stats:   http://%s/stats\n", cfg.Server.MetricsListen)
				fmt.Fprintf(os.Stderr, "  Health:  http://%s/health\n", cfg.Server.MetricsListen)
			}

			if configFile != "" {
				reloader := config.NewReloader(configFile)
				go func() {
					if err := reloader.Start(ctx); err != nil {
						fmt.Fprintf(os.Stderr, "config watcher stopped: %v\n", err)
					}
				}()
				go func() {
					for updated := range reloader.Changes() {
						for _, w := range config.ValidateReload(activeCfg, updated) {
							logger.LogConfigReload("warning", w.Message)
						}
						if err := srv.RebuildRules(updated); err != nil {
							logger.LogConfigReload("error", err.Error())
							continue
						}
						activeCfg = updated
						logger.LogConfigReload("applied", configFile)
					}
				}()
			}

			var metricsSrv *http.Server
			if cfg.Server.MetricsListen != "" {
				metricsSrv = newMetricsServer(cfg.Server.MetricsListen, m)
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
					}
				}()
			}

			serveErr := srv.Serve(ctx)

			if metricsSrv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsSrv.Shutdown(shutdownCtx)
				shutdownCancel()
			}

			if serveErr != nil {
				return fmt.Errorf("server error: %w", serveErr)
			}

			logger.LogShutdown("signal received")
			fmt.Fprintln(os.Stderr, "\nwsintercept stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")

	return cmd
}

func newMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.PrometheusHandler())
	mux.Handle("/stats", m.StatsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
