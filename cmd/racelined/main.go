// Command racelined serves the race signal engine: the control API, the live
// signal stream and Prometheus metrics over a single HTTP listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/raceline/raceline/pkg/config"
	"github.com/raceline/raceline/pkg/engine"
	"github.com/raceline/raceline/pkg/metrics"
	"github.com/raceline/raceline/pkg/server"
)

const shutdownGrace = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "racelined",
		Short:         "Race signal state machine and broadcast engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the signal engine and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "racelined:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := cfg.NewLogger()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	eng, err := engine.Open(engine.Config{
		DataDir:   cfg.DataDir,
		QueueSize: cfg.QueueSize,
		NoSync:    cfg.NoSync,
		Logger:    logger,
		Metrics:   collector,
	})
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}

	srv := server.New(eng, server.Config{
		Logger:         logger,
		Metrics:        collector,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		eng.Close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced listener close", "error", err)
	}
	if err := eng.Close(); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	logger.Info("stopped")
	return nil
}
