package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pastyface/dbsnap/internal/conf"
	"github.com/pastyface/dbsnap/internal/datastore"
	"github.com/pastyface/dbsnap/internal/fixture"
	"github.com/pastyface/dbsnap/internal/logging"
	"github.com/pastyface/dbsnap/internal/runtime"
	"github.com/pastyface/dbsnap/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the fixture and run the control server",
	Long: "Boots the database container (building or reusing the snapshot image),\n" +
		"captures the snapshot if none exists yet, and serves the control API\n" +
		"until interrupted. The container and pool are torn down on exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := conf.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logging.Setup(&cfg.Log)

	if cfg.Runtime.FixedHostPort != 0 && !runtime.PortIsAvailable(cfg.Runtime.FixedHostPort) {
		return fmt.Errorf("fixed host port %d is already in use", cfg.Runtime.FixedHostPort)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	caches := datastore.NewManager(log)

	ctl, err := fixture.New(ctx, cfg, log,
		fixture.WithCaches(caches),
		fixture.WithMetrics(fixture.NewMetrics(registry)),
	)
	if err != nil {
		return fmt.Errorf("failed to create fixture: %w", err)
	}
	defer func() {
		// The run context is already cancelled on the way out; give teardown
		// its own deadline.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cfg.Runtime.StopTimeout.Std())
		defer cleanupCancel()
		if err := ctl.Cleanup(cleanupCtx); err != nil {
			log.Error().Err(err).Msg("fixture cleanup failed")
		}
	}()

	if err := ctl.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize fixture: %w", err)
	}
	if !ctl.HasSnapshot() {
		if _, err := ctl.Snapshot(ctx); err != nil {
			return fmt.Errorf("failed to capture snapshot: %w", err)
		}
	}

	srv := server.New(&cfg.Server, ctl, registry, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
