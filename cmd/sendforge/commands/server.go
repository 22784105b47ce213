package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sendforge/sendforge/internal/api"
	"github.com/sendforge/sendforge/internal/ingest"
	"github.com/sendforge/sendforge/internal/metrics"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the delivery queue server",
	Long: `Starts the dispatch engine: the worker pool, the control-plane
API, periodic maintenance sweeps, and the optional broker ingest
consumer. Runs until SIGINT or SIGTERM, then drains in-flight sends
before exiting.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServer(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer() error {
	logger := slog.Default().With("component", "server")
	logger.Info("starting sendforge", "hostname", cfg.Server.Hostname)

	supervisor, store, err := buildSupervisor(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	supervisor.SetMetricsRecorder(metrics.NewRecorder())

	// Return anything orphaned in processing by a previous crash before
	// workers start claiming.
	staleAfter := time.Duration(cfg.Queue.StaleAfter) * time.Minute
	if requeued, err := supervisor.RequeueStale(context.Background(), staleAfter); err != nil {
		logger.Warn("startup reconciliation failed", "error", err)
	} else if requeued > 0 {
		logger.Info("recovered orphaned jobs from previous run", "requeued", requeued)
	}

	if err := supervisor.Start(); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	apiServer := api.NewServer(cfg.Server.APIListen, supervisor)
	apiServer.Start()

	maintenanceCtx, stopMaintenance := context.WithCancel(context.Background())
	defer stopMaintenance()
	go runMaintenance(maintenanceCtx, supervisor, logger)

	if cfg.Ingest.Enabled {
		consumer := ingest.NewConsumer(ingest.Config{
			URL:       cfg.Ingest.URL,
			QueueName: cfg.Ingest.QueueName,
		}, supervisor)
		go func() {
			if err := consumer.Start(maintenanceCtx); err != nil && maintenanceCtx.Err() == nil {
				logger.Error("ingest consumer exited", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())

	stopMaintenance()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}

	if err := supervisor.Stop(); err != nil {
		logger.Error("supervisor stopped with error", "error", err)
	}

	logger.Info("sendforge stopped")
	return nil
}

// runMaintenance drives the periodic sweeps: retention cleanup and stale
// processing reconciliation.
func runMaintenance(ctx context.Context, supervisor maintainer, logger *slog.Logger) {
	cleanupTicker := time.NewTicker(time.Duration(cfg.Queue.CleanupInterval) * time.Hour)
	defer cleanupTicker.Stop()

	staleAfter := time.Duration(cfg.Queue.StaleAfter) * time.Minute
	staleTicker := time.NewTicker(5 * time.Minute)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupTicker.C:
			if _, err := supervisor.CleanupOldMessages(ctx, cfg.Queue.RetentionDays); err != nil {
				logger.Warn("retention cleanup failed", "error", err)
			}
		case <-staleTicker.C:
			if _, err := supervisor.RequeueStale(ctx, staleAfter); err != nil {
				logger.Warn("stale reconciliation failed", "error", err)
			}
		}
	}
}

// maintainer is the slice of the supervisor the maintenance loop needs.
type maintainer interface {
	CleanupOldMessages(ctx context.Context, daysOld int) (int, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}
