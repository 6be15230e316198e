package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vjranagit/heartwatch/internal/config"
	"github.com/vjranagit/heartwatch/pkg/api"
	"github.com/vjranagit/heartwatch/pkg/coordinator"
	"github.com/vjranagit/heartwatch/pkg/source"
	"github.com/vjranagit/heartwatch/pkg/storage"
	"github.com/vjranagit/heartwatch/pkg/types"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sampling loop and HTTP API",
	Long: `Start sampling the heart-rate sensor and serve the API.

The server will:
  - Replay any store operations journaled by an unclean shutdown
  - Subscribe to the (simulated) heart-rate sensor once permission is granted
  - Store one reading per second and track the last stored value
  - Serve /api/v1/*, /health and /metrics on the configured address

Grant sensor permission at runtime with:
  curl -XPOST localhost:9095/api/v1/permission -d '{"granted":true}'`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// replayJournal applies store operations left behind by an unclean shutdown
func replayJournal(ctx context.Context, path string, store storage.SampleStore, logger *slog.Logger) {
	n, err := storage.ReplayWAL(path, func(m storage.Mutation) error {
		if err := storage.Apply(ctx, store, m); err != nil {
			logger.Warn("skipping journaled operation", "op", m.Kind, "error", err)
		}
		return nil
	})
	if err != nil {
		logger.Error("journal replay incomplete", "error", err)
	} else if n > 0 {
		logger.Info("replayed journaled operations", "count", n)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	logger.Info("starting heartwatch",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"storage_path", cfg.Storage.Path,
		"retention_days", cfg.Storage.RetentionDays,
		"tick_interval", cfg.Sampling.TickInterval.Duration().String(),
		"wal", cfg.Storage.EnableWAL,
	)

	store, err := storage.NewStorage(cfg.ToStorageConfig(logger))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	var wal *storage.WAL
	if cfg.Storage.EnableWAL {
		replayJournal(cmd.Context(), cfg.Storage.Path, store, logger)

		wal, err = storage.NewWAL(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open WAL: %w", err)
		}
	}

	writer := storage.NewWriter(store, wal, cfg.Storage.QueueSize, logger.With("component", "writer"))

	client := source.NewSimulatedClient(
		source.WithInterval(cfg.Sampling.SensorInterval.Duration()),
		source.WithBaseline(cfg.Sampling.Baseline),
	)
	src := source.New(client, types.HeartRateBPM, logger.With("component", "source"))

	gate := coordinator.NewPermissionGate(cfg.Sampling.PermissionGranted)
	coord := coordinator.New(src, writer, gate, logger.With("component", "coordinator"))

	server := api.NewServer(cfg.Server.ListenAddr, store, writer, coord, gate, logger.With("component", "api"))
	server.Timeout = cfg.Server.Timeout.Duration()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("API server listening", "addr", cfg.Server.ListenAddr)
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		coord.Run(ctx, cfg.Sampling.TickInterval.Duration(), func(r types.Reading) {
			logger.Debug("tick",
				"live", r.Live,
				"last", r.Last,
				"has_last", r.HasLast,
				"permission_required", r.PermissionRequired,
				"capability", r.Capability.String(),
			)
		})
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	wg.Wait()

	if err := src.Close(shutdownCtx); err != nil {
		logger.Warn("failed to unregister sensor", "error", err)
	}
	client.Close()

	if err := writer.Close(); err != nil {
		logger.Error("failed to close writer", "error", err)
	}

	logger.Info("heartwatch stopped")
	return nil
}
