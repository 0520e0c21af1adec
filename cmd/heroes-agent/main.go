package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vincentbai/heroes-agent/internal/backoff"
	"github.com/vincentbai/heroes-agent/internal/batch"
	"github.com/vincentbai/heroes-agent/internal/compliance"
	"github.com/vincentbai/heroes-agent/internal/config"
	"github.com/vincentbai/heroes-agent/internal/coordinator"
	"github.com/vincentbai/heroes-agent/internal/database"
	"github.com/vincentbai/heroes-agent/internal/logging"
	"github.com/vincentbai/heroes-agent/internal/models"
	"github.com/vincentbai/heroes-agent/internal/recorder"
	"github.com/vincentbai/heroes-agent/internal/server"
	"github.com/vincentbai/heroes-agent/internal/transport"
)

const purgeInterval = time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "heroes-agent:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	applicationDirectory, err := dataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	databasePath := filepath.Join(applicationDirectory, "events.db")

	db, err := database.NewDatabase(databasePath, database.WithCapacity(cfg.StorageCapacity))
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database ready", "path", databasePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gate := compliance.New(cfg.RedactFieldsList(), cfg.AllowFieldsList())
	rec := recorder.New(db,
		recorder.WithEventTypes(cfg.ExtraEventTypesList()...),
		recorder.WithLogger(logger))
	manager := batch.NewManager(db, gate, cfg.Thresholds(), batch.WithLogger(logger))
	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted sends: %w", err)
	}

	client := transport.NewClient(cfg.IngestURL, cfg.SendTimeout, transport.WithLogger(logger))
	monitor := coordinator.NewMonitor(models.DeviceState{Online: true, Charging: true, BatteryPercent: 100})
	coord := coordinator.New(db, manager, client, monitor, cfg.SyncPolicy(),
		backoff.New(cfg.BackoffPolicy(), nil),
		coordinator.WithLogger(logger))
	srv := server.NewServer(cfg.ListenAddr, rec, manager, coord, monitor, server.WithLogger(logger))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return coord.Run(groupCtx) })
	group.Go(func() error { return srv.Run(groupCtx) })
	group.Go(func() error { return purgeLoop(groupCtx, manager, cfg.Retention, logger) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

// dataDir returns override, or the platform-specific application directory, creating it.
func dataDir(override string) (string, error) {
	applicationDirectory := override
	if applicationDirectory == "" {
		homeDirectory, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		switch runtime.GOOS {
		case "darwin":
			applicationDirectory = filepath.Join(homeDirectory, "Library", "Application Support", "HeroesInWaiting")
		case "windows":
			applicationDirectory = filepath.Join(homeDirectory, "AppData", "Roaming", "HeroesInWaiting")
		default: // linux and others
			applicationDirectory = filepath.Join(homeDirectory, ".local", "share", "HeroesInWaiting")
		}
	}
	if err := os.MkdirAll(applicationDirectory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create application directory: %w", err)
	}
	return applicationDirectory, nil
}

func purgeLoop(ctx context.Context, manager *batch.Manager, retention time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := manager.Purge(ctx, retention); err != nil && ctx.Err() == nil {
				logger.Error("retention purge failed", "error", err)
			}
		}
	}
}
