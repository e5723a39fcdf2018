package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omni-points/voucher-exchange/internal/apiserver"
	"github.com/omni-points/voucher-exchange/internal/config"
	"github.com/omni-points/voucher-exchange/internal/exchange"
	"github.com/omni-points/voucher-exchange/internal/indexer"
	"github.com/omni-points/voucher-exchange/internal/logging"
	"github.com/omni-points/voucher-exchange/internal/token"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadServerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("exchange-server", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	engine := exchange.New(cfg.ProgramID, token.NewStandardRouter(), exchange.SystemClock(), logger)
	if err := restoreSnapshot(engine, cfg.SnapshotPath, logger); err != nil {
		logger.Error("failed to restore snapshot", "path", cfg.SnapshotPath, "err", err)
		os.Exit(1)
	}

	indexerSvc, err := indexer.New(cfg.Indexer, engine, logger)
	if err != nil {
		logger.Error("failed to initialize indexer", "err", err)
		os.Exit(1)
	}

	apiSvc := apiserver.New(cfg, engine, indexerSvc.Store(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return indexerSvc.Run(groupCtx)
	})
	group.Go(func() error {
		return apiSvc.Run(groupCtx)
	})
	group.Go(func() error {
		return runSnapshotLoop(groupCtx, engine, cfg.SnapshotPath, cfg.SnapshotInterval, logger)
	})

	if err := group.Wait(); err != nil {
		logger.Error("exchange-server exited with error", "err", err)
		os.Exit(1)
	}
}

func restoreSnapshot(engine *exchange.Engine, path string, logger *slog.Logger) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no snapshot found, starting empty", "path", path)
			return nil
		}
		return err
	}
	defer file.Close()

	if err := engine.Restore(file); err != nil {
		return err
	}
	logger.Info("snapshot restored", "path", path)
	return nil
}

func runSnapshotLoop(ctx context.Context, engine *exchange.Engine, path string, interval time.Duration, logger *slog.Logger) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final snapshot so a clean shutdown loses nothing.
			if err := writeSnapshot(engine, path); err != nil {
				logger.Error("failed to write final snapshot", "path", path, "err", err)
			}
			return nil
		case <-ticker.C:
			if err := writeSnapshot(engine, path); err != nil {
				logger.Error("failed to write snapshot", "path", path, "err", err)
			}
		}
	}
}

// writeSnapshot writes to a sibling temp file and renames, so readers never
// see a half-written snapshot.
func writeSnapshot(engine *exchange.Engine, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if err := engine.Snapshot(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
