package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"tiepoint/internal/cli"
	"tiepoint/internal/config"
	"tiepoint/internal/fitting"
	"tiepoint/internal/logging"
	"tiepoint/internal/pipeline"
	"tiepoint/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", config.Path(), err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}

	var store *storage.Store
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		logger.Warn("job store unavailable", "path", cfg.Paths.DatabasePath, "error", err)
	} else if store, err = storage.New(cfg.Paths.DatabaseDriver, cfg.Paths.DatabasePath); err != nil {
		logger.Warn("job store unavailable", "path", cfg.Paths.DatabasePath, "driver", cfg.Paths.DatabaseDriver, "error", err)
		store = nil
	}
	defer store.Close()

	fitter := fitting.NewFitter(fitting.NewManager(&cfg.Fitting, logger), cfg.Fitting.Strict, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, cfg.Processing.QueueSize, logger, store, fitter)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, pipe, fitter).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
