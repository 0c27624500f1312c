package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"showerreco/internal/cli"
	"showerreco/internal/config"
	"showerreco/internal/logging"
	"showerreco/internal/metrics"
	"showerreco/internal/pipeline"
	"showerreco/internal/storage"
	"showerreco/internal/tracing"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "setup logging:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		SampleRatio: cfg.Tracing.SampleRatio,
		Writer:      os.Stderr,
	}, logger)
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		return 1
	}
	defer tracing.Shutdown(context.Background(), shutdown, logger)

	store, err := storage.Open(cfg.Database.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		// jobs still run; history and stored predictions are unavailable
		logger.Warn("job database unavailable", "path", cfg.Paths.DatabasePath, "error", err)
	} else {
		defer store.Close()
	}

	mc, err := metrics.New(nil)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}

	pipe := pipeline.New(ctx, cfg, logger, store, mc)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, pipe, mc).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
