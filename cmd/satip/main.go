package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/openclimatefix/Satip-sub000/internal/adapter/http"
	"github.com/openclimatefix/Satip-sub000/internal/app"
	"github.com/openclimatefix/Satip-sub000/internal/config"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"github.com/openclimatefix/Satip-sub000/internal/scheduler"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 2
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close error", "error", err)
		}
	}()

	if cfg.Cleanup {
		n, err := a.Cleanup(ctx)
		if err != nil {
			logger.Error("tailor cleanup failed", "error", err)
			return 1
		}
		logger.Info("tailor cleanup complete", "deleted", n)
		return 0
	}

	p := a.Pipeline(a.Options())

	if cfg.ScheduleInterval <= 0 {
		_, err := p.Run(ctx, cfg.StartTime)
		switch {
		case err == nil:
			return 0
		case errors.Is(err, context.Canceled):
			logger.Info("interrupted")
			return 130
		default:
			logger.Error("run failed", "error", err, "fatal", domain.IsFatal(err))
			return 1
		}
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, func() any { return p.Status() }, logger)
	srv.SetShutdownTimeout(cfg.ShutdownTimeout)

	sup := scheduler.NewSupervisor(logger, cfg.ShutdownTimeout)
	sup.Add(srv)
	sup.Add(scheduler.New(logger, scheduler.Job{
		Name:     "ingest",
		Interval: cfg.ScheduleInterval,
		Run:      scheduler.RunFunc(p.Run),
	}))

	logger.Info("daemon starting", "product", a.Product.ID, "interval", cfg.ScheduleInterval)
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
