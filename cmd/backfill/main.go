// Command backfill ingests a historical date range with several workers.
// Months of the same year always go to the same worker, so every yearly
// archive has a single writer.
//
// Usage:
//
//	go run ./cmd/backfill -start 2020-01-01 -end 2021-01-01 -workers 4
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openclimatefix/Satip-sub000/internal/app"
	"github.com/openclimatefix/Satip-sub000/internal/config"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"github.com/openclimatefix/Satip-sub000/internal/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	startFlag := flag.String("start", "", "first day to ingest (UTC, inclusive)")
	endFlag := flag.String("end", "", "day to stop at (UTC, exclusive)")
	workers := flag.Int("workers", 0, "number of workers; defaults to BACKFILL_WORKERS")
	retries := flag.Int("retries", 2, "retries per month after a non-fatal failure")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 2
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	start, err := config.ParseStartTime(*startFlag)
	if err != nil || *startFlag == "" {
		logger.Error("invalid -start", "value", *startFlag)
		return 2
	}
	end, err := config.ParseStartTime(*endFlag)
	if err != nil || *endFlag == "" || !end.After(start) {
		logger.Error("invalid -end", "value", *endFlag)
		return 2
	}
	w := *workers
	if w <= 0 {
		w = cfg.BackfillWorkers
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger, observability.NewMetrics())
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	opts := a.Options()
	opts.SkipRolling = true
	// Every month is fetched in full.
	opts.MaxDatasets = -1
	opts.Shuffle = false

	opts.ExcludeEnd = true

	workerPipelines := a.Workers(w, opts)
	runners := make([]pipeline.Runner, len(workerPipelines))
	for i, p := range workerPipelines {
		runners[i] = p
	}

	jobs := pipeline.MonthJobs(start, end)
	logger.Info("backfill starting", "start", start, "end", end, "jobs", len(jobs), "workers", w)

	report, err := pipeline.NewPool(runners, *retries, logger).Run(ctx, jobs)
	failed := make([]string, len(report.Failed))
	for i, j := range report.Failed {
		failed[i] = j.String()
	}
	logger.Info("backfill complete",
		"jobs", report.Jobs,
		"failed", failed,
		"downloaded", report.Outcomes[domain.OutcomeDownloaded],
	)
	if err != nil {
		logger.Error("backfill stopped", "error", err)
		return 1
	}
	if len(report.Failed) > 0 {
		return 3
	}
	return 0
}
