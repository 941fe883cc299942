// Package app wires configuration into a runnable pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/adapter/eumetsat"
	"github.com/openclimatefix/Satip-sub000/internal/adapter/kafka"
	"github.com/openclimatefix/Satip-sub000/internal/adapter/noaa"
	"github.com/openclimatefix/Satip-sub000/internal/archive"
	"github.com/openclimatefix/Satip-sub000/internal/config"
	"github.com/openclimatefix/Satip-sub000/internal/decoder"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/ledger"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"github.com/openclimatefix/Satip-sub000/internal/pipeline"
	"github.com/openclimatefix/Satip-sub000/internal/reconcile"
	"github.com/openclimatefix/Satip-sub000/internal/retry"
	"github.com/openclimatefix/Satip-sub000/internal/rolling"
)

// MaskCacheSize bounds the off-disk mask cache.
const MaskCacheSize = 16

// App holds the long-lived collaborators built from a Config.
type App struct {
	Config   *config.Config
	Product  domain.Product
	Provider domain.ProviderClient
	EUMETSAT *eumetsat.Client
	Ledger   *ledger.Ledger
	Notifier *kafka.Notifier
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	downloader pipeline.Downloader
	decoder    *decoder.Decoder
	layout     archive.Layout
	region     *domain.BoundingBox
	owner      string
}

// clients are the provider-facing collaborators of one pipeline.
type clients struct {
	provider   domain.ProviderClient
	eumetsat   *eumetsat.Client
	downloader pipeline.Downloader
}

// New builds the provider client, decoder, ledger and notifier for cfg.
func New(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*App, error) {
	product, err := domain.LookupProduct(cfg.ProductID())
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:  cfg,
		Product: product,
		Logger:  logger,
		Metrics: metrics,
		layout:  archive.Layout{Rescaled: cfg.UseRescaler, Quality: cfg.CodecQuality},
		owner:   owner(),
	}

	if cfg.Region != "" {
		b, err := domain.LookupRegion(cfg.Region)
		if err != nil {
			return nil, err
		}
		a.region = &b
	}

	c := a.newClients(logger)
	a.Provider, a.EUMETSAT, a.downloader = c.provider, c.eumetsat, c.downloader
	a.decoder = a.newDecoder(logger)

	if !cfg.Cleanup {
		if err := os.MkdirAll(cfg.SaveDir, 0o755); err != nil {
			return nil, fmt.Errorf("create save dir: %w", err)
		}
		l, err := ledger.Open(cfg.LedgerDir)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		a.Ledger = l
	}

	if cfg.KafkaEnabled() {
		a.Notifier = kafka.NewNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	}
	return a, nil
}

// newClients builds a provider client with its own token, rate limiter and
// circuit breaker.
func (a *App) newClients(logger *slog.Logger) clients {
	cfg := a.Config
	if cfg.Provider == config.ProviderEUMETSAT {
		c := eumetsat.NewClient(eumetsat.Config{
			Key:               cfg.APIKey,
			Secret:            cfg.APISecret,
			Timeout:           cfg.HTTPTimeout,
			RequestsPerSecond: cfg.RequestsPerSec,
			Policy:            retry.DefaultPolicy(),
		}, a.Metrics, logger.With("provider", "eumetsat"))
		out := clients{provider: c, eumetsat: c, downloader: c}
		if cfg.TailorFormat != "" {
			out.downloader = eumetsat.Tailored{Client: c, Format: cfg.TailorFormat, Region: a.region}
		}
		return out
	}
	c := noaa.NewClient(noaa.Config{
		Timeout:           cfg.HTTPTimeout,
		RequestsPerSecond: cfg.RequestsPerSec,
		Policy:            retry.DefaultPolicy(),
	}, a.Metrics, logger.With("provider", cfg.Provider))
	return clients{provider: c, downloader: c}
}

func (a *App) newDecoder(logger *slog.Logger) *decoder.Decoder {
	var loader decoder.SceneLoader = decoder.DirLoader{}
	if a.Config.ReaderCommand != "" {
		loader = decoder.NewExecLoader(a.Config.ReaderCommand)
	}
	opts := decoder.Options{}
	if a.region != nil {
		opts.Region = *a.region
	}
	return decoder.New(loader, decoder.NewMaskCache(MaskCacheSize, a.Metrics), opts, logger)
}

func owner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Options returns the pipeline options derived from the configuration.
func (a *App) Options() pipeline.Options {
	cfg := a.Config
	return pipeline.Options{
		Product:     a.Product,
		History:     cfg.History,
		MaxDatasets: cfg.MaxDatasets,
		Shuffle:     cfg.Shuffle,
		Seed:        int64(cfg.ShuffleSeed),
		Rescale:     cfg.UseRescaler,
		StagingDir:  cfg.SaveDir,
		ScratchDir:  cfg.SaveDirNative,
		Layout:      a.layout,
		RetryDirty:  cfg.RetryDirty,
	}
}

// Pipeline builds a pipeline over the shared collaborators. Every call gets
// its own archive index, so pipelines may run concurrently.
func (a *App) Pipeline(opts pipeline.Options) *pipeline.Pipeline {
	return a.build(opts, clients{provider: a.Provider, downloader: a.downloader}, a.decoder, a.owner, a.Logger)
}

// Workers builds n backfill pipelines. Each has its own provider client,
// decoder and claim owner; they share the ledger and notifier handles.
func (a *App) Workers(n int, opts pipeline.Options) []*pipeline.Pipeline {
	out := make([]*pipeline.Pipeline, n)
	for i := range out {
		w := a.worker(i)
		out[i] = a.build(opts, w.clients, w.decoder, w.owner, w.logger)
	}
	return out
}

type worker struct {
	clients
	decoder *decoder.Decoder
	owner   string
	logger  *slog.Logger
}

func (a *App) worker(i int) worker {
	logger := a.Logger.With("worker", i)
	return worker{
		clients: a.newClients(logger),
		decoder: a.newDecoder(logger),
		owner:   fmt.Sprintf("%s/%d", a.owner, i),
		logger:  logger,
	}
}

func (a *App) build(opts pipeline.Options, c clients, dec *decoder.Decoder, owner string, logger *slog.Logger) *pipeline.Pipeline {
	deps := pipeline.Deps{
		Planner:    &planner{lister: c.provider, root: opts.StagingDir, logger: logger, byID: map[string]*reconcile.Reconciler{}},
		Downloader: c.downloader,
		Decoder:    dec,
		Archiver: func(p domain.Product) pipeline.Archiver {
			return archive.NewWriter(archive.Config{
				Root:   opts.StagingDir,
				Suffix: p.Suffix,
				Layout: opts.Layout,
				Owner:  owner,
			}, a.Metrics, logger)
		},
	}
	if !opts.SkipRolling {
		deps.Window = rolling.New(opts.StagingDir, opts.History, opts.Layout, logger)
	}
	if a.Ledger != nil {
		deps.Ledger = a.Ledger
	}
	if a.Notifier != nil {
		deps.Notifier = a.Notifier
	}
	return pipeline.New(opts, deps, logger, a.Metrics)
}

// planner keeps one reconciler per product so that a fallback product is
// checked against its own suffixed stores.
type planner struct {
	lister reconcile.Lister
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	byID map[string]*reconcile.Reconciler
}

func (p *planner) Missing(ctx context.Context, start, end time.Time, product domain.Product) (reconcile.Plan, error) {
	p.mu.Lock()
	r, ok := p.byID[product.ID]
	if !ok {
		r = reconcile.New(p.lister, archive.NewIndex(p.root, product.Suffix), p.logger)
		p.byID[product.ID] = r
	}
	p.mu.Unlock()
	return r.Missing(ctx, start, end, product)
}

// Cleanup deletes finished customisation jobs from the Data Tailor.
func (a *App) Cleanup(ctx context.Context) (int, error) {
	if a.EUMETSAT == nil {
		return 0, errors.New("cleanup needs PROVIDER=eumetsat")
	}
	return a.EUMETSAT.CleanupTailored(ctx)
}

// Close releases the ledger and the notifier.
func (a *App) Close() error {
	var errs []error
	if a.Notifier != nil {
		errs = append(errs, a.Notifier.Close())
	}
	if a.Ledger != nil {
		errs = append(errs, a.Ledger.Close())
	}
	return errors.Join(errs...)
}
