package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openclimatefix/Satip-sub000/internal/archive"
	"github.com/openclimatefix/Satip-sub000/internal/decoder"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"github.com/openclimatefix/Satip-sub000/internal/reconcile"
	"github.com/openclimatefix/Satip-sub000/internal/scaler"
)

// Planner computes the scans missing from a window.
type Planner interface {
	Missing(ctx context.Context, start, end time.Time, product domain.Product) (reconcile.Plan, error)
}

// Downloader fetches native scans into a scratch directory.
type Downloader interface {
	Download(ctx context.Context, scan domain.Scan, dir string) (domain.NativeFile, error)
}

// Decoder converts a native scan into one frame per variant.
type Decoder interface {
	Decode(ctx context.Context, native domain.NativeFile, product domain.Product) domain.Result[decoder.Decoded]
}

// Archiver appends frames to yearly archives.
type Archiver interface {
	AppendFrames(ctx context.Context, frames []*domain.Frame) ([]archive.FrameResult, error)
	RepairTimeCoordinates(ctx context.Context) error
	Close() error
}

// Window maintains the latest snapshots of the staging directory.
type Window interface {
	CollateLatest(end time.Time) ([]string, error)
	Evict(cutoff time.Time) (int, error)
}

// Ledger remembers per-scan outcomes across runs.
type Ledger interface {
	ShouldSkip(ctx context.Context, scan domain.Scan, retryDirty bool) (bool, error)
	Record(ctx context.Context, scan domain.Scan, outcome domain.Outcome, reason, runID string) error
	SetLastUpdated(ctx context.Context, productID string, t time.Time) error
}

// Notifier announces appended timesteps.
type Notifier interface {
	Notify(ctx context.Context, events []domain.ArchiveEvent) error
}

// DefaultBatchSize is the number of scans buffered before an archive append.
const DefaultBatchSize = archive.TimestepsPerChunk

// FallbackRatio is the share of a window's expected scans below which the
// fallback product is listed instead.
const FallbackRatio = 0.75

// DefaultEvictMargin is kept on top of the history window before artifacts
// are moved into the dated subtree.
const DefaultEvictMargin = 30 * time.Minute

// Options configures a Pipeline.
type Options struct {
	Product domain.Product
	History time.Duration
	// MaxDatasets caps the scans fetched per run; <= 0 is unlimited.
	MaxDatasets int
	Shuffle     bool
	// Seed makes the shuffle reproducible; 0 seeds from the clock.
	Seed int64
	// Rescale maps raw values to [0,1] with the product's default bounds.
	Rescale bool
	// StagingDir receives per-scan artifacts and the latest snapshots.
	StagingDir string
	// ScratchDir is the parent of the per-run scratch directory.
	ScratchDir  string
	Layout      archive.Layout
	RetryDirty  bool
	BatchSize   int
	EvictMargin time.Duration
	// SkipRolling disables collation and eviction, for backfill workers.
	SkipRolling bool
	// ExcludeEnd drops scans acquired at the window's end, so windows that
	// tile a range never write the same scan twice.
	ExcludeEnd bool
}

// Deps are the collaborators of a Pipeline. Ledger, Notifier and Window are
// optional.
type Deps struct {
	Planner    Planner
	Downloader Downloader
	Decoder    Decoder
	// Archiver returns the writer for a product's yearly archives.
	Archiver func(domain.Product) Archiver
	Window   Window
	Ledger   Ledger
	Notifier Notifier
}

// Pipeline runs reconcile → download → decode → rescale → write → rotate.
type Pipeline struct {
	opts    Options
	deps    Deps
	logger  *slog.Logger
	metrics *observability.Metrics
	ready   atomic.Bool
	state   atomic.Value
	last    atomic.Pointer[Summary]
}

// New creates a Pipeline.
func New(opts Options, deps Deps, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.EvictMargin <= 0 {
		opts.EvictMargin = DefaultEvictMargin
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	p := &Pipeline{opts: opts, deps: deps, logger: logger, metrics: metrics}
	p.state.Store(StateIdle)
	return p
}

// CheckReadiness returns nil once a run has completed, or an error
// describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not completed a run yet")
	}
	return nil
}

// State reports what the pipeline is doing.
func (p *Pipeline) State() State { return p.state.Load().(State) }

// Status is a point-in-time view of the pipeline for the status endpoint.
type Status struct {
	State   State    `json:"state"`
	Product string   `json:"product"`
	Ready   bool     `json:"ready"`
	LastRun *Summary `json:"last_run,omitempty"`
}

// Status reports the current state and the summary of the latest run.
func (p *Pipeline) Status() Status {
	return Status{
		State:   p.State(),
		Product: p.opts.Product.ID,
		Ready:   p.ready.Load(),
		LastRun: p.last.Load(),
	}
}

func (p *Pipeline) setState(s State) {
	p.state.Store(s)
	for _, st := range States {
		v := 0.0
		if st == s {
			v = 1
		}
		p.metrics.PipelineState.WithLabelValues(string(st)).Set(v)
	}
}

// Run processes the history window ending at now.
func (p *Pipeline) Run(ctx context.Context, now time.Time) (*Summary, error) {
	return p.RunWindow(ctx, now.Add(-p.opts.History), now)
}

// RunWindow processes every missing scan acquired in [start, end].
func (p *Pipeline) RunWindow(ctx context.Context, start, end time.Time) (*Summary, error) {
	began := domain.Now()
	r := &run{
		p:       p,
		id:      uuid.NewString(),
		writers: map[string]Archiver{},
		summary: newSummary(start, end),
	}
	r.summary.RunID = r.id
	logger := p.logger.With("run_id", r.id)
	r.logger = logger

	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)
	defer p.setState(StateIdle)

	scratch := filepath.Join(p.opts.ScratchDir, "satip-"+r.id)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return r.summary, domain.Fatal(fmt.Errorf("create scratch dir: %w", err))
	}
	r.scratch = scratch
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("remove scratch dir", "dir", scratch, "error", err)
		}
	}()

	logger.Info("run started", "start", start, "end", end, "product", p.opts.Product.ID)
	err := r.execute(ctx, start, end)
	if cerr := r.closeWriters(); err == nil && cerr != nil {
		err = domain.Fatal(cerr)
	}

	r.summary.Duration = domain.Now().Sub(began)
	p.metrics.RunDuration.Observe(r.summary.Duration.Seconds())
	switch {
	case err == nil:
		p.metrics.RunsTotal.WithLabelValues("success").Inc()
		p.ready.Store(true)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p.metrics.RunsTotal.WithLabelValues("cancelled").Inc()
	default:
		p.metrics.RunsTotal.WithLabelValues("fatal").Inc()
	}
	r.summary.Log(logger, err)
	p.last.Store(r.summary)
	return r.summary, err
}

// run holds the state of one RunWindow call.
type run struct {
	p       *Pipeline
	id      string
	logger  *slog.Logger
	scratch string
	product domain.Product
	writers map[string]Archiver
	buffer  []decodedScan
	summary *Summary
}

type decodedScan struct {
	scan   domain.Scan
	frames map[domain.Variant]*domain.Frame
}

func (r *run) execute(ctx context.Context, start, end time.Time) error {
	p := r.p
	p.setState(StateListing)
	scans, err := r.plan(ctx, start, end)
	if err != nil {
		return err
	}

	for _, scan := range scans {
		if err := ctx.Err(); err != nil {
			r.logger.Info("run cancelled between scans", "reason", err)
			// Frames already staged must still reach the archive.
			if ferr := r.flush(context.WithoutCancel(ctx)); ferr != nil {
				return ferr
			}
			return err
		}
		if err := r.process(ctx, scan); err != nil {
			if ctx.Err() != nil {
				if ferr := r.flush(context.WithoutCancel(ctx)); ferr != nil {
					return ferr
				}
			}
			return err
		}
		if len(r.buffer) >= p.opts.BatchSize {
			if err := r.flush(ctx); err != nil {
				return err
			}
		}
	}
	if err := r.flush(ctx); err != nil {
		return err
	}
	return r.finalize(ctx, end)
}

// plan lists the missing scans, falling back to the lower-cadence product
// when the primary one is sparse, then caps and shuffles.
func (r *run) plan(ctx context.Context, start, end time.Time) ([]domain.Scan, error) {
	p := r.p
	product := p.opts.Product
	plan, err := p.deps.Planner.Missing(ctx, start, end, product)
	if err != nil {
		return nil, err
	}
	if expected := ExpectedScans(end.Sub(start), product.Cadence); product.Fallback != "" &&
		float64(plan.Listed) < FallbackRatio*float64(expected) {
		fallback, ferr := domain.LookupProduct(product.Fallback)
		if ferr != nil {
			return nil, domain.Fatal(ferr)
		}
		r.logger.Warn("primary product is sparse, using fallback",
			"product", product.ID, "listed", plan.Listed, "expected", expected, "fallback", fallback.ID)
		product = fallback
		if plan, err = p.deps.Planner.Missing(ctx, start, end, product); err != nil {
			return nil, err
		}
		r.summary.Fallback = true
	}
	r.product = product
	r.summary.ProductID = product.ID
	r.summary.Listed = plan.Listed

	scans := plan.Missing
	if p.opts.ExcludeEnd {
		kept := scans[:0:0]
		for _, s := range scans {
			if s.Time.Before(end) {
				kept = append(kept, s)
			}
		}
		scans = kept
	}
	if p.opts.MaxDatasets > 0 && len(scans) > p.opts.MaxDatasets {
		scans = scans[:p.opts.MaxDatasets]
	}
	if p.opts.Shuffle {
		scans = Shuffle(scans, p.opts.Seed)
	}
	r.summary.Planned = len(scans)
	return scans, nil
}

// ExpectedScans is the number of scans a window of the given length holds at
// cadence.
func ExpectedScans(window, cadence time.Duration) int {
	if cadence <= 0 {
		return 0
	}
	return int(window / cadence)
}

// Shuffle returns a shuffled copy of scans. A zero seed uses a random one.
func Shuffle(scans []domain.Scan, seed int64) []domain.Scan {
	out := append([]domain.Scan(nil), scans...)
	var rng *rand.Rand
	if seed == 0 {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	} else {
		rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// process downloads, decodes and stages one scan. Only fatal errors are
// returned; everything else is recorded as the scan's outcome.
func (r *run) process(ctx context.Context, scan domain.Scan) error {
	p := r.p
	log := r.logger.With("scan", scan.ID, "time", scan.Time)

	if p.deps.Ledger != nil {
		skip, err := p.deps.Ledger.ShouldSkip(ctx, scan, p.opts.RetryDirty)
		if err != nil {
			log.Warn("ledger lookup failed", "error", err)
		}
		if skip {
			r.outcome(ctx, scan, domain.OutcomeDirty, errors.New("recorded dirty by an earlier run"), false)
			return nil
		}
	}

	p.setState(StateDownloading)
	began := domain.Now()
	native, err := p.deps.Downloader.Download(ctx, scan, r.scratch)
	if err != nil {
		if domain.IsFatal(err) || ctx.Err() != nil {
			return err
		}
		r.outcome(ctx, scan, domain.OutcomeTransient, err, true)
		return nil
	}
	p.metrics.DownloadDuration.Observe(domain.Now().Sub(began).Seconds())
	defer removeNative(native, log)

	p.setState(StateDecoding)
	res := p.deps.Decoder.Decode(ctx, native, r.product)
	switch {
	case res.IsFatal():
		return res.Err()
	case res.IsSkipped():
		outcome := domain.OutcomeTransient
		if decoder.IsDirty(res.Reason) {
			outcome = domain.OutcomeDirty
		}
		r.outcome(ctx, scan, outcome, res.Reason, true)
		return nil
	}

	frames := map[domain.Variant]*domain.Frame{}
	for _, v := range r.product.Variants() {
		f := res.Value.Frame(v)
		if f == nil {
			continue
		}
		if p.opts.Rescale {
			s, err := scaler.Default(r.product, v)
			if err != nil {
				return domain.Fatal(err)
			}
			if f, err = s.Rescale(f); err != nil {
				r.outcome(ctx, scan, domain.OutcomeDirty, err, true)
				return nil
			}
		}
		frames[v] = f
	}

	p.setState(StateWriting)
	for v, f := range frames {
		path, err := archive.WriteArtifact(p.opts.StagingDir, f, p.opts.Layout)
		if err != nil {
			return domain.Fatal(fmt.Errorf("stage %s: %w", v, err))
		}
		log.Debug("staged artifact", "path", path)
	}
	r.buffer = append(r.buffer, decodedScan{scan: scan, frames: frames})
	return nil
}

func removeNative(native domain.NativeFile, log *slog.Logger) {
	for _, f := range native.Files() {
		if err := os.RemoveAll(f); err != nil {
			log.Warn("remove native file", "path", f, "error", err)
		}
	}
}

// flush appends the buffered scans to the yearly archives, one batch per
// variant, and reports each scan's outcome.
func (r *run) flush(ctx context.Context) error {
	if len(r.buffer) == 0 {
		return nil
	}
	p := r.p
	p.setState(StateWriting)
	buf := r.buffer
	r.buffer = nil

	w, err := r.writer()
	if err != nil {
		return err
	}
	// Per-scan errors, keyed by rounded time; the first variant to fail wins.
	failed := map[int64]error{}
	var events []domain.ArchiveEvent
	for _, v := range r.product.Variants() {
		var frames []*domain.Frame
		for _, d := range buf {
			if f := d.frames[v]; f != nil {
				frames = append(frames, f)
			}
		}
		if len(frames) == 0 {
			continue
		}
		results, err := w.AppendFrames(ctx, frames)
		if err != nil {
			return err
		}
		events = append(events, r.events(v, results)...)
		for _, res := range results {
			if res.Err == nil {
				r.summary.observeStore(res.Store, res.Time)
				continue
			}
			if _, ok := failed[res.Time.UnixNano()]; !ok {
				failed[res.Time.UnixNano()] = res.Err
			}
		}
	}

	for _, d := range buf {
		err, bad := failed[d.scan.Time.UnixNano()]
		switch {
		case !bad:
			r.outcome(ctx, d.scan, domain.OutcomeDownloaded, nil, true)
		case errors.Is(err, domain.ErrDuplicate):
			r.outcome(ctx, d.scan, domain.OutcomeDuplicate, err, true)
		default:
			r.outcome(ctx, d.scan, domain.OutcomeCoordMismatch, err, true)
		}
	}

	if err := w.RepairTimeCoordinates(ctx); err != nil {
		return err
	}
	if p.deps.Notifier != nil && len(events) > 0 {
		if err := p.deps.Notifier.Notify(ctx, events); err != nil {
			r.logger.Warn("archive notification failed", "error", err, "events", len(events))
		}
	}
	return nil
}

func (r *run) writer() (Archiver, error) {
	if w, ok := r.writers[r.product.ID]; ok {
		return w, nil
	}
	if r.p.deps.Archiver == nil {
		return nil, domain.Fatal(errors.New("no archiver configured"))
	}
	w := r.p.deps.Archiver(r.product)
	r.writers[r.product.ID] = w
	return w, nil
}

func (r *run) closeWriters() error {
	var errs []error
	for _, w := range r.writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

// events groups the written timesteps of one append by store.
func (r *run) events(v domain.Variant, results []archive.FrameResult) []domain.ArchiveEvent {
	byStore := map[string][]time.Time{}
	var order []string
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		if _, ok := byStore[res.Store]; !ok {
			order = append(order, res.Store)
		}
		byStore[res.Store] = append(byStore[res.Store], res.Time)
	}
	out := make([]domain.ArchiveEvent, 0, len(order))
	for _, store := range order {
		out = append(out, domain.ArchiveEvent{
			ID:         uuid.NewString(),
			RunID:      r.id,
			Provider:   r.product.Provider,
			ProductID:  r.product.ID,
			Variant:    v,
			Store:      store,
			Times:      byStore[store],
			AppendedAt: domain.Now(),
		})
	}
	return out
}

// outcome logs the user-visible result of one scan and remembers it.
func (r *run) outcome(ctx context.Context, scan domain.Scan, o domain.Outcome, reason error, record bool) {
	r.summary.count(o)
	r.p.metrics.ScansProcessed.WithLabelValues(o.Label()).Inc()

	attrs := []any{"scan", scan.ID, "time", scan.Time, "outcome", string(o)}
	if reason != nil {
		attrs = append(attrs, "reason", reason.Error())
	}
	if o == domain.OutcomeTransient {
		r.logger.Warn("scan processed", attrs...)
	} else {
		r.logger.Info("scan processed", attrs...)
	}

	if !record || r.p.deps.Ledger == nil {
		return
	}
	why := ""
	if reason != nil {
		why = reason.Error()
	}
	if err := r.p.deps.Ledger.Record(ctx, scan, o, why, r.id); err != nil {
		r.logger.Warn("ledger write failed", "scan", scan.ID, "error", err)
	}
}

// finalize repairs the archives, refreshes the latest snapshots and moves
// aged-out artifacts away.
func (r *run) finalize(ctx context.Context, end time.Time) error {
	p := r.p
	p.setState(StateFinalizing)
	for _, w := range r.writers {
		if err := w.RepairTimeCoordinates(ctx); err != nil {
			return err
		}
	}
	for path := range r.summary.Stores {
		info, err := archive.Inspect(path)
		if err != nil {
			r.logger.Warn("inspect archive", "store", path, "error", err)
			continue
		}
		if n := len(info.Times); n > 0 {
			r.summary.Stores[path] = Extent{First: info.Times[0], Last: info.Times[n-1], Timesteps: n}
		}
	}

	if !p.opts.SkipRolling && p.deps.Window != nil {
		if _, err := p.deps.Window.CollateLatest(end); err != nil {
			return domain.Fatal(fmt.Errorf("collate latest: %w", err))
		}
		cutoff := end.Add(-p.opts.History - p.opts.EvictMargin)
		if _, err := p.deps.Window.Evict(cutoff); err != nil {
			return domain.Fatal(fmt.Errorf("evict: %w", err))
		}
	}

	if p.deps.Ledger != nil && r.summary.Outcomes[domain.OutcomeDownloaded] > 0 {
		if err := p.deps.Ledger.SetLastUpdated(ctx, r.product.ID, end); err != nil {
			r.logger.Warn("record last updated", "error", err)
		}
	}
	return nil
}
