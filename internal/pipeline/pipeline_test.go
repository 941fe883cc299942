package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openclimatefix/Satip-sub000/internal/archive"
	"github.com/openclimatefix/Satip-sub000/internal/decoder"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/ledger"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"github.com/openclimatefix/Satip-sub000/internal/pipeline"
	"github.com/openclimatefix/Satip-sub000/internal/reconcile"
	"github.com/openclimatefix/Satip-sub000/internal/rolling"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runEnd = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

// --- mocks ---

type mockPlanner struct {
	mu     sync.Mutex
	listed map[string]int
	scans  map[string][]domain.Scan
	calls  []string
}

func (m *mockPlanner) Missing(_ context.Context, _, _ time.Time, product domain.Product) (reconcile.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, product.ID)
	scans := m.scans[product.ID]
	listed, ok := m.listed[product.ID]
	if !ok {
		listed = len(scans)
	}
	return reconcile.Plan{Product: product, Listed: listed, Missing: scans}, nil
}

type mockDownloader struct {
	mu      sync.Mutex
	fail    map[string]error
	order   []string
	onFetch func(n int)
}

func (m *mockDownloader) Download(_ context.Context, scan domain.Scan, dir string) (domain.NativeFile, error) {
	m.mu.Lock()
	m.order = append(m.order, scan.ID)
	n := len(m.order)
	err := m.fail[scan.ID]
	m.mu.Unlock()
	if m.onFetch != nil {
		m.onFetch(n)
	}
	if err != nil {
		return domain.NativeFile{}, err
	}
	path := filepath.Join(dir, scan.ID+".nat")
	if err := os.WriteFile(path, []byte("native"), 0o644); err != nil {
		return domain.NativeFile{}, err
	}
	return domain.NativeFile{Scan: scan, Path: path, Size: 6}, nil
}

func (m *mockDownloader) fetched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// mockDecoder builds small frames whose values encode the scan time.
type mockDecoder struct {
	dirty   map[string]bool
	shifted map[string]bool
}

func testFrame(v domain.Variant, vars []string, t time.Time) *domain.Frame {
	f := domain.NewFrame(v, []time.Time{t}, []float64{3000, 0, -3000}, []float64{-3000, 0, 3000, 6000}, vars)
	val := float32(t.Minute()%60) / 64
	for i := range f.Data {
		f.Data[i] = val
	}
	return f
}

func (m *mockDecoder) Decode(_ context.Context, native domain.NativeFile, product domain.Product) domain.Result[decoder.Decoded] {
	if m.dirty[native.Scan.ID] {
		return domain.Skipped[decoder.Decoded](fmt.Errorf("decode: %w", domain.ErrDirtyScan))
	}
	out := decoder.Decoded{NonHRV: testFrame(domain.VariantNonHRV, product.Narrowband, native.Scan.Time)}
	if product.HasHRV() {
		out.HRV = testFrame(domain.VariantHRV, []string{product.HRV}, native.Scan.Time)
	}
	if m.shifted[native.Scan.ID] {
		for i := range out.NonHRV.X {
			out.NonHRV.X[i] += 50_000
		}
	}
	return domain.OK(out)
}

type mockNotifier struct {
	events []domain.ArchiveEvent
}

func (m *mockNotifier) Notify(_ context.Context, events []domain.ArchiveEvent) error {
	m.events = append(m.events, events...)
	return nil
}

// --- fixture ---

type fixture struct {
	staging, archiveDir, scratch string
	planner                      *mockPlanner
	downloader                   *mockDownloader
	decoder                      *mockDecoder
	notifier                     *mockNotifier
	ledger                       *ledger.Ledger
	metrics                      *observability.Metrics
	opts                         pipeline.Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(runEnd))
	t.Cleanup(func() { domain.SetClock(nil) })

	l, err := ledger.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	f := &fixture{
		staging:    t.TempDir(),
		archiveDir: t.TempDir(),
		scratch:    t.TempDir(),
		planner:    &mockPlanner{listed: map[string]int{}, scans: map[string][]domain.Scan{}},
		downloader: &mockDownloader{fail: map[string]error{}},
		decoder:    &mockDecoder{dirty: map[string]bool{}, shifted: map[string]bool{}},
		notifier:   &mockNotifier{},
		ledger:     l,
		metrics:    observability.NewMetricsForTesting(),
	}
	f.opts = pipeline.Options{
		Product:    domain.MustProduct(domain.ProductRSS),
		History:    2 * time.Hour,
		StagingDir: f.staging,
		ScratchDir: f.scratch,
	}
	return f
}

func (f *fixture) pipeline() *pipeline.Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := pipeline.Deps{
		Planner:    f.planner,
		Downloader: f.downloader,
		Decoder:    f.decoder,
		Archiver: func(p domain.Product) pipeline.Archiver {
			return archive.NewWriter(archive.Config{Root: f.archiveDir, Suffix: p.Suffix, Owner: "test"}, f.metrics, logger)
		},
		Window:   rolling.New(f.staging, f.opts.History, archive.Layout{}, logger),
		Ledger:   f.ledger,
		Notifier: f.notifier,
	}
	return pipeline.New(f.opts, deps, logger, f.metrics)
}

func scansEvery5(product domain.Product, from time.Time, n int) []domain.Scan {
	out := make([]domain.Scan, n)
	for i := range out {
		t := from.Add(time.Duration(i) * 5 * time.Minute)
		out[i] = domain.Scan{
			ID:        "scan-" + t.Format("1504"),
			Provider:  product.Provider,
			ProductID: product.ID,
			Start:     t,
			End:       t.Add(4 * time.Minute),
			Time:      t,
		}
	}
	return out
}

func readArchive(t *testing.T, f *fixture, v domain.Variant) *domain.Frame {
	t.Helper()
	frame, err := archive.ReadStore(filepath.Join(f.archiveDir, archive.StoreName(2023, v, "")), v)
	require.NoError(t, err)
	return frame
}

// --- tests ---

func TestPipeline_Run_HappyPath(t *testing.T) {
	f := newFixture(t)
	rss := domain.MustProduct(domain.ProductRSS)
	f.planner.scans[rss.ID] = scansEvery5(rss, runEnd.Add(-70*time.Minute), 14)

	p := f.pipeline()
	require.Error(t, p.CheckReadiness(context.Background()))

	summary, err := p.Run(context.Background(), runEnd)
	require.NoError(t, err)
	assert.Equal(t, 14, summary.Outcomes[domain.OutcomeDownloaded])
	assert.Equal(t, 14, summary.Processed())
	assert.False(t, summary.Fallback)
	assert.NoError(t, p.CheckReadiness(context.Background()))
	assert.Equal(t, pipeline.StateIdle, p.State())

	for _, v := range domain.Variants {
		frame := readArchive(t, f, v)
		require.Len(t, frame.Times, 14)
		assert.Equal(t, runEnd.Add(-70*time.Minute), frame.Times[0])
		assert.Equal(t, runEnd.Add(-5*time.Minute), frame.Times[13])
	}

	// Two flushes (12 + 2) of two variants.
	assert.Len(t, f.notifier.events, 4)
	assert.Len(t, f.notifier.events[0].Times, 12)
	assert.Len(t, f.notifier.events[2].Times, 2)

	extent := summary.Stores[filepath.Join(f.archiveDir, "2023_nonhrv.zarr")]
	assert.Equal(t, 14, extent.Timesteps)
	assert.Equal(t, runEnd.Add(-5*time.Minute), extent.Last)

	assert.FileExists(t, filepath.Join(f.staging, "latest.zarr.zip"))
	assert.FileExists(t, filepath.Join(f.staging, "hrv_latest.zarr.zip"))
	assert.FileExists(t, filepath.Join(f.staging, "202306011055.zarr.zip"))

	updated, ok, err := f.ledger.LastUpdated(context.Background(), rss.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, runEnd, updated)

	scratch, err := os.ReadDir(f.scratch)
	require.NoError(t, err)
	assert.Empty(t, scratch, "scratch directory is removed")

	assert.InDelta(t, 14, testutil.ToFloat64(f.metrics.ScansProcessed.WithLabelValues("downloaded")), 0)
	assert.InDelta(t, 28, testutil.ToFloat64(f.metrics.FramesAppended.WithLabelValues("nonhrv"))+
		testutil.ToFloat64(f.metrics.FramesAppended.WithLabelValues("hrv")), 0)
}

func TestPipeline_Run_TimeCoordinateRepaired(t *testing.T) {
	f := newFixture(t)
	rss := domain.MustProduct(domain.ProductRSS)
	f.planner.scans[rss.ID] = scansEvery5(rss, runEnd.Add(-time.Hour), 5)

	_, err := f.pipeline().Run(context.Background(), runEnd)
	require.NoError(t, err)

	info, err := archive.Inspect(filepath.Join(f.archiveDir, "2023_hrv.zarr"))
	require.NoError(t, err)
	assert.Equal(t, []int{5}, info.TimeChunks)
	assert.Empty(t, info.Problems())
}

func TestPipeline_Run_FallbackWhenSparse(t *testing.T) {
	tests := []struct {
		name         string
		listed       int
		wantFallback bool
	}{
		{name: "8 of 12 listed", listed: 8, wantFallback: true},
		{name: "9 of 12 listed", listed: 9, wantFallback: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.opts.History = time.Hour
			rss := domain.MustProduct(domain.ProductRSS)
			full := domain.MustProduct(domain.ProductFullDisk)
			f.planner.listed[rss.ID] = tt.listed
			f.planner.scans[full.ID] = scansEvery5(full, runEnd.Add(-45*time.Minute), 1)

			summary, err := f.pipeline().Run(context.Background(), runEnd)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFallback, summary.Fallback)
			if tt.wantFallback {
				assert.Equal(t, []string{rss.ID, full.ID}, f.planner.calls)
				assert.Equal(t, full.ID, summary.ProductID)
				assert.Equal(t, 1, summary.Outcomes[domain.OutcomeDownloaded])
				assert.DirExists(t, filepath.Join(f.archiveDir, "2023_nonhrv_odegree.zarr"))
			} else {
				assert.Equal(t, []string{rss.ID}, f.planner.calls)
				assert.Equal(t, 0, summary.Processed())
			}
		})
	}
}

type storedTimes map[time.Time]bool

func (s storedTimes) ArtifactTimes(_ domain.Variant, day time.Time) ([]time.Time, error) {
	var out []time.Time
	for ts := range s {
		if ts.Truncate(24 * time.Hour).Equal(day) {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (s storedTimes) Has(_ domain.Variant, ts time.Time) (bool, error) { return s[ts], nil }

type scanLister []domain.Scan

func (l scanLister) List(_ context.Context, start, end time.Time, _ domain.Product) ([]domain.Scan, error) {
	var out []domain.Scan
	for _, s := range l {
		if !s.Time.Before(start) && !s.Time.After(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestPipeline_Run_NearlyCompleteArchiveKeepsPrimaryProduct(t *testing.T) {
	f := newFixture(t)
	f.opts.History = time.Hour
	rss := domain.MustProduct(domain.ProductRSS)
	offered := scansEvery5(rss, runEnd.Add(-time.Hour), 13)
	stored := storedTimes{}
	for _, s := range offered[:11] {
		stored[s.Time] = true
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := pipeline.New(f.opts, pipeline.Deps{
		Planner:    reconcile.New(scanLister(offered), stored, logger),
		Downloader: f.downloader,
		Decoder:    f.decoder,
		Archiver: func(p domain.Product) pipeline.Archiver {
			return archive.NewWriter(archive.Config{Root: f.archiveDir, Suffix: p.Suffix, Owner: "test"}, f.metrics, logger)
		},
	}, logger, f.metrics)

	summary, err := p.Run(context.Background(), runEnd)
	require.NoError(t, err)
	assert.False(t, summary.Fallback)
	assert.Equal(t, rss.ID, summary.ProductID)
	assert.Equal(t, 13, summary.Listed)
	assert.Equal(t, 2, summary.Outcomes[domain.OutcomeDownloaded])
	assert.NoDirExists(t, filepath.Join(f.archiveDir, "2023_nonhrv_odegree.zarr"))
}

func TestPipeline_Run_CapAndShuffle(t *testing.T) {
	f := newFixture(t)
	f.opts.MaxDatasets = 3
	f.opts.Shuffle = true
	f.opts.Seed = 42
	rss := domain.MustProduct(domain.ProductRSS)
	scans := scansEvery5(rss, runEnd.Add(-time.Hour), 10)
	f.planner.scans[rss.ID] = scans

	summary, err := f.pipeline().Run(context.Background(), runEnd)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Planned)
	assert.ElementsMatch(t, []string{scans[0].ID, scans[1].ID, scans[2].ID}, f.downloader.fetched())

	// The archive is time-sorted whatever the download order.
	frame := readArchive(t, f, domain.VariantNonHRV)
	assert.Equal(t, []time.Time{scans[0].Time, scans[1].Time, scans[2].Time}, frame.Times)
}

func TestShuffle(t *testing.T) {
	rss := domain.MustProduct(domain.ProductRSS)
	scans := scansEvery5(rss, runEnd, 20)

	a := pipeline.Shuffle(scans, 7)
	b := pipeline.Shuffle(scans, 7)
	assert.Equal(t, a, b, "same seed, same order")
	assert.ElementsMatch(t, scans, a)
	assert.NotEqual(t, scans, a)
	assert.Equal(t, "scan-1200", scans[0].ID, "input is not modified")
	assert.ElementsMatch(t, scans, pipeline.Shuffle(scans, 0))
}

func TestExpectedScans(t *testing.T) {
	assert.Equal(t, 12, pipeline.ExpectedScans(time.Hour, 5*time.Minute))
	assert.Equal(t, 4, pipeline.ExpectedScans(time.Hour, 15*time.Minute))
	assert.Equal(t, 0, pipeline.ExpectedScans(time.Hour, 0))
}

func TestPipeline_Run_MisalignedFrameInBatchIsSkipped(t *testing.T) {
	f := newFixture(t)
	rss := domain.MustProduct(domain.ProductRSS)
	scans := scansEvery5(rss, runEnd.Add(-time.Hour), 3)
	f.planner.scans[rss.ID] = scans
	f.decoder.shifted[scans[2].ID] = true

	summary, err := f.pipeline().Run(context.Background(), runEnd)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Outcomes[domain.OutcomeDownloaded])
	assert.Equal(t, 1, summary.Outcomes[domain.OutcomeCoordMismatch])

	frame := readArchive(t, f, domain.VariantNonHRV)
	assert.Equal(t, []time.Time{scans[0].Time, scans[1].Time}, frame.Times)
	assert.Equal(t, []float64{-3000, 0, 3000, 6000}, frame.X)
}

func TestPipeline_RunWindow_ExcludeEndKeepsYearClosed(t *testing.T) {
	f := newFixture(t)
	f.opts.ExcludeEnd = true
	f.opts.SkipRolling = true
	rss := domain.MustProduct(domain.ProductRSS)
	newYear := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	f.planner.scans[rss.ID] = scansEvery5(rss, newYear.Add(-10*time.Minute), 3)
	f.planner.listed[rss.ID] = 31 * 288

	summary, err := f.pipeline().RunWindow(context.Background(), time.Date(2020, 12, 1, 0, 0, 0, 0, time.UTC), newYear)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Planned)
	assert.Equal(t, 2, summary.Outcomes[domain.OutcomeDownloaded])
	assert.DirExists(t, filepath.Join(f.archiveDir, archive.StoreName(2020, domain.VariantNonHRV, "")))
	assert.NoDirExists(t, filepath.Join(f.archiveDir, archive.StoreName(2021, domain.VariantNonHRV, "")))
}

func TestPipeline_Run_PerScanFailuresAreSkipped(t *testing.T) {
	f := newFixture(t)
	rss := domain.MustProduct(domain.ProductRSS)
	scans := scansEvery5(rss, runEnd.Add(-time.Hour), 4)
	f.planner.scans[rss.ID] = scans
	f.downloader.fail[scans[1].ID] = fmt.Errorf("connection reset: %w", domain.ErrTransient)
	f.decoder.dirty[scans[2].ID] = true

	summary, err := f.pipeline().Run(context.Background(), runEnd)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Outcomes[domain.OutcomeDownloaded])
	assert.Equal(t, 1, summary.Outcomes[domain.OutcomeTransient])
	assert.Equal(t, 1, summary.Outcomes[domain.OutcomeDirty])

	entry, ok, err := f.ledger.Lookup(context.Background(), scans[2])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeDirty, entry.Outcome)
	assert.Equal(t, summary.RunID, entry.RunID)

	frame := readArchive(t, f, domain.VariantNonHRV)
	assert.Equal(t, []time.Time{scans[0].Time, scans[3].Time}, frame.Times)

	// A later run does not fetch the dirty scan again.
	f.downloader.order = nil
	delete(f.downloader.fail, scans[1].ID)
	f.planner.scans[rss.ID] = []domain.Scan{scans[1], scans[2]}
	summary, err = f.pipeline().Run(context.Background(), runEnd)
	require.NoError(t, err)
	assert.Equal(t, []string{scans[1].ID}, f.downloader.fetched())
	assert.Equal(t, 1, summary.Outcomes[domain.OutcomeDirty])
	assert.Equal(t, 1, summary.Outcomes[domain.OutcomeDownloaded])
}

func TestPipeline_Run_DuplicatesReported(t *testing.T) {
	f := newFixture(t)
	rss := domain.MustProduct(domain.ProductRSS)
	f.planner.scans[rss.ID] = scansEvery5(rss, runEnd.Add(-time.Hour), 3)

	_, err := f.pipeline().Run(context.Background(), runEnd)
	require.NoError(t, err)
	summary, err := f.pipeline().Run(context.Background(), runEnd)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Outcomes[domain.OutcomeDuplicate])
	assert.Len(t, readArchive(t, f, domain.VariantHRV).Times, 3)
}

func TestPipeline_Run_FatalDownloadError(t *testing.T) {
	f := newFixture(t)
	rss := domain.MustProduct(domain.ProductRSS)
	scans := scansEvery5(rss, runEnd.Add(-time.Hour), 3)
	f.planner.scans[rss.ID] = scans
	f.downloader.fail[scans[1].ID] = fmt.Errorf("token rejected: %w", domain.ErrUnauthorized)

	p := f.pipeline()
	_, err := p.Run(context.Background(), runEnd)
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Error(t, p.CheckReadiness(context.Background()))
	assert.Equal(t, pipeline.StateIdle, p.State())
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues("fatal")), 0)

	scratch, err := os.ReadDir(f.scratch)
	require.NoError(t, err)
	assert.Empty(t, scratch)
}

func TestPipeline_Run_CancelledRunKeepsStagedFrames(t *testing.T) {
	f := newFixture(t)
	rss := domain.MustProduct(domain.ProductRSS)
	scans := scansEvery5(rss, runEnd.Add(-time.Hour), 6)
	f.planner.scans[rss.ID] = scans

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.downloader.onFetch = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	_, err := f.pipeline().Run(ctx, runEnd)
	require.ErrorIs(t, err, context.Canceled)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues("cancelled")), 0)

	frame := readArchive(t, f, domain.VariantNonHRV)
	assert.Equal(t, []time.Time{scans[0].Time, scans[1].Time}, frame.Times)
}

func TestPipeline_Run_WriteFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	rss := domain.MustProduct(domain.ProductRSS)
	f.planner.scans[rss.ID] = scansEvery5(rss, runEnd.Add(-time.Hour), 2)
	// Another writer holds the yearly archive.
	require.NoError(t, os.WriteFile(filepath.Join(f.archiveDir, "2023_nonhrv.zarr"+archive.OwnerSuffix), []byte("other"), 0o644))

	_, err := f.pipeline().Run(context.Background(), runEnd)
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.True(t, errors.Is(err, domain.ErrNotOwner))
}
