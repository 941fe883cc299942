package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/chunkstore"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
)

// DefaultEpsilon is the coordinate tolerance, in metres, between a frame
// and the archive it is appended to.
const DefaultEpsilon = domain.AxisTolerance

// Config configures a Writer.
type Config struct {
	Root string
	// Suffix is the product suffix of store names ("_iodc", ...).
	Suffix string
	Layout Layout
	// Owner identifies this writer in claim files.
	Owner      string
	StaleClaim time.Duration
	Epsilon    float64
}

// FrameResult is the outcome of one timestep of an append. Err is nil when
// the timestep was written, or one of ErrDuplicate, ErrCoordMismatch and
// ErrShapeMismatch when it was skipped.
type FrameResult struct {
	Variant domain.Variant
	Time    time.Time
	Store   string
	Err     error
}

// Writer appends frames to yearly {HRV, non-HRV} stores.
type Writer struct {
	cfg     Config
	reg     *chunkstore.Registry
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	claimed map[string]bool
	touched map[string]bool
}

// NewWriter creates a Writer rooted at cfg.Root.
func NewWriter(cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Writer {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.StaleClaim == 0 {
		cfg.StaleClaim = DefaultStaleClaim
	}
	return &Writer{
		cfg:     cfg,
		reg:     NewRegistry(),
		metrics: metrics,
		logger:  logger,
		claimed: map[string]bool{},
		touched: map[string]bool{},
	}
}

// StoreName is the directory name of a yearly store.
func StoreName(year int, v domain.Variant, suffix string) string {
	return fmt.Sprintf("%04d_%s%s.zarr", year, v, suffix)
}

// StorePath is the location of the yearly store for (year, v).
func (w *Writer) StorePath(year int, v domain.Variant) string {
	return filepath.Join(w.cfg.Root, StoreName(year, v, w.cfg.Suffix))
}

// AppendBatch appends every timestep of batch to the yearly stores of its
// variant. Skipped timesteps are reported in the results; any write failure
// is returned as a fatal error.
func (w *Writer) AppendBatch(ctx context.Context, batch *domain.Frame) ([]FrameResult, error) {
	return w.AppendFrames(ctx, []*domain.Frame{batch})
}

// AppendFrames appends frames of one variant. Each timestep is checked
// against the archive's coordinates on its own, so one misaligned frame is
// skipped without affecting the rest.
func (w *Writer) AppendFrames(ctx context.Context, frames []*domain.Frame) ([]FrameResult, error) {
	byYear := map[int][]*domain.Frame{}
	for _, f := range frames {
		if err := f.Validate(); err != nil {
			return nil, domain.Fatal(err)
		}
		if f.Variant != frames[0].Variant {
			return nil, domain.Fatal(fmt.Errorf("append %s with %s: %w", f.Variant, frames[0].Variant, domain.ErrShapeMismatch))
		}
		for i, t := range f.Times {
			byYear[t.Year()] = append(byYear[t.Year()], f.Timestep(i))
		}
	}
	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)

	var results []FrameResult
	for _, year := range years {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		steps := byYear[year]
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].Time().Before(steps[j].Time()) })
		res, err := w.appendYear(year, steps)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Append writes a single-timestep frame.
func (w *Writer) Append(ctx context.Context, f *domain.Frame) (FrameResult, error) {
	res, err := w.AppendBatch(ctx, f)
	if len(res) == 0 {
		return FrameResult{Variant: f.Variant, Time: f.Time()}, err
	}
	return res[0], err
}

// appendYear writes time-sorted single-timestep frames to one yearly store.
func (w *Writer) appendYear(year int, steps []*domain.Frame) ([]FrameResult, error) {
	v := steps[0].Variant
	path := w.StorePath(year, v)
	if err := w.claim(path); err != nil {
		return nil, domain.Fatal(err)
	}

	results := make([]FrameResult, len(steps))
	for i, f := range steps {
		results[i] = FrameResult{Variant: v, Time: f.Time(), Store: path}
	}

	store, err := chunkstore.NewDirStorage(path)
	if err != nil {
		return nil, domain.Fatal(err)
	}

	keep := dedupeTimes(steps, results)
	exists := chunkstore.Exists(store)

	var (
		g     *chunkstore.Group
		times []time.Time
		xs    = keep[0].X
		ys    = keep[0].Y
	)
	if exists {
		if g, err = chunkstore.OpenGroup(store, w.reg); err != nil {
			return results, domain.Fatal(fmt.Errorf("open %s: %w", path, err))
		}
		if times, err = readTimes(g); err != nil {
			return results, domain.Fatal(err)
		}
		if xs, err = readAxis(g, XArray); err != nil {
			return results, domain.Fatal(err)
		}
		if ys, err = readAxis(g, YArray); err != nil {
			return results, domain.Fatal(err)
		}
	}
	xs, ys = append([]float64(nil), xs...), append([]float64(nil), ys...)

	existing := make(map[int64]bool, len(times))
	for _, t := range times {
		existing[t.UnixNano()] = true
	}
	var fresh []*domain.Frame
	for _, i := range keepIndex(results) {
		f := steps[i]
		if existing[f.Time().UnixNano()] {
			results[i].Err = domain.ErrDuplicate
			continue
		}
		if err := w.alignCoords(f, xs, ys); err != nil {
			w.logger.Warn("skipping frame with incompatible coordinates",
				"store", path, "time", f.Time(), "error", err)
			results[i].Err = err
			continue
		}
		// Within tolerance: store under the archive's axes.
		f.X, f.Y = xs, ys
		fresh = append(fresh, f)
	}
	if len(fresh) == 0 {
		return results, nil
	}
	add, err := domain.ConcatTime(fresh)
	if err != nil {
		return results, domain.Fatal(err)
	}

	if !exists {
		if _, err := initStore(store, w.reg, add, w.cfg.Layout); err != nil {
			return results, domain.Fatal(fmt.Errorf("initialize %s: %w", path, err))
		}
		w.logger.Info("created archive", "store", path, "timesteps", len(add.Times))
		w.markWritten(path, add)
		return results, nil
	}

	if len(times) == 0 || add.Times[0].After(times[len(times)-1]) {
		err = appendTail(g, len(times), add)
	} else {
		for i := range add.Times {
			if err = insert(g, add.Timestep(i)); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = g.Consolidate()
	}
	if err != nil {
		return results, domain.Fatal(fmt.Errorf("write %s: %w", path, err))
	}
	w.markWritten(path, add)
	return results, nil
}

// dedupeTimes marks repeated timesteps in results and returns the rest.
func dedupeTimes(steps []*domain.Frame, results []FrameResult) []*domain.Frame {
	seen := map[int64]bool{}
	var keep []*domain.Frame
	for i, f := range steps {
		if seen[f.Time().UnixNano()] {
			results[i].Err = domain.ErrDuplicate
			continue
		}
		seen[f.Time().UnixNano()] = true
		keep = append(keep, f)
	}
	return keep
}

// keepIndex lists the results not yet marked as skipped.
func keepIndex(results []FrameResult) []int {
	var out []int
	for i, r := range results {
		if r.Err == nil {
			out = append(out, i)
		}
	}
	return out
}

// alignCoords checks f's axes against the archive's, reversing f in place
// when its axes run in the opposite direction.
func (w *Writer) alignCoords(f *domain.Frame, xs, ys []float64) error {
	if len(f.X) != len(xs) || len(f.Y) != len(ys) {
		return fmt.Errorf("%w: frame %dx%d, archive %dx%d", domain.ErrShapeMismatch, len(f.Y), len(f.X), len(ys), len(xs))
	}
	eps := w.cfg.Epsilon
	if !axisMatches(f.X, xs, eps) && axisMatches(reversed(f.X), xs, eps) {
		f.ReverseX()
	}
	if !axisMatches(f.Y, ys, eps) && axisMatches(reversed(f.Y), ys, eps) {
		f.ReverseY()
	}
	if !axisMatches(f.X, xs, eps) || !axisMatches(f.Y, ys, eps) {
		return fmt.Errorf("%w: x [%g, %g] vs [%g, %g], y [%g, %g] vs [%g, %g]", domain.ErrCoordMismatch,
			f.X[0], f.X[len(f.X)-1], xs[0], xs[len(xs)-1],
			f.Y[0], f.Y[len(f.Y)-1], ys[0], ys[len(ys)-1])
	}
	return nil
}

// axisMatches compares the head and tail of two axes.
func axisMatches(a, b []float64, eps float64) bool {
	if len(a) != len(b) || len(a) == 0 {
		return len(a) == len(b)
	}
	return math.Abs(a[0]-b[0]) <= eps && math.Abs(a[len(a)-1]-b[len(b)-1]) <= eps
}

func reversed(a []float64) []float64 {
	out := make([]float64, len(a))
	for i, v := range a {
		out[len(a)-1-i] = v
	}
	return out
}

func resize(g *chunkstore.Group, nt int) (data, tarr *chunkstore.Array, err error) {
	if data, err = g.Array(DataArray); err != nil {
		return nil, nil, err
	}
	if tarr, err = g.Array(TimeArray); err != nil {
		return nil, nil, err
	}
	shape := data.Shape()
	shape[0] = nt
	if err := data.Resize(shape); err != nil {
		return nil, nil, err
	}
	if err := tarr.Resize([]int{nt}); err != nil {
		return nil, nil, err
	}
	return data, tarr, nil
}

// appendTail grows the store by f's timesteps after the existing n.
func appendTail(g *chunkstore.Group, n int, f *domain.Frame) error {
	data, tarr, err := resize(g, n+len(f.Times))
	if err != nil {
		return err
	}
	if err := tarr.WriteInt64([]int{n}, []int{len(f.Times)}, timesToNanos(f.Times)); err != nil {
		return err
	}
	return writeVariables(data, n, f)
}

// insert places a single timestep at its sorted position, shifting later
// timesteps by one.
func insert(g *chunkstore.Group, f *domain.Frame) error {
	times, err := readTimes(g)
	if err != nil {
		return err
	}
	n := len(times)
	t := f.Time()
	i := sort.Search(n, func(k int) bool { return !times[k].Before(t) })

	data, tarr, err := resize(g, n+1)
	if err != nil {
		return err
	}
	if tail := n - i; tail > 0 {
		ns, err := tarr.ReadInt64([]int{i}, []int{tail})
		if err != nil {
			return err
		}
		if err := tarr.WriteInt64([]int{i + 1}, []int{tail}, ns); err != nil {
			return err
		}
		shape := data.Shape()
		for v := 0; v < shape[3]; v++ {
			vals, err := data.ReadFloat32([]int{i, 0, 0, v}, []int{tail, shape[1], shape[2], 1})
			if err != nil {
				return err
			}
			if err := data.WriteFloat32([]int{i + 1, 0, 0, v}, []int{tail, shape[1], shape[2], 1}, vals); err != nil {
				return err
			}
		}
	}
	if err := tarr.WriteInt64([]int{i}, []int{1}, timesToNanos(f.Times)); err != nil {
		return err
	}
	return writeVariables(data, i, f)
}

func (w *Writer) claim(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.claimed[path] {
		return nil
	}
	if w.cfg.Owner != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := claim(path, w.cfg.Owner, w.cfg.StaleClaim); err != nil {
			return err
		}
	}
	w.claimed[path] = true
	return nil
}

func (w *Writer) markWritten(path string, f *domain.Frame) {
	w.mu.Lock()
	w.touched[path] = true
	w.mu.Unlock()
	if w.metrics != nil {
		w.metrics.FramesAppended.WithLabelValues(string(f.Variant)).Add(float64(len(f.Times)))
	}
}

// Touched lists the stores written since the last repair.
func (w *Writer) Touched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.touched))
	for p := range w.touched {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// RepairTimeCoordinates rewrites the time coordinate of every touched store
// as one chunk and patches the consolidated metadata to match.
func (w *Writer) RepairTimeCoordinates(ctx context.Context) error {
	for _, path := range w.Touched() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := RepairTimeCoordinate(path, w.reg); err != nil {
			return domain.Fatal(fmt.Errorf("repair %s: %w", path, err))
		}
		w.mu.Lock()
		delete(w.touched, path)
		w.mu.Unlock()
		w.logger.Debug("repaired time coordinate", "store", path)
	}
	return nil
}

// RepairTimeCoordinate rewrites the time array of the store at path as a
// single chunk.
func RepairTimeCoordinate(path string, reg *chunkstore.Registry) error {
	store, err := chunkstore.NewDirStorage(path)
	if err != nil {
		return err
	}
	g, err := chunkstore.OpenGroup(store, reg)
	if err != nil {
		return err
	}
	arr, err := g.Array(TimeArray)
	if err != nil {
		return err
	}
	n := arr.Shape()[0]
	if arr.Chunks()[0] == max(n, 1) {
		return nil
	}
	ns, err := arr.ReadInt64(arr.Full())
	if err != nil {
		return err
	}
	attrs, err := arr.Attrs()
	if err != nil {
		return err
	}
	delete(attrs, chunkstore.DimensionsAttr)

	keys, err := store.List(TimeArray + "/")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if !strings.HasPrefix(k[len(TimeArray)+1:], ".") {
			if err := store.Delete(k); err != nil {
				return err
			}
		}
	}
	meta := chunkstore.NewArrayMeta([]int{n}, []int{max(n, 1)}, chunkstore.Int64, chunkstore.LZ4Config())
	arr, err = g.CreateArray(TimeArray, meta, []string{domain.DimTime}, attrs)
	if err != nil {
		return err
	}
	if err := arr.WriteInt64([]int{0}, []int{n}, ns); err != nil {
		return err
	}
	err = chunkstore.PatchConsolidated(store, TimeArray+"/"+chunkstore.ArrayMetaKey)
	if errors.Is(err, chunkstore.ErrNotFound) {
		return g.Consolidate()
	}
	return err
}

// Close releases every claim taken by this writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.cfg.Owner != "" {
		for p := range w.claimed {
			errs = append(errs, release(p, w.cfg.Owner))
		}
	}
	w.claimed = map[string]bool{}
	return errors.Join(errs...)
}

// Registry exposes the codec registry used by the writer's stores.
func (w *Writer) Registry() *chunkstore.Registry { return w.reg }
