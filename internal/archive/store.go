// Package archive owns the on-disk chunked stores: yearly archives that grow
// one timestep at a time, and the per-scan staging artifacts.
package archive

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/chunkstore"
	"github.com/openclimatefix/Satip-sub000/internal/codec"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// Array names inside a store.
const (
	DataArray = "data"
	TimeArray = domain.DimTime
	XArray    = domain.DimX
	YArray    = domain.DimY
	LonArray  = "lon"
	LatArray  = "lat"
)

// TimestepsPerChunk is the number of frames in one data chunk; one hourly
// flush of 5-minute scans fills exactly one chunk.
const TimestepsPerChunk = 12

// TimeUnits is the CF units attribute of the time coordinate.
const TimeUnits = "nanoseconds since 1970-01-01"

var dataDims = []string{domain.DimTime, domain.DimY, domain.DimX, domain.DimVariable}

// Layout selects codecs and chunking for a new store.
type Layout struct {
	// Rescaled frames are stored with the lossy float_with_nan codec;
	// raw values use zstd.
	Rescaled bool
	Quality  int
	// TimeChunk is the number of timesteps per data and time chunk.
	TimeChunk int
}

func (l Layout) dataCompressor() chunkstore.CodecConfig {
	if l.Rescaled {
		return codec.NewChunkCodec(l.Quality).Config()
	}
	return chunkstore.ZstdConfig(3)
}

func (l Layout) timeChunk() int {
	if l.TimeChunk <= 0 {
		return TimestepsPerChunk
	}
	return l.TimeChunk
}

// NewRegistry returns a codec registry with every codec a store may use.
func NewRegistry() *chunkstore.Registry {
	reg := chunkstore.NewRegistry()
	codec.Register(reg)
	return reg
}

// stringAttrs widens serialized frame attributes for JSON metadata.
func stringAttrs(attrs domain.Attrs) (map[string]any, error) {
	ser, err := attrs.Serialize()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(ser))
	for k, v := range ser {
		out[k] = v
	}
	return out, nil
}

// initStore creates the arrays of a store sized for f and writes f.
func initStore(s chunkstore.Storage, reg *chunkstore.Registry, f *domain.Frame, l Layout) (*chunkstore.Group, error) {
	attrs, err := stringAttrs(f.Attrs)
	if err != nil {
		return nil, err
	}
	g, err := chunkstore.CreateGroup(s, reg, attrs)
	if err != nil {
		return nil, err
	}
	nt, ny, nx, nv := f.Shape()
	tc := l.timeChunk()

	dataAttrs := map[string]any{"variables": f.Variables}
	for k, v := range attrs {
		dataAttrs[k] = v
	}
	data, err := g.CreateArray(DataArray,
		chunkstore.NewArrayMeta([]int{nt, ny, nx, nv}, []int{tc, ny, nx, 1}, chunkstore.Float16, l.dataCompressor()),
		dataDims, dataAttrs)
	if err != nil {
		return nil, err
	}
	tarr, err := g.CreateArray(TimeArray,
		chunkstore.NewArrayMeta([]int{nt}, []int{tc}, chunkstore.Int64, chunkstore.LZ4Config()),
		[]string{domain.DimTime}, map[string]any{"units": TimeUnits, "calendar": "proleptic_gregorian"})
	if err != nil {
		return nil, err
	}
	xarr, err := g.CreateArray(XArray,
		chunkstore.NewArrayMeta([]int{nx}, []int{nx}, chunkstore.Float64, chunkstore.LZ4Config()),
		[]string{domain.DimX}, map[string]any{"units": "m"})
	if err != nil {
		return nil, err
	}
	yarr, err := g.CreateArray(YArray,
		chunkstore.NewArrayMeta([]int{ny}, []int{ny}, chunkstore.Float64, chunkstore.LZ4Config()),
		[]string{domain.DimY}, map[string]any{"units": "m"})
	if err != nil {
		return nil, err
	}
	if err := xarr.WriteFloat64([]int{0}, []int{nx}, f.X); err != nil {
		return nil, err
	}
	if err := yarr.WriteFloat64([]int{0}, []int{ny}, f.Y); err != nil {
		return nil, err
	}
	if err := tarr.WriteInt64([]int{0}, []int{nt}, timesToNanos(f.Times)); err != nil {
		return nil, err
	}
	if err := writeVariables(data, 0, f); err != nil {
		return nil, err
	}
	if len(f.Lon) == ny*nx && len(f.Lat) == ny*nx {
		for name, grid := range map[string][]float32{LonArray: f.Lon, LatArray: f.Lat} {
			arr, err := g.CreateArray(name,
				chunkstore.NewArrayMeta([]int{ny, nx}, []int{ny, nx}, chunkstore.Float32, chunkstore.ZstdConfig(3)),
				[]string{domain.DimY, domain.DimX}, map[string]any{"units": "degrees"})
			if err != nil {
				return nil, err
			}
			if err := arr.WriteFloat32([]int{0, 0}, []int{ny, nx}, grid); err != nil {
				return nil, err
			}
		}
	}
	return g, g.Consolidate()
}

// writeVariables writes every timestep of f at time offset t0, one variable
// at a time so each write covers whole single-variable chunks.
func writeVariables(data *chunkstore.Array, t0 int, f *domain.Frame) error {
	nt, ny, nx, nv := f.Shape()
	for v := 0; v < nv; v++ {
		vals := make([]float32, 0, nt*ny*nx)
		for t := 0; t < nt; t++ {
			vals = append(vals, f.Plane(t, v)...)
		}
		if err := data.WriteFloat32([]int{t0, 0, 0, v}, []int{nt, ny, nx, 1}, vals); err != nil {
			return fmt.Errorf("write %s: %w", f.Variables[v], err)
		}
	}
	return nil
}

func timesToNanos(ts []time.Time) []int64 {
	out := make([]int64, len(ts))
	for i, t := range ts {
		out[i] = t.UTC().UnixNano()
	}
	return out
}

func nanosToTimes(ns []int64) []time.Time {
	out := make([]time.Time, len(ns))
	for i, n := range ns {
		out[i] = time.Unix(0, n).UTC()
	}
	return out
}

// readTimes loads the whole time coordinate.
func readTimes(g *chunkstore.Group) ([]time.Time, error) {
	arr, err := g.Array(TimeArray)
	if err != nil {
		return nil, err
	}
	ns, err := arr.ReadInt64(arr.Full())
	if err != nil {
		return nil, err
	}
	return nanosToTimes(ns), nil
}

func readAxis(g *chunkstore.Group, name string) ([]float64, error) {
	arr, err := g.Array(name)
	if err != nil {
		return nil, err
	}
	return arr.ReadFloat64(arr.Full())
}

// readFrame loads a whole store back into a frame.
func readFrame(g *chunkstore.Group, v domain.Variant) (*domain.Frame, error) {
	times, err := readTimes(g)
	if err != nil {
		return nil, err
	}
	xs, err := readAxis(g, XArray)
	if err != nil {
		return nil, err
	}
	ys, err := readAxis(g, YArray)
	if err != nil {
		return nil, err
	}
	data, err := g.Array(DataArray)
	if err != nil {
		return nil, err
	}
	attrs, err := data.Attrs()
	if err != nil {
		return nil, err
	}
	vars := anyStrings(attrs["variables"])
	shape := data.Shape()
	if len(vars) != shape[3] || shape[0] != len(times) || shape[1] != len(ys) || shape[2] != len(xs) {
		return nil, fmt.Errorf("%w: data %v vs axes", domain.ErrShapeMismatch, shape)
	}

	f := domain.NewFrame(v, times, ys, xs, vars)
	nt, ny, nx, _ := f.Shape()
	for vi := range vars {
		vals, err := data.ReadFloat32([]int{0, 0, 0, vi}, []int{nt, ny, nx, 1})
		if err != nil {
			return nil, err
		}
		for t := 0; t < nt; t++ {
			f.SetPlane(t, vi, vals[t*ny*nx:(t+1)*ny*nx])
		}
	}

	gattrs, err := g.Attrs()
	if err != nil {
		return nil, err
	}
	f.Attrs = parseAttrs(gattrs)

	for name, dst := range map[string]*[]float32{LonArray: &f.Lon, LatArray: &f.Lat} {
		arr, err := g.Array(name)
		if errors.Is(err, chunkstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if *dst, err = arr.ReadFloat32(arr.Full()); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// parseAttrs restores the attribute kinds written by stringAttrs.
func parseAttrs(raw map[string]any) domain.Attrs {
	out := domain.Attrs{}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s, ok := raw[k].(string)
		if !ok {
			continue
		}
		switch k {
		case domain.AttrNameArea:
			if a, err := domain.ParseArea(s); err == nil {
				out[k] = domain.AreaAttr(a)
				continue
			}
		case domain.AttrNameAcquisitionTime:
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				out[k] = domain.DatetimeAttr(t)
				continue
			}
		}
		out[k] = domain.ScalarAttr(s)
	}
	return out
}

func anyStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, _ := e.(string)
		out = append(out, s)
	}
	return out
}
