package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Axis names of a frame as stored on disk.
const (
	DimTime     = "time"
	DimY        = "y_geostationary"
	DimX        = "x_geostationary"
	DimVariable = "variable"
)

// Frame is a dense (time, y, x, variable) array in row-major order with
// geostationary coordinates. Newly decoded frames have a single timestep.
type Frame struct {
	Variant   Variant
	Times     []time.Time
	Y         []float64
	X         []float64
	Variables []string
	Data      []float32
	Attrs     Attrs
	// Lon and Lat optionally hold geodetic pixel-centre coordinates, y*x in
	// row-major order; NaN off the disk.
	Lon, Lat []float32
}

// NewFrame allocates a NaN-filled frame with the given axes.
func NewFrame(v Variant, times []time.Time, y, x []float64, vars []string) *Frame {
	data := make([]float32, len(times)*len(y)*len(x)*len(vars))
	nan := float32(math.NaN())
	for i := range data {
		data[i] = nan
	}
	return &Frame{
		Variant:   v,
		Times:     append([]time.Time(nil), times...),
		Y:         append([]float64(nil), y...),
		X:         append([]float64(nil), x...),
		Variables: append([]string(nil), vars...),
		Data:      data,
		Attrs:     Attrs{},
	}
}

// Shape returns the lengths of the four axes.
func (f *Frame) Shape() (t, y, x, v int) {
	return len(f.Times), len(f.Y), len(f.X), len(f.Variables)
}

// Index returns the flat offset of an element.
func (f *Frame) Index(t, y, x, v int) int {
	return ((t*len(f.Y)+y)*len(f.X)+x)*len(f.Variables) + v
}

func (f *Frame) At(t, y, x, v int) float32 { return f.Data[f.Index(t, y, x, v)] }
func (f *Frame) Set(t, y, x, v int, val float32) { f.Data[f.Index(t, y, x, v)] = val }

// Validate checks that the data length matches the axes.
func (f *Frame) Validate() error {
	nt, ny, nx, nv := f.Shape()
	if len(f.Data) != nt*ny*nx*nv {
		return fmt.Errorf("%w: data has %d elements, axes imply %d", ErrShapeMismatch, len(f.Data), nt*ny*nx*nv)
	}
	return nil
}

// Time returns the first timestep.
func (f *Frame) Time() time.Time {
	if len(f.Times) == 0 {
		return time.Time{}
	}
	return f.Times[0]
}

// Plane copies one (time, variable) plane of y*x values.
func (f *Frame) Plane(t, v int) []float32 {
	ny, nx := len(f.Y), len(f.X)
	out := make([]float32, ny*nx)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			out[y*nx+x] = f.At(t, y, x, v)
		}
	}
	return out
}

// SetPlane overwrites one (time, variable) plane.
func (f *Frame) SetPlane(t, v int, plane []float32) {
	ny, nx := len(f.Y), len(f.X)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			f.Set(t, y, x, v, plane[y*nx+x])
		}
	}
}

// Timestep returns a copy of timestep i as a single-timestep frame.
func (f *Frame) Timestep(i int) *Frame {
	size := len(f.Y) * len(f.X) * len(f.Variables)
	out := &Frame{
		Variant:   f.Variant,
		Times:     []time.Time{f.Times[i]},
		Y:         append([]float64(nil), f.Y...),
		X:         append([]float64(nil), f.X...),
		Variables: append([]string(nil), f.Variables...),
		Data:      append([]float32(nil), f.Data[i*size:(i+1)*size]...),
		Attrs:     f.Attrs.Clone(),
		Lon:       append([]float32(nil), f.Lon...),
		Lat:       append([]float32(nil), f.Lat...),
	}
	return out
}

// Clone returns a deep copy of the arrays.
func (f *Frame) Clone() *Frame {
	out := *f
	out.Times = append([]time.Time(nil), f.Times...)
	out.Y = append([]float64(nil), f.Y...)
	out.X = append([]float64(nil), f.X...)
	out.Variables = append([]string(nil), f.Variables...)
	out.Data = append([]float32(nil), f.Data...)
	out.Attrs = f.Attrs.Clone()
	out.Lon = append([]float32(nil), f.Lon...)
	out.Lat = append([]float32(nil), f.Lat...)
	return &out
}

// ReverseX flips the x axis in place.
func (f *Frame) ReverseX() {
	nt, ny, nx, nv := f.Shape()
	for t := 0; t < nt; t++ {
		for y := 0; y < ny; y++ {
			for i, j := 0, nx-1; i < j; i, j = i+1, j-1 {
				for v := 0; v < nv; v++ {
					a, b := f.Index(t, y, i, v), f.Index(t, y, j, v)
					f.Data[a], f.Data[b] = f.Data[b], f.Data[a]
				}
			}
		}
	}
	for i, j := 0, nx-1; i < j; i, j = i+1, j-1 {
		f.X[i], f.X[j] = f.X[j], f.X[i]
	}
	for _, grid := range [][]float32{f.Lon, f.Lat} {
		if len(grid) != ny*nx {
			continue
		}
		for y := 0; y < ny; y++ {
			row := grid[y*nx : (y+1)*nx]
			for i, j := 0, nx-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}

// ReverseY flips the y axis in place.
func (f *Frame) ReverseY() {
	nt, ny, nx, nv := f.Shape()
	row := nx * nv
	tmp := make([]float32, row)
	for t := 0; t < nt; t++ {
		for i, j := 0, ny-1; i < j; i, j = i+1, j-1 {
			a, b := f.Index(t, i, 0, 0), f.Index(t, j, 0, 0)
			copy(tmp, f.Data[a:a+row])
			copy(f.Data[a:a+row], f.Data[b:b+row])
			copy(f.Data[b:b+row], tmp)
		}
	}
	for i, j := 0, ny-1; i < j; i, j = i+1, j-1 {
		f.Y[i], f.Y[j] = f.Y[j], f.Y[i]
	}
	gridRow := make([]float32, nx)
	for _, grid := range [][]float32{f.Lon, f.Lat} {
		if len(grid) != ny*nx {
			continue
		}
		for i, j := 0, ny-1; i < j; i, j = i+1, j-1 {
			copy(gridRow, grid[i*nx:(i+1)*nx])
			copy(grid[i*nx:(i+1)*nx], grid[j*nx:(j+1)*nx])
			copy(grid[j*nx:(j+1)*nx], gridRow)
		}
	}
}

// HasNaN reports whether any element is NaN.
func (f *Frame) HasNaN() bool {
	for _, v := range f.Data {
		if v != v {
			return true
		}
	}
	return false
}

// AxisTolerance is the largest difference, in metres, at which two spatial
// axes are considered the same.
const AxisTolerance = 0.1

// ConcatTime stacks frames along time, sorted by time. All frames must share
// variant, spatial axes (within AxisTolerance) and variables.
func ConcatTime(frames []*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("concat: no frames")
	}
	sorted := append([]*Frame(nil), frames...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time().Before(sorted[j].Time()) })

	first := sorted[0]
	out := &Frame{
		Variant:   first.Variant,
		Y:         append([]float64(nil), first.Y...),
		X:         append([]float64(nil), first.X...),
		Variables: append([]string(nil), first.Variables...),
		Attrs:     first.Attrs.Clone(),
		Lon:       append([]float32(nil), first.Lon...),
		Lat:       append([]float32(nil), first.Lat...),
	}
	for _, f := range sorted {
		if f.Variant != first.Variant || len(f.Y) != len(first.Y) || len(f.X) != len(first.X) || len(f.Variables) != len(first.Variables) {
			return nil, fmt.Errorf("concat %s: %w", f.Time().Format(time.RFC3339), ErrShapeMismatch)
		}
		if !sameAxis(f.X, first.X) || !sameAxis(f.Y, first.Y) {
			return nil, fmt.Errorf("concat %s: %w", f.Time().Format(time.RFC3339), ErrCoordMismatch)
		}
		out.Times = append(out.Times, f.Times...)
		out.Data = append(out.Data, f.Data...)
	}
	return out, nil
}

// SameAxes reports whether a and b share their spatial axes.
func SameAxes(a, b *Frame) bool {
	return len(a.X) == len(b.X) && len(a.Y) == len(b.Y) && sameAxis(a.X, b.X) && sameAxis(a.Y, b.Y)
}

func sameAxis(a, b []float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > AxisTolerance {
			return false
		}
	}
	return true
}
