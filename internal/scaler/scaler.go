// Package scaler normalizes per-channel values to [0,1] with fixed or fitted bounds.
package scaler

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

var ErrMissingVariable = errors.New("variable missing from frame")

// Scaler holds per-channel bounds in VariableOrder.
type Scaler struct {
	Mins          []float64
	Maxs          []float64
	VariableOrder []string
}

// New validates the three parallel tables.
func New(mins, maxs []float64, order []string) (*Scaler, error) {
	if len(mins) != len(order) || len(maxs) != len(order) {
		return nil, fmt.Errorf("scaler: %d mins, %d maxs for %d variables", len(mins), len(maxs), len(order))
	}
	for i := range order {
		if !(maxs[i] > mins[i]) {
			return nil, fmt.Errorf("scaler: max %g <= min %g for %s", maxs[i], mins[i], order[i])
		}
	}
	return &Scaler{
		Mins:          slices.Clone(mins),
		Maxs:          slices.Clone(maxs),
		VariableOrder: slices.Clone(order),
	}, nil
}

// Rescale reorders variables to VariableOrder and maps each channel to
// (x - min) / (max - min) clipped to [0,1]. NaN is preserved. Attributes are
// checked for serializability and the frame is tagged as rescaled.
func (s *Scaler) Rescale(f *domain.Frame) (*domain.Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	src := make([]int, len(s.VariableOrder))
	for i, name := range s.VariableOrder {
		j := slices.Index(f.Variables, name)
		if j < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingVariable, name)
		}
		src[i] = j
	}

	out := domain.NewFrame(f.Variant, f.Times, f.Y, f.X, s.VariableOrder)
	out.Attrs = f.Attrs.Clone()
	out.Lon = append([]float32(nil), f.Lon...)
	out.Lat = append([]float32(nil), f.Lat...)
	nt, ny, nx, _ := f.Shape()
	nv := len(s.VariableOrder)
	for t := 0; t < nt; t++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				for v := 0; v < nv; v++ {
					raw := f.At(t, y, x, src[v])
					out.Set(t, y, x, v, s.scale(raw, v))
				}
			}
		}
	}

	out.Attrs[domain.AttrNameScaled] = domain.ScalarAttr(true)
	if _, err := out.Attrs.Serialize(); err != nil {
		return nil, fmt.Errorf("rescale: %w", err)
	}
	return out, nil
}

func (s *Scaler) scale(raw float32, v int) float32 {
	if raw != raw {
		return raw
	}
	val := (float64(raw) - s.Mins[v]) / (s.Maxs[v] - s.Mins[v])
	return float32(math.Min(1, math.Max(0, val)))
}

// Axis names accepted by Fit.
const (
	DimTime = domain.DimTime
	DimY    = domain.DimY
	DimX    = domain.DimX
)

// Fit recomputes Mins and Maxs as NaN-ignoring reductions over dims and
// takes VariableOrder from the frame. Every non-variable axis longer than one
// must be reduced.
func (s *Scaler) Fit(f *domain.Frame, dims []string) error {
	if err := f.Validate(); err != nil {
		return err
	}
	nt, ny, nx, nv := f.Shape()
	lengths := map[string]int{DimTime: nt, DimY: ny, DimX: nx}
	for _, d := range dims {
		if _, ok := lengths[d]; !ok {
			return fmt.Errorf("fit: unknown dimension %q", d)
		}
	}
	for name, n := range lengths {
		if n > 1 && !slices.Contains(dims, name) {
			return fmt.Errorf("fit: dimension %q of length %d must be reduced", name, n)
		}
	}

	mins := make([]float64, nv)
	maxs := make([]float64, nv)
	for v := range mins {
		mins[v], maxs[v] = math.Inf(1), math.Inf(-1)
	}
	for i, raw := range f.Data {
		if raw != raw {
			continue
		}
		v := i % nv
		mins[v] = math.Min(mins[v], float64(raw))
		maxs[v] = math.Max(maxs[v], float64(raw))
	}
	for v := range mins {
		if math.IsInf(mins[v], 1) {
			return fmt.Errorf("fit: variable %s is entirely NaN", f.Variables[v])
		}
	}
	s.Mins, s.Maxs = mins, maxs
	s.VariableOrder = slices.Clone(f.Variables)
	return nil
}

// CompressMask maps categorical cloud-mask values {0,1,2,3} to
// {64,128,192,255} and NaN to 0.
func CompressMask(vals []float32) []uint8 {
	out := make([]uint8, len(vals))
	for i, v := range vals {
		if v != v {
			continue
		}
		c := math.Round(float64(v))
		c = math.Min(3, math.Max(0, c))
		out[i] = uint8(math.Min(255, 64*(c+1)))
	}
	return out
}
