// Package codec wraps a lossy single-plane image codec so that float arrays
// with NaN pixels survive compression.
//
// Real pixels in [0,1] are squeezed into [LowerBoundForRealPixels, 1] and NaN
// pixels are written as NaNValue. On decode anything at or below
// NaNThreshold is NaN again. The gap between the thresholds absorbs ringing
// at mask edges.
package codec

import (
	"errors"
	"fmt"
	"math"
)

const (
	LowerBoundForRealPixels = 0.075
	NaNThreshold            = 0.05
	NaNValue                = 0.025
)

var (
	ErrNotFloat   = errors.New("input dtype is not floating point")
	ErrBadShape   = errors.New("input must have shape (1, y, x, 1)")
	ErrOutOfRange = errors.New("input values outside [0, 1]")
)

// PlaneCodec compresses one height x width plane of values in [0,1].
type PlaneCodec interface {
	ID() string
	EncodePlane(plane []float32, height, width int) ([]byte, error)
	DecodePlane(data []byte, height, width int) ([]float32, error)
}

// Prepare maps a real value in [0,1] into the encoded range and NaN to NaNValue.
func Prepare(v float32) float32 {
	if v != v {
		return NaNValue
	}
	out := v*(1-LowerBoundForRealPixels) + LowerBoundForRealPixels
	return clip01(out)
}

// Restore inverts Prepare: values at or below NaNThreshold become NaN.
func Restore(v float32) float32 {
	if v <= NaNThreshold {
		return float32(math.NaN())
	}
	out := (v - LowerBoundForRealPixels) / (1 - LowerBoundForRealPixels)
	return clip01(out)
}

func clip01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FloatWithNaN encodes single planes through a PlaneCodec.
type FloatWithNaN struct {
	Plane PlaneCodec
}

// Validate checks the input contract: floating dtype, shape (1,y,x,1), values in [0,1] or NaN.
func Validate(isFloat bool, shape []int, values []float32) error {
	if !isFloat {
		return ErrNotFloat
	}
	if len(shape) != 4 || shape[0] != 1 || shape[3] != 1 || shape[1] <= 0 || shape[2] <= 0 {
		return fmt.Errorf("%w: got %v", ErrBadShape, shape)
	}
	if len(values) != shape[1]*shape[2] {
		return fmt.Errorf("%w: %d values for shape %v", ErrBadShape, len(values), shape)
	}
	for i, v := range values {
		if v != v {
			continue
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: value %g at %d", ErrOutOfRange, v, i)
		}
	}
	return nil
}

// Encode compresses a (1, y, x, 1) plane.
func (c FloatWithNaN) Encode(isFloat bool, shape []int, values []float32) ([]byte, error) {
	if err := Validate(isFloat, shape, values); err != nil {
		return nil, err
	}
	prepared := make([]float32, len(values))
	for i, v := range values {
		prepared[i] = Prepare(v)
	}
	return c.Plane.EncodePlane(prepared, shape[1], shape[2])
}

// Decode restores a (1, y, x, 1) plane.
func (c FloatWithNaN) Decode(data []byte, shape []int) ([]float32, error) {
	if len(shape) != 4 || shape[0] != 1 || shape[3] != 1 {
		return nil, fmt.Errorf("%w: got %v", ErrBadShape, shape)
	}
	plane, err := c.Plane.DecodePlane(data, shape[1], shape[2])
	if err != nil {
		return nil, err
	}
	for i, v := range plane {
		plane[i] = Restore(v)
	}
	return plane, nil
}
