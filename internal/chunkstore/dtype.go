package chunkstore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType is a zarr v2 little-endian type string.
type DType string

const (
	Float16 DType = "<f2"
	Float32 DType = "<f4"
	Float64 DType = "<f8"
	Int64   DType = "<i8"
	Uint8   DType = "|u1"
)

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether the type is a floating-point type.
func (d DType) IsFloat() bool {
	return d == Float16 || d == Float32 || d == Float64
}

func (d DType) validate() error {
	if d.Size() == 0 {
		return fmt.Errorf("unsupported dtype %q", string(d))
	}
	return nil
}

// FloatsToBytes encodes float64 values as dtype elements.
func FloatsToBytes(d DType, vals []float64) ([]byte, error) {
	out := make([]byte, len(vals)*d.Size())
	for i, v := range vals {
		switch d {
		case Float16:
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(float32(v)).Bits())
		case Float32:
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		case Float64:
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
		case Int64:
			binary.LittleEndian.PutUint64(out[i*8:], uint64(int64(v)))
		case Uint8:
			out[i] = uint8(v)
		default:
			return nil, fmt.Errorf("unsupported dtype %q", string(d))
		}
	}
	return out, nil
}

// BytesToFloats decodes dtype elements to float64.
func BytesToFloats(d DType, raw []byte) ([]float64, error) {
	size := d.Size()
	if size == 0 {
		return nil, fmt.Errorf("unsupported dtype %q", string(d))
	}
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("buffer of %d bytes is not a multiple of %s", len(raw), d)
	}
	out := make([]float64, len(raw)/size)
	for i := range out {
		switch d {
		case Float16:
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32())
		case Float32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		case Float64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		case Int64:
			out[i] = float64(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		case Uint8:
			out[i] = float64(raw[i])
		}
	}
	return out, nil
}

// Float32sToBytes encodes float32 values without widening.
func Float32sToBytes(d DType, vals []float32) ([]byte, error) {
	if d == Float32 {
		out := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	}
	if d == Float16 {
		out := make([]byte, len(vals)*2)
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	}
	wide := make([]float64, len(vals))
	for i, v := range vals {
		wide[i] = float64(v)
	}
	return FloatsToBytes(d, wide)
}

// BytesToFloat32s decodes dtype elements to float32.
func BytesToFloat32s(d DType, raw []byte) ([]float32, error) {
	wide, err := BytesToFloats(d, raw)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(wide))
	for i, v := range wide {
		out[i] = float32(v)
	}
	return out, nil
}

// Int64sToBytes encodes int64 values as <i8.
func Int64sToBytes(vals []int64) []byte {
	out := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}
	return out
}

// BytesToInt64s decodes <i8 elements.
func BytesToInt64s(raw []byte) []int64 {
	out := make([]int64, len(raw)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out
}

// fillBytes returns one element encoding the fill value.
func fillBytes(d DType, fill any) []byte {
	switch v := fill.(type) {
	case string:
		if v == "NaN" {
			b, _ := FloatsToBytes(d, []float64{math.NaN()})
			return b
		}
	case float64:
		b, _ := FloatsToBytes(d, []float64{v})
		return b
	case int:
		b, _ := FloatsToBytes(d, []float64{float64(v)})
		return b
	case int64:
		b, _ := FloatsToBytes(d, []float64{float64(v)})
		return b
	}
	return make([]byte, d.Size())
}
