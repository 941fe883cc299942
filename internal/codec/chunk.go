package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/openclimatefix/Satip-sub000/internal/chunkstore"
)

// ChunkCodecID is the compressor id recorded in array metadata.
const ChunkCodecID = "float_with_nan"

// ChunkCodec adapts FloatWithNaN to whole (time, y, x, variable) chunks by
// encoding each (time, variable) plane separately. The encoded chunk is a
// little-endian uint32 plane count followed by length-prefixed planes.
type ChunkCodec struct {
	codec   FloatWithNaN
	quality int
}

// NewChunkCodec builds the chunk adapter over JPEG at the given quality.
func NewChunkCodec(quality int) *ChunkCodec {
	j := JPEG{Quality: quality}
	return &ChunkCodec{codec: FloatWithNaN{Plane: j}, quality: j.quality()}
}

// Register installs the float_with_nan factory into reg.
func Register(reg *chunkstore.Registry) {
	reg.Register(ChunkCodecID, func(cfg chunkstore.CodecConfig) (chunkstore.Codec, error) {
		return NewChunkCodec(cfg.Int("quality", 95)), nil
	})
}

func (c *ChunkCodec) Config() chunkstore.CodecConfig {
	return chunkstore.CodecConfig{
		"id":                          ChunkCodecID,
		"quality":                     c.quality,
		"lower_bound_for_real_pixels": LowerBoundForRealPixels,
		"nan_threshold":               NaNThreshold,
		"nan_value":                   NaNValue,
	}
}

func planeGeometry(shape []int) (nt, ny, nx, nv int, err error) {
	if len(shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: chunk shape %v", ErrBadShape, shape)
	}
	return shape[0], shape[1], shape[2], shape[3], nil
}

func (c *ChunkCodec) Encode(raw []byte, info chunkstore.ChunkInfo) ([]byte, error) {
	if !info.DType.IsFloat() {
		return nil, ErrNotFloat
	}
	nt, ny, nx, nv, err := planeGeometry(info.Shape)
	if err != nil {
		return nil, err
	}
	vals, err := chunkstore.BytesToFloat32s(info.DType, raw)
	if err != nil {
		return nil, err
	}
	if len(vals) != nt*ny*nx*nv {
		return nil, fmt.Errorf("%w: %d values for chunk %v", ErrBadShape, len(vals), info.Shape)
	}

	out := binary.LittleEndian.AppendUint32(nil, uint32(nt*nv))
	plane := make([]float32, ny*nx)
	for t := 0; t < nt; t++ {
		for v := 0; v < nv; v++ {
			for i := 0; i < ny*nx; i++ {
				plane[i] = vals[(t*ny*nx+i)*nv+v]
			}
			enc, err := c.codec.Encode(true, []int{1, ny, nx, 1}, plane)
			if err != nil {
				return nil, fmt.Errorf("plane t=%d v=%d: %w", t, v, err)
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(len(enc)))
			out = append(out, enc...)
		}
	}
	return out, nil
}

func (c *ChunkCodec) Decode(data []byte, info chunkstore.ChunkInfo) ([]byte, error) {
	nt, ny, nx, nv, err := planeGeometry(info.Shape)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("float_with_nan: short chunk")
	}
	n := int(binary.LittleEndian.Uint32(data))
	if n != nt*nv {
		return nil, fmt.Errorf("float_with_nan: %d planes, want %d", n, nt*nv)
	}
	data = data[4:]
	vals := make([]float32, nt*ny*nx*nv)
	for p := 0; p < n; p++ {
		if len(data) < 4 {
			return nil, fmt.Errorf("float_with_nan: truncated plane header %d", p)
		}
		size := int(binary.LittleEndian.Uint32(data))
		data = data[4:]
		if len(data) < size {
			return nil, fmt.Errorf("float_with_nan: truncated plane %d", p)
		}
		plane, err := c.codec.Decode(data[:size], []int{1, ny, nx, 1})
		if err != nil {
			return nil, fmt.Errorf("plane %d: %w", p, err)
		}
		data = data[size:]
		t, v := p/nv, p%nv
		for i, x := range plane {
			vals[(t*ny*nx+i)*nv+v] = x
		}
	}
	return chunkstore.Float32sToBytes(info.DType, vals)
}
