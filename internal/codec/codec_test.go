package codec

import (
	"math"
	"testing"

	"github.com/openclimatefix/Satip-sub000/internal/chunkstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nan = float32(math.NaN())

func isNaN(v float32) bool { return v != v }

func TestPrepare_Sentinels(t *testing.T) {
	in := []float32{nan, 0, 0.5, 1}
	want := []float32{0.025, 0.075, 0.5375, 1}
	for i, v := range in {
		assert.InDelta(t, want[i], Prepare(v), 1e-6, "input %v", v)
	}
}

func TestRestore(t *testing.T) {
	assert.True(t, isNaN(Restore(NaNValue)))
	assert.True(t, isNaN(Restore(NaNThreshold)))
	assert.InDelta(t, 0, Restore(LowerBoundForRealPixels), 1e-6)
	assert.InDelta(t, 0.5, Restore(Prepare(0.5)), 1e-6)
	assert.Equal(t, float32(0), Restore(0.06), "ringing just above the threshold clips to zero")
}

func TestConstantsOrdered(t *testing.T) {
	assert.Less(t, NaNValue, NaNThreshold)
	assert.Less(t, NaNThreshold, LowerBoundForRealPixels)
}

// maskedPlane returns a plane whose left half is NaN and right half a ramp in [0.2, 0.8].
func maskedPlane(h, w int) []float32 {
	p := make([]float32, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				p[y*w+x] = nan
				continue
			}
			p[y*w+x] = 0.2 + 0.6*float32(y)/float32(h-1)
		}
	}
	return p
}

func TestFloatWithNaN_RoundTrip(t *testing.T) {
	const h, w = 16, 32
	c := FloatWithNaN{Plane: JPEG{Quality: 100}}
	in := maskedPlane(h, w)

	enc, err := c.Encode(true, []int{1, h, w, 1}, in)
	require.NoError(t, err)
	out, err := c.Decode(enc, []int{1, h, w, 1})
	require.NoError(t, err)
	require.Len(t, out, h*w)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			switch {
			case x < w/2-1:
				assert.True(t, isNaN(out[i]), "interior mask pixel (%d,%d) must stay NaN", y, x)
			case x > w/2:
				require.False(t, isNaN(out[i]), "real pixel (%d,%d) became NaN", y, x)
				assert.InDelta(t, in[i], out[i], 0.03, "pixel (%d,%d)", y, x)
			}
		}
	}
}

func TestFloatWithNaN_Rejects(t *testing.T) {
	c := FloatWithNaN{Plane: JPEG{Quality: 90}}

	_, err := c.Encode(false, []int{1, 1, 2, 1}, []float32{0, 1})
	assert.ErrorIs(t, err, ErrNotFloat)

	_, err = c.Encode(true, []int{2, 1, 1, 1}, []float32{0, 1})
	assert.ErrorIs(t, err, ErrBadShape)

	_, err = c.Encode(true, []int{1, 1, 2, 2}, []float32{0, 1, 0, 1})
	assert.ErrorIs(t, err, ErrBadShape)

	_, err = c.Encode(true, []int{1, 1, 2, 1}, []float32{0, 1.5})
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = c.Encode(true, []int{1, 1, 2, 1}, []float32{-0.1, nan})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestChunkCodec_MultiPlane(t *testing.T) {
	const nt, ny, nx, nv = 2, 8, 8, 3
	vals := make([]float32, nt*ny*nx*nv)
	for i := range vals {
		v := i % nv
		vals[i] = 0.25 * float32(v+1)
	}
	// Plane (t=1, v=2) is entirely off disk.
	for i := 0; i < ny*nx; i++ {
		vals[(1*ny*nx+i)*nv+2] = nan
	}

	c := NewChunkCodec(100)
	info := chunkstore.ChunkInfo{DType: chunkstore.Float16, Shape: []int{nt, ny, nx, nv}}
	raw, err := chunkstore.Float32sToBytes(chunkstore.Float16, vals)
	require.NoError(t, err)

	enc, err := c.Encode(raw, info)
	require.NoError(t, err)
	dec, err := c.Decode(enc, info)
	require.NoError(t, err)

	got, err := chunkstore.BytesToFloat32s(chunkstore.Float16, dec)
	require.NoError(t, err)
	for i, want := range vals {
		if isNaN(want) {
			assert.True(t, isNaN(got[i]), "index %d", i)
			continue
		}
		assert.InDelta(t, want, got[i], 0.02, "index %d", i)
	}

	_, err = c.Encode(raw, chunkstore.ChunkInfo{DType: chunkstore.Int64, Shape: info.Shape})
	assert.ErrorIs(t, err, ErrNotFloat)
}

func TestRegister_ResolvesFromConfig(t *testing.T) {
	reg := chunkstore.NewRegistry()
	Register(reg)

	codec, err := reg.Resolve(NewChunkCodec(80).Config())
	require.NoError(t, err)
	assert.Equal(t, 80, codec.Config().Int("quality", 0))
	assert.Equal(t, ChunkCodecID, codec.Config().ID())
}
