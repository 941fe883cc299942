package decoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/geos"
	"github.com/openclimatefix/Satip-sub000/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLoader struct {
	scene *Scene
	err   error
}

func (s stubLoader) Load(context.Context, domain.NativeFile, []string) (*Scene, error) {
	return s.scene, s.err
}

var scanTime = time.Date(2024, 3, 1, 12, 3, 41, 0, time.UTC)

func testDecoder(t *testing.T, loader SceneLoader, lonlat bool) *Decoder {
	t.Helper()
	region, err := domain.LookupRegion("europe")
	require.NoError(t, err)
	return New(loader, NewMaskCache(4, observability.NewMetricsForTesting()),
		Options{Region: region, LonLat: lonlat},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDecode_ProducesBothVariants(t *testing.T) {
	rss := domain.MustProduct(domain.ProductRSS)
	d := testDecoder(t, stubLoader{scene: SyntheticScene(rss, scanTime, 60)}, false)

	res := d.Decode(context.Background(), domain.NativeFile{Scan: domain.Scan{ID: "s"}}, rss)
	require.True(t, res.IsOK(), "%v", res.Err())

	nonhrv := res.Value.NonHRV
	require.NotNil(t, nonhrv)
	require.NoError(t, nonhrv.Validate())
	nt, ny, nx, nv := nonhrv.Shape()
	assert.Equal(t, 1, nt)
	assert.Equal(t, 11, nv)
	assert.Less(t, ny, 60)
	assert.Less(t, nx, 60)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC), nonhrv.Time())
	assert.Equal(t, domain.SEVIRIChannels, nonhrv.Variables)

	hrv := res.Value.HRV
	require.NotNil(t, hrv)
	_, hy, hx, hv := hrv.Shape()
	assert.Equal(t, 1, hv)
	assert.Greater(t, hy, ny)
	assert.Greater(t, hx, nx)

	_, err := nonhrv.Attrs.Serialize()
	require.NoError(t, err)
	area := nonhrv.Attrs[domain.AttrNameArea].Area
	require.NotNil(t, area)
	assert.Equal(t, nx, area.Width)
	assert.Equal(t, ny, area.Height)
	assert.Nil(t, nonhrv.Lon)
}

func TestDecode_AttachesLonLat(t *testing.T) {
	rss := domain.MustProduct(domain.ProductRSS)
	d := testDecoder(t, stubLoader{scene: SyntheticScene(rss, scanTime, 60)}, true)

	res := d.Decode(context.Background(), domain.NativeFile{}, rss)
	require.True(t, res.IsOK(), "%v", res.Err())
	f := res.Value.NonHRV
	_, ny, nx, _ := f.Shape()
	require.Len(t, f.Lon, ny*nx)
	require.Len(t, f.Lat, ny*nx)
	mid := (ny/2)*nx + nx/2
	assert.InDelta(t, 15, f.Lon[mid], 20)
	assert.InDelta(t, 53, f.Lat[mid], 20)
}

func TestDecode_FillsShortGaps(t *testing.T) {
	rss := domain.MustProduct(domain.ProductRSS)
	scene := SyntheticScene(rss, scanTime, 60)
	band := scene.Bands["IR_108"]
	// Two missing pixels near the sub-satellite point.
	row := band.Area.Height / 2
	band.Data[row*band.Area.Width+30] = float32(math.NaN())
	band.Data[row*band.Area.Width+31] = float32(math.NaN())

	region := domain.BoundingBox{West: -20, South: -20, East: 20, North: 20}
	d := New(stubLoader{scene: scene}, nil, Options{Region: region}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	res := d.Decode(context.Background(), domain.NativeFile{}, rss)
	require.True(t, res.IsOK(), "%v", res.Err())
}

func TestDecode_DirtyScanSkipped(t *testing.T) {
	rss := domain.MustProduct(domain.ProductRSS)
	scene := SyntheticScene(rss, scanTime, 60)
	band := scene.Bands["IR_108"]
	row := band.Area.Height / 2
	for c := 25; c < 35; c++ {
		band.Data[row*band.Area.Width+c] = float32(math.NaN())
	}

	region := domain.BoundingBox{West: -20, South: -20, East: 20, North: 20}
	d := New(stubLoader{scene: scene}, nil, Options{Region: region}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	res := d.Decode(context.Background(), domain.NativeFile{}, rss)
	require.True(t, res.IsSkipped())
	assert.True(t, IsDirty(res.Err()))
}

func TestDecode_ReaderErrorIsRecoverable(t *testing.T) {
	rss := domain.MustProduct(domain.ProductRSS)
	d := testDecoder(t, stubLoader{err: errors.New("bad native file")}, false)
	res := d.Decode(context.Background(), domain.NativeFile{}, rss)
	assert.True(t, res.IsSkipped())
	assert.False(t, domain.IsFatal(res.Err()))
}

func TestDecode_CancelledIsFatal(t *testing.T) {
	rss := domain.MustProduct(domain.ProductRSS)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := testDecoder(t, stubLoader{err: context.Canceled}, false)
	res := d.Decode(ctx, domain.NativeFile{}, rss)
	assert.True(t, res.IsFatal())
}

func TestDecode_SixteenBandProductHasNoHRV(t *testing.T) {
	abi := domain.MustProduct(domain.ProductABI)
	region, err := domain.LookupRegion("conus")
	require.NoError(t, err)
	d := New(stubLoader{scene: SyntheticScene(abi, scanTime, 60)}, nil, Options{Region: region},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	res := d.Decode(context.Background(), domain.NativeFile{}, abi)
	require.True(t, res.IsOK(), "%v", res.Err())
	assert.Nil(t, res.Value.HRV)
	assert.Len(t, res.Value.NonHRV.Variables, 16)
}

func TestDirLoader_RoundTrip(t *testing.T) {
	rss := domain.MustProduct(domain.ProductRSS)
	scene := SyntheticScene(rss, scanTime, 24)
	dir := t.TempDir()
	require.NoError(t, WriteDir(dir, scene))

	got, err := DirLoader{}.Load(context.Background(), domain.NativeFile{Path: dir}, []string{"IR_108", "HRV"})
	require.NoError(t, err)
	assert.True(t, scene.Start.Equal(got.Start))
	require.Len(t, got.Bands, 2)
	assert.Equal(t, scene.Bands["HRV"].Area, got.Bands["HRV"].Area)
	want, have := scene.Bands["IR_108"].Data, got.Bands["IR_108"].Data
	require.Len(t, have, len(want))
	for i := range want {
		if math.IsNaN(float64(want[i])) {
			assert.True(t, math.IsNaN(float64(have[i])))
			continue
		}
		assert.Equal(t, want[i], have[i])
	}

	_, err = LoadDir(dir, []string{"C01"})
	require.Error(t, err)
}

func TestFillGaps(t *testing.T) {
	nan := float32(math.NaN())
	plane := []float32{
		1, nan, nan, 4, nan, nan, nan, 8,
	}
	fillGaps(plane, 1, 8, 2)
	assert.Equal(t, float32(2), plane[1])
	assert.Equal(t, float32(3), plane[2])
	for _, i := range []int{4, 5, 6} {
		assert.True(t, math.IsNaN(float64(plane[i])), "gap of three stays NaN")
	}

	col := []float32{0, nan, 2}
	fillGaps(col, 3, 1, 2)
	assert.Equal(t, float32(1), col[1])
}

func TestMaskCache_HitsAndEvicts(t *testing.T) {
	c := NewMaskCache(1, nil)
	a := geos.FullDisk("a", geos.SEVIRI(0), 16)
	b := geos.FullDisk("b", geos.SEVIRI(45.5), 16)

	m1 := c.Get(a)
	m2 := c.Get(a)
	assert.Same(t, &m1[0], &m2[0], "second lookup is served from cache")
	c.Get(b)
	assert.Equal(t, 1, c.Len())
	m3 := c.Get(a)
	assert.NotSame(t, &m1[0], &m3[0])
}
