package geos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForward_SubSatellitePoint(t *testing.T) {
	for _, p := range []Projection{SEVIRI(9.5), ABI(-75), AHI(140.7)} {
		x, y, ok := p.Forward(p.LonOrigin, 0)
		require.True(t, ok)
		assert.InDelta(t, 0, x, 1e-6)
		assert.InDelta(t, 0, y, 1e-6)
	}
}

func TestForwardInverse_RoundTrip(t *testing.T) {
	points := [][2]float64{{0, 51.5}, {-10, 60}, {20, -30}, {9.5, 0}, {40, 10}}
	for _, p := range []Projection{SEVIRI(0), SEVIRI(9.5), ABI(0)} {
		for _, pt := range points {
			x, y, ok := p.Forward(pt[0], pt[1])
			require.True(t, ok, "point %v", pt)
			lon, lat, ok := p.Inverse(x, y)
			require.True(t, ok)
			assert.InDelta(t, pt[0], lon, 1e-6)
			assert.InDelta(t, pt[1], lat, 1e-6)
		}
	}
}

func TestForward_FarSideIsInvisible(t *testing.T) {
	_, _, ok := SEVIRI(0).Forward(180, 0)
	assert.False(t, ok)
}

func TestOffDiskMask_CornersOffCentreOn(t *testing.T) {
	area := FullDisk("test", SEVIRI(0), 32)
	mask := OffDiskMask(area)
	require.Len(t, mask, 32*32)

	assert.True(t, mask[0], "top-left corner is space")
	assert.True(t, mask[len(mask)-1], "bottom-right corner is space")
	assert.False(t, mask[16*32+16], "centre is on disk")
}

func TestCoords_PixelCentres(t *testing.T) {
	area := AreaDefinition{
		Width: 4, Height: 2,
		Extent: Extent{LowerLeftX: 0, LowerLeftY: 0, UpperRightX: 4000, UpperRightY: 2000},
	}
	assert.Equal(t, []float64{500, 1500, 2500, 3500}, area.XCoords())
	assert.Equal(t, []float64{1500, 500}, area.YCoords())
}

func TestCrop(t *testing.T) {
	area := AreaDefinition{
		Width: 4, Height: 4,
		Extent: Extent{LowerLeftX: 0, LowerLeftY: 0, UpperRightX: 4000, UpperRightY: 4000},
	}
	c := area.Crop(1, 3, 2, 4)
	assert.Equal(t, 2, c.Width)
	assert.Equal(t, 2, c.Height)
	assert.Equal(t, []float64{2500, 3500}, c.XCoords())
	assert.Equal(t, []float64{2500, 1500}, c.YCoords())
}

func TestWindowFor(t *testing.T) {
	area := FullDisk("rss", SEVIRI(9.5), 400)

	t.Run("UK box selects a northern strip", func(t *testing.T) {
		w, err := area.WindowFor(-16, 45, 10, 62)
		require.NoError(t, err)
		assert.False(t, w.Empty())
		assert.Less(t, w.Row1, 200, "UK lies north of the equator")
		assert.Less(t, w.Col0, 200)
	})

	t.Run("box behind the Earth", func(t *testing.T) {
		_, err := area.WindowFor(170, -10, 179, 10)
		assert.ErrorIs(t, err, ErrEmptyWindow)
	})
}

func TestLonLatGrid_OffDiskIsNaN(t *testing.T) {
	area := FullDisk("test", ABI(-75), 16)
	lons, lats := LonLatGrid(area)
	assert.True(t, lons[0] != lons[0])
	assert.True(t, lats[0] != lats[0])
	assert.InDelta(t, -75, lons[8*16+8], 5)
}

func TestProj4(t *testing.T) {
	assert.Equal(t, "+proj=geos +lon_0=9.5 +h=3.5785831e+07 +a=6.378169e+06 +b=6.3565838e+06 +sweep=y +units=m +no_defs",
		SEVIRI(9.5).Proj4())
}
