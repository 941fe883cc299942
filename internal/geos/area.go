package geos

import (
	"errors"
	"fmt"
	"math"
)

// ErrEmptyWindow is returned when a bounding box does not intersect an area.
var ErrEmptyWindow = errors.New("bounding box does not intersect area")

// Extent is the outer pixel-edge extent of an area in native metres.
// LowerLeftX may exceed UpperRightX for grids stored east-to-west.
type Extent struct {
	LowerLeftX  float64 `yaml:"lower_left_x" json:"lower_left_x"`
	LowerLeftY  float64 `yaml:"lower_left_y" json:"lower_left_y"`
	UpperRightX float64 `yaml:"upper_right_x" json:"upper_right_x"`
	UpperRightY float64 `yaml:"upper_right_y" json:"upper_right_y"`
}

// AreaDefinition describes a rectangular native grid in the geostationary projection.
// Row 0 is the northern (UpperRightY) edge.
type AreaDefinition struct {
	AreaID     string     `yaml:"area_id" json:"area_id"`
	Projection Projection `yaml:"projection" json:"projection"`
	Width      int        `yaml:"width" json:"width"`
	Height     int        `yaml:"height" json:"height"`
	Extent     Extent     `yaml:"area_extent" json:"area_extent"`
}

// PixelSizeX is the signed pixel width along x.
func (a AreaDefinition) PixelSizeX() float64 {
	return (a.Extent.UpperRightX - a.Extent.LowerLeftX) / float64(a.Width)
}

// PixelSizeY is the signed pixel height along y.
func (a AreaDefinition) PixelSizeY() float64 {
	return (a.Extent.UpperRightY - a.Extent.LowerLeftY) / float64(a.Height)
}

// XCoords returns pixel-centre x coordinates, column 0 first.
func (a AreaDefinition) XCoords() []float64 {
	dx := a.PixelSizeX()
	out := make([]float64, a.Width)
	for i := range out {
		out[i] = a.Extent.LowerLeftX + (float64(i)+0.5)*dx
	}
	return out
}

// YCoords returns pixel-centre y coordinates, row 0 (north) first.
func (a AreaDefinition) YCoords() []float64 {
	dy := a.PixelSizeY()
	out := make([]float64, a.Height)
	for j := range out {
		out[j] = a.Extent.UpperRightY - (float64(j)+0.5)*dy
	}
	return out
}

// Key identifies the grid geometry; equal keys imply identical masks.
func (a AreaDefinition) Key() string {
	p := a.Projection
	return fmt.Sprintf("%g/%g/%g/%g/%s/%dx%d/%g,%g,%g,%g",
		p.LonOrigin, p.SemiMajor, p.SemiMinor, p.SatHeight, p.SweepAxis,
		a.Width, a.Height,
		a.Extent.LowerLeftX, a.Extent.LowerLeftY, a.Extent.UpperRightX, a.Extent.UpperRightY)
}

// Crop returns the sub-area covering rows [row0,row1) and columns [col0,col1).
func (a AreaDefinition) Crop(row0, row1, col0, col1 int) AreaDefinition {
	dx, dy := a.PixelSizeX(), a.PixelSizeY()
	out := a
	out.Width = col1 - col0
	out.Height = row1 - row0
	out.Extent = Extent{
		LowerLeftX:  a.Extent.LowerLeftX + float64(col0)*dx,
		UpperRightX: a.Extent.LowerLeftX + float64(col1)*dx,
		UpperRightY: a.Extent.UpperRightY - float64(row0)*dy,
		LowerLeftY:  a.Extent.UpperRightY - float64(row1)*dy,
	}
	return out
}

// Window is a half-open pixel window.
type Window struct {
	Row0, Row1, Col0, Col1 int
}

// Empty reports whether the window selects no pixels.
func (w Window) Empty() bool { return w.Row1 <= w.Row0 || w.Col1 <= w.Col0 }

// WindowFor returns the smallest pixel window covering the visible part of a
// lon/lat bounding box. The box edges are sampled densely because straight
// lon/lat lines are curved in the native projection.
func (a AreaDefinition) WindowFor(west, south, east, north float64) (Window, error) {
	const samples = 64
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	visit := func(lon, lat float64) {
		x, y, ok := a.Projection.Forward(lon, lat)
		if !ok {
			return
		}
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	for i := 0; i <= samples; i++ {
		f := float64(i) / samples
		for j := 0; j <= samples; j++ {
			g := float64(j) / samples
			visit(west+f*(east-west), south+g*(north-south))
		}
	}
	if math.IsInf(minX, 1) {
		return Window{}, ErrEmptyWindow
	}

	colA := a.colOf(minX)
	colB := a.colOf(maxX)
	rowA := a.rowOf(maxY)
	rowB := a.rowOf(minY)
	w := Window{
		Row0: clamp(min(rowA, rowB), 0, a.Height),
		Row1: clamp(max(rowA, rowB)+1, 0, a.Height),
		Col0: clamp(min(colA, colB), 0, a.Width),
		Col1: clamp(max(colA, colB)+1, 0, a.Width),
	}
	if w.Empty() {
		return Window{}, ErrEmptyWindow
	}
	return w, nil
}

func (a AreaDefinition) colOf(x float64) int {
	return int(math.Floor((x - a.Extent.LowerLeftX) / a.PixelSizeX()))
}

func (a AreaDefinition) rowOf(y float64) int {
	return int(math.Floor((a.Extent.UpperRightY - y) / a.PixelSizeY()))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// OffDiskMask reports, per pixel in row-major order, whether the pixel centre
// lies outside the visible Earth disk.
func OffDiskMask(a AreaDefinition) []bool {
	xs, ys := a.XCoords(), a.YCoords()
	mask := make([]bool, len(xs)*len(ys))
	for j, y := range ys {
		for i, x := range xs {
			_, _, ok := a.Projection.Inverse(x, y)
			mask[j*len(xs)+i] = !ok
		}
	}
	return mask
}

// LonLatGrid computes geodetic coordinates of every pixel centre in
// row-major order. Off-disk pixels are NaN.
func LonLatGrid(a AreaDefinition) (lons, lats []float64) {
	xs, ys := a.XCoords(), a.YCoords()
	lons = make([]float64, len(xs)*len(ys))
	lats = make([]float64, len(xs)*len(ys))
	for j, y := range ys {
		for i, x := range xs {
			lon, lat, _ := a.Projection.Inverse(x, y)
			lons[j*len(xs)+i] = lon
			lats[j*len(xs)+i] = lat
		}
	}
	return lons, lats
}

// FullDisk returns an area covering the whole disk of a projection at the
// given resolution, with a one-pixel margin of space around the limb.
func FullDisk(id string, p Projection, size int) AreaDefinition {
	// Maximum visible scan angle: asin(a / (a + h)).
	half := p.SatHeight*math.Asin(p.SemiMajor/(p.SemiMajor+p.SatHeight)) + 1
	step := 2 * half / float64(size-2)
	half += step
	return AreaDefinition{
		AreaID:     id,
		Projection: p,
		Width:      size,
		Height:     size,
		Extent:     Extent{LowerLeftX: -half, LowerLeftY: -half, UpperRightX: half, UpperRightY: half},
	}
}
