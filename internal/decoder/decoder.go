// Package decoder turns downloaded native scans into normalized frames:
// cropped to a region, stacked by variant, time-rounded, gap-filled and
// checked for corrupt pixels.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/geos"
)

// DefaultMaxGap is the longest NaN run interpolated by the gap filler.
const DefaultMaxGap = 2

// Options configures a Decoder.
type Options struct {
	// Region crops every frame to a named bounding box.
	Region domain.BoundingBox
	// LonLat attaches geodetic pixel coordinates to each frame.
	LonLat bool
	MaxGap int
}

// Decoded holds the two variants of one scan. HRV is nil for products
// without a high-resolution channel.
type Decoded struct {
	HRV    *domain.Frame
	NonHRV *domain.Frame
}

// Frame returns the frame of variant v.
func (d Decoded) Frame(v domain.Variant) *domain.Frame {
	if v == domain.VariantHRV {
		return d.HRV
	}
	return d.NonHRV
}

// Decoder decodes native scans.
type Decoder struct {
	loader SceneLoader
	masks  *MaskCache
	opts   Options
	logger *slog.Logger
}

// New creates a Decoder.
func New(loader SceneLoader, masks *MaskCache, opts Options, logger *slog.Logger) *Decoder {
	if opts.MaxGap <= 0 {
		opts.MaxGap = DefaultMaxGap
	}
	if masks == nil {
		masks = NewMaskCache(8, nil)
	}
	return &Decoder{loader: loader, masks: masks, opts: opts, logger: logger}
}

// Decode loads native and builds one frame per variant. Reader failures and
// dirty scans are Skipped; only cancellation is Fatal.
func (d *Decoder) Decode(ctx context.Context, native domain.NativeFile, product domain.Product) domain.Result[Decoded] {
	scene, err := d.loader.Load(ctx, native, product.Channels())
	if err != nil {
		if ctx.Err() != nil {
			return domain.Failed[Decoded](ctx.Err())
		}
		return domain.Skipped[Decoded](fmt.Errorf("load scene %s: %w", native.Scan.ID, err))
	}

	var out Decoded
	for _, v := range product.Variants() {
		names := product.Narrowband
		if v == domain.VariantHRV {
			names = []string{product.HRV}
		}
		f, err := d.frame(scene, v, names, product)
		if err != nil {
			return domain.Skipped[Decoded](fmt.Errorf("%s %s: %w", native.Scan.ID, v, err))
		}
		if v == domain.VariantHRV {
			out.HRV = f
		} else {
			out.NonHRV = f
		}
	}
	return domain.OK(out)
}

func (d *Decoder) frame(scene *Scene, v domain.Variant, names []string, product domain.Product) (*domain.Frame, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no bands for %s", v)
	}
	first, ok := scene.Bands[names[0]]
	if !ok {
		return nil, fmt.Errorf("band %s missing", names[0])
	}
	area := first.Area
	for _, n := range names[1:] {
		b, ok := scene.Bands[n]
		if !ok {
			return nil, fmt.Errorf("band %s missing", n)
		}
		if b.Area.Key() != area.Key() {
			return nil, fmt.Errorf("%w: band %s grid differs from %s", domain.ErrShapeMismatch, n, names[0])
		}
	}

	r := d.opts.Region
	win, err := area.WindowFor(r.West, r.South, r.East, r.North)
	if err != nil {
		return nil, err
	}
	cropped := area.Crop(win.Row0, win.Row1, win.Col0, win.Col1)

	ts := domain.RoundTime(scene.Start, product.Rounding())
	f := domain.NewFrame(v, []time.Time{ts}, cropped.YCoords(), cropped.XCoords(), names)
	ny, nx := cropped.Height, cropped.Width
	for vi, n := range names {
		plane := cropPlane(scene.Bands[n].Data, area.Width, win)
		fillGaps(plane, ny, nx, d.opts.MaxGap)
		f.SetPlane(0, vi, plane)
	}

	f.Attrs[domain.AttrNameArea] = domain.AreaAttr(cropped)
	f.Attrs[domain.AttrNameProjection] = domain.ScalarAttr(cropped.Projection.Proj4())
	f.Attrs[domain.AttrNameAcquisitionTime] = domain.DatetimeAttr(scene.End)
	f.Attrs[domain.AttrNameProvider] = domain.ScalarAttr(string(product.Provider))
	f.Attrs[domain.AttrNameProduct] = domain.ScalarAttr(product.ID)
	if scene.Platform != "" {
		f.Attrs["platform_name"] = domain.ScalarAttr(scene.Platform)
	}

	if d.opts.LonLat {
		lons, lats := geos.LonLatGrid(cropped)
		f.Lon, f.Lat = narrow(lons), narrow(lats)
	}

	if bad := d.dirtyPixels(f, cropped); bad > 0 {
		return nil, fmt.Errorf("%w: %d NaN pixels on the disk", domain.ErrDirtyScan, bad)
	}
	return f, nil
}

// dirtyPixels counts NaN values at pixels that should see the Earth.
func (d *Decoder) dirtyPixels(f *domain.Frame, a geos.AreaDefinition) int {
	mask := d.masks.Get(a)
	_, ny, nx, nv := f.Shape()
	bad := 0
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			if mask[y*nx+x] {
				continue
			}
			for v := 0; v < nv; v++ {
				if val := f.At(0, y, x, v); val != val {
					bad++
				}
			}
		}
	}
	return bad
}

func cropPlane(data []float32, width int, w geos.Window) []float32 {
	nx := w.Col1 - w.Col0
	out := make([]float32, 0, (w.Row1-w.Row0)*nx)
	for row := w.Row0; row < w.Row1; row++ {
		out = append(out, data[row*width+w.Col0:row*width+w.Col1]...)
	}
	return out
}

func narrow(vals []float64) []float32 {
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(v)
	}
	return out
}

// IsDirty reports whether a skipped result was caused by a dirty scan.
func IsDirty(err error) bool { return errors.Is(err, domain.ErrDirtyScan) }

