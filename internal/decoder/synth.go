package decoder

import (
	"math"
	"strings"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/geos"
)

// ProjectionFor returns the native projection of a product's imager.
func ProjectionFor(p domain.Product) geos.Projection {
	switch p.Provider {
	case domain.ProviderGOES:
		return geos.ABI(p.LonOrigin)
	case domain.ProviderHimawari:
		return geos.AHI(p.LonOrigin)
	default:
		return geos.SEVIRI(p.LonOrigin)
	}
}

// SyntheticScene builds a full-disk scene for product with smooth,
// plausible values on the disk and NaN in space. size is the non-HRV grid
// width; the HRV grid is three times finer.
func SyntheticScene(p domain.Product, start time.Time, size int) *Scene {
	proj := ProjectionFor(p)
	scene := &Scene{
		Platform: "synthetic",
		Start:    start.UTC(),
		End:      start.UTC().Add(p.Cadence - time.Minute),
		Bands:    map[string]*Band{},
	}
	phase := float64(start.Unix()%86400) / 86400 * 2 * math.Pi
	for i, name := range p.Channels() {
		n := size
		if name == p.HRV {
			n = 3 * size
		}
		area := geos.FullDisk("full_disk", proj, n)
		lons, lats := geos.LonLatGrid(area)
		lo, span := bandRange(name)
		data := make([]float32, len(lons))
		for k := range data {
			if math.IsNaN(lons[k]) {
				data[k] = float32(math.NaN())
				continue
			}
			frac := 0.5 + 0.4*math.Sin(lats[k]/15+phase+float64(i))*math.Cos(lons[k]/20)
			data[k] = float32(lo + span*frac)
		}
		scene.Bands[name] = &Band{Name: name, Area: area, Data: data}
	}
	return scene
}

// bandRange picks reflectance-like values for visible bands and brightness
// temperatures for the rest.
func bandRange(name string) (lo, span float64) {
	switch name {
	case "HRV", "VIS006", "VIS008", "IR_016",
		"C01", "C02", "C03", "C04", "C05", "C06",
		"B01", "B02", "B03", "B04", "B05", "B06":
		return 0, 100
	}
	if strings.HasPrefix(name, "WV") {
		return 200, 50
	}
	return 210, 90
}
