package scaler

import (
	"fmt"
	"strings"

	"github.com/openclimatefix/Satip-sub000/internal/domain"
)

// Empirical bounds of calibrated SEVIRI values, in SEVIRIChannels order.
var (
	seviriMins = []float64{
		-2.5118103, -64.83977, 63.404694, 2.844452, 199.10002, -17.254883,
		-26.29155, -1.1009827, -2.4184198, 199.57048, 198.95093,
	}
	seviriMaxs = []float64{
		69.60857, 339.15588, 340.26526, 317.86752, 313.2767, 315.99194,
		274.82297, 93.786545, 101.34922, 249.91806, 286.96323,
	}
	hrvMins = []float64{-1.2278595}
	hrvMaxs = []float64{103.90016}
)

// Sixteen-band imagers: reflective bands 1-6 as percent reflectance,
// emissive bands 7-16 as brightness temperature.
func sixteenBand() (mins, maxs []float64) {
	for i := 1; i <= 16; i++ {
		if i <= 6 {
			mins, maxs = append(mins, 0), append(maxs, 120)
			continue
		}
		mins, maxs = append(mins, 180), append(maxs, 330)
	}
	return mins, maxs
}

// Default returns the empirical scaler for a product variant.
func Default(p domain.Product, v domain.Variant) (*Scaler, error) {
	if v == domain.VariantHRV {
		if !p.HasHRV() {
			return nil, fmt.Errorf("scaler: product %s has no HRV channel", p.ID)
		}
		return New(hrvMins, hrvMaxs, []string{p.HRV})
	}
	switch {
	case p.Provider.IsEUMETSAT():
		return New(seviriMins, seviriMaxs, p.Narrowband)
	case p.Provider == domain.ProviderGOES, p.Provider == domain.ProviderHimawari:
		mins, maxs := sixteenBand()
		return New(mins, maxs, p.Narrowband)
	default:
		return nil, fmt.Errorf("scaler: no default bounds for %s", strings.ToLower(string(p.Provider)))
	}
}
