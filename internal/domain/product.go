package domain

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies a data source and the satellite position it serves.
type Provider string

const (
	ProviderEUMETSATRSS      Provider = "EUMETSAT-RSS"
	ProviderEUMETSATFullDisk Provider = "EUMETSAT-FullDisk"
	ProviderEUMETSATIODC     Provider = "EUMETSAT-IODC"
	ProviderGOES             Provider = "GOES"
	ProviderHimawari         Provider = "Himawari"
)

// IsEUMETSAT reports whether the provider is served by the EUMETSAT Data Store.
func (p Provider) IsEUMETSAT() bool {
	return strings.HasPrefix(string(p), "EUMETSAT-")
}

// Variant selects the HRV or non-HRV half of a decoded scan.
type Variant string

const (
	VariantHRV    Variant = "hrv"
	VariantNonHRV Variant = "nonhrv"
)

// Variants lists both variants in archive order.
var Variants = []Variant{VariantNonHRV, VariantHRV}

// HRVChannel is the wideband high-resolution visible channel of SEVIRI.
const HRVChannel = "HRV"

// SEVIRIChannels are the 11 narrowband SEVIRI channels in archive order.
var SEVIRIChannels = []string{
	"IR_016", "IR_039", "IR_087", "IR_097", "IR_108", "IR_120",
	"IR_134", "VIS006", "VIS008", "WV_062", "WV_073",
}

// ABIChannels are the 16 GOES ABI bands.
var ABIChannels = numberedChannels("C", 16)

// AHIChannels are the 16 Himawari AHI bands.
var AHIChannels = numberedChannels("B", 16)

func numberedChannels(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%02d", prefix, i+1)
	}
	return out
}

// Product is one provider collection with a fixed cadence and channel set.
type Product struct {
	ID       string
	Provider Provider
	Cadence  time.Duration
	// Narrowband lists the non-HRV channels.
	Narrowband []string
	// HRV is empty for sensors without a wideband channel.
	HRV string
	// Suffix is appended to yearly archive names.
	Suffix string
	// Fallback names the lower-cadence product used when this one is sparse.
	Fallback string
	// LonOrigin is the sub-satellite longitude.
	LonOrigin float64
}

// Channels returns every channel the product carries, HRV first when present.
func (p Product) Channels() []string {
	out := make([]string, 0, len(p.Narrowband)+1)
	if p.HRV != "" {
		out = append(out, p.HRV)
	}
	return append(out, p.Narrowband...)
}

// HasHRV reports whether the product produces an HRV variant.
func (p Product) HasHRV() bool { return p.HRV != "" }

// Variants returns the variants this product produces.
func (p Product) Variants() []Variant {
	if p.HasHRV() {
		return Variants
	}
	return []Variant{VariantNonHRV}
}

// Rounding is the boundary acquisition times are rounded to: the cadence for
// 15-minute products, five minutes otherwise.
func (p Product) Rounding() time.Duration {
	if p.Cadence > 0 && p.Cadence%(15*time.Minute) == 0 {
		return p.Cadence
	}
	return 5 * time.Minute
}

// Product identifiers.
const (
	ProductRSS      = "EO:EUM:DAT:MSG:MSG15-RSS"
	ProductFullDisk = "EO:EUM:DAT:MSG:HRSEVIRI"
	ProductIODC     = "EO:EUM:DAT:MSG:HRSEVIRI-IODC"
	ProductABI      = "ABI-L1b-RadF"
	ProductAHI      = "AHI-L1b-FLDK"
)

var products = map[string]Product{
	ProductRSS: {
		ID: ProductRSS, Provider: ProviderEUMETSATRSS, Cadence: 5 * time.Minute,
		Narrowband: SEVIRIChannels, HRV: HRVChannel, Fallback: ProductFullDisk, LonOrigin: 9.5,
	},
	ProductFullDisk: {
		ID: ProductFullDisk, Provider: ProviderEUMETSATFullDisk, Cadence: 15 * time.Minute,
		Narrowband: SEVIRIChannels, HRV: HRVChannel, Suffix: "_odegree", LonOrigin: 0,
	},
	ProductIODC: {
		ID: ProductIODC, Provider: ProviderEUMETSATIODC, Cadence: 15 * time.Minute,
		Narrowband: SEVIRIChannels, HRV: HRVChannel, Suffix: "_iodc", LonOrigin: 45.5,
	},
	ProductABI: {
		ID: ProductABI, Provider: ProviderGOES, Cadence: 10 * time.Minute,
		Narrowband: ABIChannels, Suffix: "_goes", LonOrigin: -75.2,
	},
	ProductAHI: {
		ID: ProductAHI, Provider: ProviderHimawari, Cadence: 10 * time.Minute,
		Narrowband: AHIChannels, Suffix: "_himawari", LonOrigin: 140.7,
	},
}

// LookupProduct returns the catalog entry for a product id.
func LookupProduct(id string) (Product, error) {
	p, ok := products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", ErrUnknownProduct, id)
	}
	return p, nil
}

// MustProduct is LookupProduct for identifiers known at compile time.
func MustProduct(id string) Product {
	p, err := LookupProduct(id)
	if err != nil {
		panic(err)
	}
	return p
}
