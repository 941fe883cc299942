// Package geos implements the geostationary satellite projection used by
// SEVIRI, ABI and AHI native grids.
//
// Coordinates follow the PROJ "geos" convention: native x/y are scanning
// angles multiplied by the satellite height above the ellipsoid, in metres.
// The sweep axis selects the order in which the instrument scans; SEVIRI and
// AHI sweep along y, ABI along x.
package geos

import (
	"fmt"
	"math"
)

// Sweep identifies the fixed scanning axis of the instrument.
type Sweep string

const (
	SweepX Sweep = "x"
	SweepY Sweep = "y"
)

// Projection holds the ellipsoid and satellite position parameters.
type Projection struct {
	LonOrigin float64 `yaml:"lon_0" json:"lon_0"`
	SemiMajor float64 `yaml:"a" json:"a"`
	SemiMinor float64 `yaml:"b" json:"b"`
	SatHeight float64 `yaml:"h" json:"h"`
	SweepAxis Sweep   `yaml:"sweep" json:"sweep"`
}

// SEVIRI returns the Meteosat Second Generation projection for a sub-satellite longitude.
func SEVIRI(lon0 float64) Projection {
	return Projection{LonOrigin: lon0, SemiMajor: 6378169.0, SemiMinor: 6356583.8, SatHeight: 35785831.0, SweepAxis: SweepY}
}

// ABI returns the GOES-R series projection.
func ABI(lon0 float64) Projection {
	return Projection{LonOrigin: lon0, SemiMajor: 6378137.0, SemiMinor: 6356752.31414, SatHeight: 35786023.0, SweepAxis: SweepX}
}

// AHI returns the Himawari-8/9 projection.
func AHI(lon0 float64) Projection {
	return Projection{LonOrigin: lon0, SemiMajor: 6378137.0, SemiMinor: 6356752.3, SatHeight: 35785863.0, SweepAxis: SweepY}
}

// Proj4 renders the projection as a PROJ definition string.
func (p Projection) Proj4() string {
	return fmt.Sprintf("+proj=geos +lon_0=%g +h=%g +a=%g +b=%g +sweep=%s +units=m +no_defs",
		p.LonOrigin, p.SatHeight, p.SemiMajor, p.SemiMinor, p.SweepAxis)
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }

// Forward projects a geodetic lon/lat (degrees) to native x/y (metres).
// ok is false when the point is not visible from the satellite.
func (p Projection) Forward(lon, lat float64) (x, y float64, ok bool) {
	radiusP := p.SemiMinor / p.SemiMajor
	radiusP2 := radiusP * radiusP
	radiusG1 := p.SatHeight / p.SemiMajor
	radiusG := 1 + radiusG1

	lam := deg2rad(lon - p.LonOrigin)
	phi := deg2rad(lat)

	phiC := math.Atan(radiusP2 * math.Tan(phi))
	r := radiusP / math.Hypot(radiusP*math.Cos(phiC), math.Sin(phiC))
	vx := r * math.Cos(lam) * math.Cos(phiC)
	vy := r * math.Sin(lam) * math.Cos(phiC)
	vz := r * math.Sin(phiC)

	tmp := radiusG - vx
	if tmp*vx-vy*vy-vz*vz/radiusP2 < 0 {
		return math.NaN(), math.NaN(), false
	}

	if p.SweepAxis == SweepX {
		x = radiusG1 * math.Atan(vy/math.Hypot(vz, tmp))
		y = radiusG1 * math.Atan(vz/tmp)
	} else {
		x = radiusG1 * math.Atan(vy/tmp)
		y = radiusG1 * math.Atan(vz/math.Hypot(vy, tmp))
	}
	return x * p.SemiMajor, y * p.SemiMajor, true
}

// Inverse converts native x/y (metres) to geodetic lon/lat (degrees).
// ok is false for points off the Earth disk.
func (p Projection) Inverse(x, y float64) (lon, lat float64, ok bool) {
	radiusP := p.SemiMinor / p.SemiMajor
	radiusPInv2 := 1 / (radiusP * radiusP)
	radiusG1 := p.SatHeight / p.SemiMajor
	radiusG := 1 + radiusG1
	c := radiusG*radiusG - 1

	x /= p.SemiMajor
	y /= p.SemiMajor

	vx := -1.0
	var vy, vz float64
	if p.SweepAxis == SweepX {
		vz = math.Tan(y / radiusG1)
		vy = math.Tan(x/radiusG1) * math.Hypot(1, vz)
	} else {
		vy = math.Tan(x / radiusG1)
		vz = math.Tan(y/radiusG1) * math.Hypot(1, vy)
	}

	az := vz / radiusP
	a := vy*vy + az*az + vx*vx
	b := 2 * radiusG * vx
	det := b*b - 4*a*c
	if det < 0 {
		return math.NaN(), math.NaN(), false
	}

	k := (-b - math.Sqrt(det)) / (2 * a)
	vx = radiusG + k*vx
	vy *= k
	vz *= k

	lam := math.Atan2(vy, vx)
	phi := math.Atan(vz * math.Cos(lam) / vx)
	phi = math.Atan(radiusPInv2 * math.Tan(phi))

	lon = rad2deg(lam) + p.LonOrigin
	if lon > 180 {
		lon -= 360
	} else if lon < -180 {
		lon += 360
	}
	return lon, rad2deg(phi), true
}
