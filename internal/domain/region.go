package domain

import (
	"fmt"
	"sort"
	"strings"
)

// BoundingBox is a geographic rectangle in degrees.
type BoundingBox struct {
	West, South, East, North float64
}

// regions maps lower-cased names to their crop box.
var regions = map[string]BoundingBox{
	"uk":     {West: -16, South: 45, East: 10, North: 62},
	"rss":    {West: -64, South: 16, East: 83, North: 69},
	"india":  {West: 60, South: 6, East: 97, North: 37},
	"europe": {West: -12, South: 35, East: 42, North: 72},
	"africa": {West: -20, South: -38, East: 55, North: 38},
	"conus":  {West: -126, South: 22, East: -64, North: 52},
	"japan":  {West: 122, South: 23, East: 150, North: 47},
}

// LookupRegion resolves a region name case-insensitively.
func LookupRegion(name string) (BoundingBox, error) {
	b, ok := regions[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return BoundingBox{}, fmt.Errorf("%w: %q", ErrUnknownRegion, name)
	}
	return b, nil
}

// RegionNames lists the known regions in sorted order.
func RegionNames() []string {
	out := make([]string, 0, len(regions))
	for k := range regions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
