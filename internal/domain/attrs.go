package domain

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/openclimatefix/Satip-sub000/internal/geos"
	"gopkg.in/yaml.v3"
)

// AttrKind is the closed set of attribute kinds a frame may carry.
type AttrKind int

const (
	AttrScalar AttrKind = iota + 1
	AttrMapping
	AttrArea
	AttrDatetime
)

func (k AttrKind) String() string {
	switch k {
	case AttrScalar:
		return "scalar"
	case AttrMapping:
		return "mapping"
	case AttrArea:
		return "area-definition"
	case AttrDatetime:
		return "datetime"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Attr is a tagged attribute value. Exactly one payload field is meaningful,
// selected by Kind.
type Attr struct {
	Kind    AttrKind
	Scalar  any
	Mapping map[string]string
	Area    *geos.AreaDefinition
	Time    time.Time
}

func ScalarAttr(v any) Attr { return Attr{Kind: AttrScalar, Scalar: v} }
func MappingAttr(m map[string]string) Attr { return Attr{Kind: AttrMapping, Mapping: m} }
func AreaAttr(a geos.AreaDefinition) Attr { return Attr{Kind: AttrArea, Area: &a} }
func DatetimeAttr(t time.Time) Attr { return Attr{Kind: AttrDatetime, Time: t} }

// Attrs is a named attribute set.
type Attrs map[string]Attr

// Clone returns a shallow copy.
func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Serialize renders every attribute as a string: scalars with strconv,
// mappings and areas as YAML, datetimes as RFC 3339. Unknown kinds and
// unsupported scalar types are rejected.
func (a Attrs) Serialize() (map[string]string, error) {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(a))
	for _, k := range keys {
		s, err := a[k].serialize()
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

func (v Attr) serialize() (string, error) {
	switch v.Kind {
	case AttrScalar:
		return formatScalar(v.Scalar)
	case AttrMapping:
		b, err := yaml.Marshal(v.Mapping)
		if err != nil {
			return "", fmt.Errorf("marshal mapping: %w", err)
		}
		return string(b), nil
	case AttrArea:
		if v.Area == nil {
			return "", fmt.Errorf("%w: empty area definition", ErrUnknownAttrKind)
		}
		b, err := yaml.Marshal(v.Area)
		if err != nil {
			return "", fmt.Errorf("marshal area: %w", err)
		}
		return string(b), nil
	case AttrDatetime:
		return v.Time.UTC().Format(time.RFC3339Nano), nil
	default:
		return "", fmt.Errorf("%w: %v", ErrUnknownAttrKind, v.Kind)
	}
}

func formatScalar(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: scalar of type %T", ErrUnknownAttrKind, v)
	}
}

// ParseArea decodes an area definition serialized by Serialize.
func ParseArea(s string) (geos.AreaDefinition, error) {
	var a geos.AreaDefinition
	if err := yaml.Unmarshal([]byte(s), &a); err != nil {
		return geos.AreaDefinition{}, fmt.Errorf("parse area: %w", err)
	}
	return a, nil
}

// Well-known attribute names.
const (
	AttrNameArea            = "area"
	AttrNameAcquisitionTime = "end_time"
	AttrNameProjection      = "crs"
	AttrNameProvider        = "provider"
	AttrNameProduct         = "product_id"
	AttrNameScaled          = "rescaled"
)
