package chunkstore

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Metadata keys of the zarr v2 layout.
const (
	ArrayMetaKey        = ".zarray"
	AttrsKey            = ".zattrs"
	GroupMetaKey        = ".zgroup"
	ConsolidatedMetaKey = ".zmetadata"
)

// DimensionsAttr names the axes of an array, as xarray expects.
const DimensionsAttr = "_ARRAY_DIMENSIONS"

// ArrayMeta is the .zarray document.
type ArrayMeta struct {
	ZarrFormat         int           `json:"zarr_format"`
	Shape              []int         `json:"shape"`
	Chunks             []int         `json:"chunks"`
	DType              DType         `json:"dtype"`
	Compressor         CodecConfig   `json:"compressor"`
	FillValue          any           `json:"fill_value"`
	Order              string        `json:"order"`
	Filters            []CodecConfig `json:"filters"`
	DimensionSeparator string        `json:"dimension_separator"`
}

// NewArrayMeta fills the fixed fields of an array description.
func NewArrayMeta(shape, chunks []int, dtype DType, compressor CodecConfig) ArrayMeta {
	var fill any = 0
	if dtype.IsFloat() {
		fill = "NaN"
	}
	return ArrayMeta{
		ZarrFormat:         2,
		Shape:              append([]int(nil), shape...),
		Chunks:             append([]int(nil), chunks...),
		DType:              dtype,
		Compressor:         compressor,
		FillValue:          fill,
		Order:              "C",
		DimensionSeparator: ".",
	}
}

func (m ArrayMeta) validate() error {
	if m.ZarrFormat != 2 {
		return fmt.Errorf("unsupported zarr_format %d", m.ZarrFormat)
	}
	if len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("shape %v and chunks %v differ in rank", m.Shape, m.Chunks)
	}
	for i, c := range m.Chunks {
		if c <= 0 {
			return fmt.Errorf("chunk size %d on axis %d", c, i)
		}
		if m.Shape[i] < 0 {
			return fmt.Errorf("negative extent on axis %d", i)
		}
	}
	if m.Order != "C" {
		return fmt.Errorf("unsupported order %q", m.Order)
	}
	return m.DType.validate()
}

func readJSON(s Storage, key string, v any) error {
	b, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func writeJSON(s Storage, key string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(key, b)
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
