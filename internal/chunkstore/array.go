package chunkstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Array is one chunked n-dimensional array inside a Storage.
type Array struct {
	store Storage
	name  string
	meta  ArrayMeta
	codec Codec
}

// CreateArray writes array metadata and dimension names. Existing chunks
// under name are left untouched.
func CreateArray(s Storage, reg *Registry, name string, meta ArrayMeta, dims []string, attrs map[string]any) (*Array, error) {
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	if len(dims) != len(meta.Shape) {
		return nil, fmt.Errorf("create %s: %d dimension names for rank %d", name, len(dims), len(meta.Shape))
	}
	codec, err := reg.Resolve(meta.Compressor)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	if err := writeJSON(s, join(name, ArrayMetaKey), meta); err != nil {
		return nil, err
	}
	all := map[string]any{DimensionsAttr: dims}
	for k, v := range attrs {
		all[k] = v
	}
	if err := writeJSON(s, join(name, AttrsKey), all); err != nil {
		return nil, err
	}
	return &Array{store: s, name: name, meta: meta, codec: codec}, nil
}

// OpenArray loads an existing array.
func OpenArray(s Storage, reg *Registry, name string) (*Array, error) {
	var meta ArrayMeta
	if err := readJSON(s, join(name, ArrayMetaKey), &meta); err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	codec, err := reg.Resolve(meta.Compressor)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &Array{store: s, name: name, meta: meta, codec: codec}, nil
}

func (a *Array) Name() string    { return a.name }
func (a *Array) Meta() ArrayMeta { return a.meta }
func (a *Array) Shape() []int    { return append([]int(nil), a.meta.Shape...) }
func (a *Array) Chunks() []int   { return append([]int(nil), a.meta.Chunks...) }
func (a *Array) DType() DType    { return a.meta.DType }

// Attrs reads the array's .zattrs document.
func (a *Array) Attrs() (map[string]any, error) {
	attrs := map[string]any{}
	err := readJSON(a.store, join(a.name, AttrsKey), &attrs)
	if errors.Is(err, ErrNotFound) {
		return attrs, nil
	}
	return attrs, err
}

// Dimensions returns the axis names recorded at creation.
func (a *Array) Dimensions() ([]string, error) {
	attrs, err := a.Attrs()
	if err != nil {
		return nil, err
	}
	raw, _ := attrs[DimensionsAttr].([]any)
	dims := make([]string, 0, len(raw))
	for _, d := range raw {
		s, _ := d.(string)
		dims = append(dims, s)
	}
	return dims, nil
}

// Resize changes the array extent. Chunks wholly outside the new extent are deleted.
func (a *Array) Resize(shape []int) error {
	if len(shape) != len(a.meta.Shape) {
		return fmt.Errorf("resize %s: rank %d != %d", a.name, len(shape), len(a.meta.Shape))
	}
	old := a.meta.Shape
	a.meta.Shape = append([]int(nil), shape...)
	if err := writeJSON(a.store, join(a.name, ArrayMetaKey), a.meta); err != nil {
		return err
	}
	shrunk := false
	for i := range shape {
		if shape[i] < old[i] {
			shrunk = true
		}
	}
	if !shrunk {
		return nil
	}
	keys, err := a.store.List(join(a.name, ""))
	if err != nil {
		return err
	}
	for _, k := range keys {
		idx, ok := a.parseChunkKey(k)
		if !ok {
			continue
		}
		for d, c := range idx {
			if c*a.meta.Chunks[d] >= shape[d] {
				if err := a.store.Delete(k); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

func (a *Array) chunkKey(idx []int) string {
	parts := make([]string, len(idx))
	for i, c := range idx {
		parts[i] = strconv.Itoa(c)
	}
	return join(a.name, strings.Join(parts, a.meta.DimensionSeparator))
}

func (a *Array) parseChunkKey(key string) ([]int, bool) {
	rest := strings.TrimPrefix(key, join(a.name, ""))
	if strings.Contains(rest, "/") || strings.HasPrefix(rest, ".") {
		return nil, false
	}
	parts := strings.Split(rest, a.meta.DimensionSeparator)
	if len(parts) != len(a.meta.Shape) {
		return nil, false
	}
	idx := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		idx[i] = n
	}
	return idx, true
}

func (a *Array) chunkElems() int {
	n := 1
	for _, c := range a.meta.Chunks {
		n *= c
	}
	return n
}

func (a *Array) info() ChunkInfo {
	return ChunkInfo{DType: a.meta.DType, Shape: a.meta.Chunks}
}

// loadChunk returns the decoded chunk, or a fill-valued chunk if it is absent.
func (a *Array) loadChunk(idx []int) ([]byte, error) {
	data, err := a.store.Get(a.chunkKey(idx))
	if errors.Is(err, ErrNotFound) {
		return a.fillChunk(), nil
	}
	if err != nil {
		return nil, err
	}
	if a.codec != nil {
		data, err = a.codec.Decode(data, a.info())
		if err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", a.chunkKey(idx), err)
		}
	}
	if len(data) != a.chunkElems()*a.meta.DType.Size() {
		return nil, fmt.Errorf("chunk %s has %d bytes, want %d", a.chunkKey(idx), len(data), a.chunkElems()*a.meta.DType.Size())
	}
	return data, nil
}

func (a *Array) storeChunk(idx []int, raw []byte) error {
	data := raw
	if a.codec != nil {
		var err error
		data, err = a.codec.Encode(raw, a.info())
		if err != nil {
			return fmt.Errorf("encode chunk %s: %w", a.chunkKey(idx), err)
		}
	}
	return a.store.Set(a.chunkKey(idx), data)
}

func (a *Array) fillChunk() []byte {
	one := fillBytes(a.meta.DType, a.meta.FillValue)
	out := make([]byte, a.chunkElems()*len(one))
	for i := 0; i < len(out); i += len(one) {
		copy(out[i:], one)
	}
	return out
}

func (a *Array) checkRegion(start, shape []int) error {
	if len(start) != len(a.meta.Shape) || len(shape) != len(a.meta.Shape) {
		return fmt.Errorf("region rank mismatch on %s", a.name)
	}
	for d := range start {
		if start[d] < 0 || shape[d] < 0 || start[d]+shape[d] > a.meta.Shape[d] {
			return fmt.Errorf("region [%d,%d) out of bounds on axis %d of %s (extent %d)",
				start[d], start[d]+shape[d], d, a.name, a.meta.Shape[d])
		}
	}
	return nil
}

// ReadRegion returns the raw little-endian elements of a hyper-rectangle in C order.
func (a *Array) ReadRegion(start, shape []int) ([]byte, error) {
	if err := a.checkRegion(start, shape); err != nil {
		return nil, err
	}
	size := a.meta.DType.Size()
	out := make([]byte, product(shape)*size)
	if len(out) == 0 {
		return out, nil
	}
	err := a.eachChunk(start, shape, func(idx, lo, hi []int) error {
		chunk, err := a.loadChunk(idx)
		if err != nil {
			return err
		}
		a.copyBox(chunk, idx, out, start, shape, lo, hi, false)
		return nil
	})
	return out, err
}

// WriteRegion stores raw elements into a hyper-rectangle. Partially covered
// chunks are read, merged and rewritten.
func (a *Array) WriteRegion(start, shape []int, raw []byte) error {
	if err := a.checkRegion(start, shape); err != nil {
		return err
	}
	size := a.meta.DType.Size()
	if len(raw) != product(shape)*size {
		return fmt.Errorf("write %s: %d bytes for region of %d elements", a.name, len(raw), product(shape))
	}
	if len(raw) == 0 {
		return nil
	}
	return a.eachChunk(start, shape, func(idx, lo, hi []int) error {
		var chunk []byte
		if a.covers(idx, lo, hi) {
			chunk = a.fillChunk()
		} else {
			var err error
			chunk, err = a.loadChunk(idx)
			if err != nil {
				return err
			}
		}
		a.copyBox(chunk, idx, raw, start, shape, lo, hi, true)
		return a.storeChunk(idx, chunk)
	})
}

// covers reports whether [lo,hi) spans the whole chunk idx.
func (a *Array) covers(idx, lo, hi []int) bool {
	for d := range idx {
		c0 := idx[d] * a.meta.Chunks[d]
		if lo[d] != c0 || hi[d] != c0+a.meta.Chunks[d] {
			return false
		}
	}
	return true
}

// eachChunk visits every chunk intersecting the region with the absolute
// bounds [lo,hi) of the intersection.
func (a *Array) eachChunk(start, shape []int, fn func(idx, lo, hi []int) error) error {
	rank := len(start)
	first := make([]int, rank)
	last := make([]int, rank)
	for d := 0; d < rank; d++ {
		first[d] = start[d] / a.meta.Chunks[d]
		last[d] = (start[d] + shape[d] - 1) / a.meta.Chunks[d]
	}
	idx := append([]int(nil), first...)
	for {
		lo := make([]int, rank)
		hi := make([]int, rank)
		for d := 0; d < rank; d++ {
			c0 := idx[d] * a.meta.Chunks[d]
			lo[d] = max(c0, start[d])
			hi[d] = min(c0+a.meta.Chunks[d], start[d]+shape[d])
		}
		if err := fn(append([]int(nil), idx...), lo, hi); err != nil {
			return err
		}
		d := rank - 1
		for d >= 0 {
			idx[d]++
			if idx[d] <= last[d] {
				break
			}
			idx[d] = first[d]
			d--
		}
		if d < 0 {
			return nil
		}
	}
}

// copyBox moves the box [lo,hi) between a chunk buffer and a region buffer.
// toChunk selects the direction.
func (a *Array) copyBox(chunk []byte, idx []int, region []byte, start, shape, lo, hi []int, toChunk bool) {
	rank := len(idx)
	size := a.meta.DType.Size()
	chunkShape := a.meta.Chunks

	chunkStrides := strides(chunkShape)
	regionStrides := strides(shape)
	run := (hi[rank-1] - lo[rank-1]) * size

	pos := append([]int(nil), lo...)
	for {
		co, ro := 0, 0
		for d := 0; d < rank; d++ {
			co += (pos[d] - idx[d]*chunkShape[d]) * chunkStrides[d]
			ro += (pos[d] - start[d]) * regionStrides[d]
		}
		co *= size
		ro *= size
		if toChunk {
			copy(chunk[co:co+run], region[ro:ro+run])
		} else {
			copy(region[ro:ro+run], chunk[co:co+run])
		}

		d := rank - 2
		for d >= 0 {
			pos[d]++
			if pos[d] < hi[d] {
				break
			}
			pos[d] = lo[d]
			d--
		}
		if d < 0 {
			return
		}
	}
}

func strides(shape []int) []int {
	out := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		out[d] = acc
		acc *= shape[d]
	}
	return out
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Full returns a start/shape pair covering the whole array.
func (a *Array) Full() (start, shape []int) {
	return make([]int, len(a.meta.Shape)), a.Shape()
}

// ReadFloat64 reads a region as float64 values.
func (a *Array) ReadFloat64(start, shape []int) ([]float64, error) {
	raw, err := a.ReadRegion(start, shape)
	if err != nil {
		return nil, err
	}
	return BytesToFloats(a.meta.DType, raw)
}

// ReadFloat32 reads a region as float32 values.
func (a *Array) ReadFloat32(start, shape []int) ([]float32, error) {
	raw, err := a.ReadRegion(start, shape)
	if err != nil {
		return nil, err
	}
	return BytesToFloat32s(a.meta.DType, raw)
}

// ReadInt64 reads a region of an <i8 array.
func (a *Array) ReadInt64(start, shape []int) ([]int64, error) {
	if a.meta.DType != Int64 {
		return nil, fmt.Errorf("read %s: dtype %s is not %s", a.name, a.meta.DType, Int64)
	}
	raw, err := a.ReadRegion(start, shape)
	if err != nil {
		return nil, err
	}
	return BytesToInt64s(raw), nil
}

func (a *Array) WriteFloat64(start, shape []int, vals []float64) error {
	raw, err := FloatsToBytes(a.meta.DType, vals)
	if err != nil {
		return err
	}
	return a.WriteRegion(start, shape, raw)
}

func (a *Array) WriteFloat32(start, shape []int, vals []float32) error {
	raw, err := Float32sToBytes(a.meta.DType, vals)
	if err != nil {
		return err
	}
	return a.WriteRegion(start, shape, raw)
}

func (a *Array) WriteInt64(start, shape []int, vals []int64) error {
	if a.meta.DType != Int64 {
		return fmt.Errorf("write %s: dtype %s is not %s", a.name, a.meta.DType, Int64)
	}
	return a.WriteRegion(start, shape, Int64sToBytes(vals))
}
