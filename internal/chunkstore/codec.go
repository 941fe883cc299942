package chunkstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrUnknownCodec is returned when metadata names a codec the registry lacks.
var ErrUnknownCodec = errors.New("unknown codec")

// CodecConfig is the JSON form of a compressor, always carrying "id".
type CodecConfig map[string]any

// ID returns the codec identifier.
func (c CodecConfig) ID() string {
	id, _ := c["id"].(string)
	return id
}

// Int reads an integer parameter, accepting JSON numbers.
func (c CodecConfig) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case uint64:
		return int(v)
	}
	return def
}

// ChunkInfo describes the uncompressed chunk handed to a codec.
type ChunkInfo struct {
	DType DType
	Shape []int
}

// Codec compresses whole chunks.
type Codec interface {
	Config() CodecConfig
	Encode(raw []byte, info ChunkInfo) ([]byte, error)
	Decode(data []byte, info ChunkInfo) ([]byte, error)
}

// Factory builds a codec from its stored configuration.
type Factory func(cfg CodecConfig) (Codec, error)

// Registry resolves codec ids to implementations. It is built once by the
// entry point and passed to every store that needs it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with zstd and lz4.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("zstd", newZstd)
	r.Register("lz4", newLZ4)
	return r
}

// Register adds or replaces a codec factory.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Resolve builds the codec for cfg. A nil config means uncompressed.
func (r *Registry) Resolve(cfg CodecConfig) (Codec, error) {
	if cfg == nil {
		return nil, nil
	}
	r.mu.RLock()
	f, ok := r.factories[cfg.ID()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, cfg.ID())
	}
	return f(cfg)
}

type zstdCodec struct {
	level int
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func newZstd(cfg CodecConfig) (Codec, error) {
	level := cfg.Int("level", 3)
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCodec{level: level, enc: enc, dec: dec}, nil
}

// ZstdConfig is the compressor config for zstd at the given level.
func ZstdConfig(level int) CodecConfig {
	return CodecConfig{"id": "zstd", "level": level}
}

func (z *zstdCodec) Config() CodecConfig { return ZstdConfig(z.level) }

func (z *zstdCodec) Encode(raw []byte, _ ChunkInfo) ([]byte, error) {
	return z.enc.EncodeAll(raw, nil), nil
}

func (z *zstdCodec) Decode(data []byte, _ ChunkInfo) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// lz4Codec uses the numcodecs framing: a little-endian uint32 holding the
// uncompressed size followed by one LZ4 block.
type lz4Codec struct {
	acceleration int
}

func newLZ4(cfg CodecConfig) (Codec, error) {
	return &lz4Codec{acceleration: cfg.Int("acceleration", 1)}, nil
}

// LZ4Config is the compressor config for lz4.
func LZ4Config() CodecConfig {
	return CodecConfig{"id": "lz4", "acceleration": 1}
}

func (l *lz4Codec) Config() CodecConfig {
	return CodecConfig{"id": "lz4", "acceleration": l.acceleration}
}

func (l *lz4Codec) Encode(raw []byte, _ ChunkInfo) ([]byte, error) {
	var c lz4.Compressor
	dst := make([]byte, 4+lz4.CompressBlockBound(len(raw)))
	binary.LittleEndian.PutUint32(dst, uint32(len(raw)))
	n, err := c.CompressBlock(raw, dst[4:])
	if err != nil {
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	if n == 0 {
		return append(dst[:4], literalBlock(raw)...), nil
	}
	return dst[:4+n], nil
}

func (l *lz4Codec) Decode(data []byte, _ ChunkInfo) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 decode: short header")
	}
	size := binary.LittleEndian.Uint32(data)
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decode: %w", err)
	}
	return out[:n], nil
}

// literalBlock emits a valid LZ4 block holding src as a single literal run,
// used when the compressor reports the input as incompressible.
func literalBlock(src []byte) []byte {
	n := len(src)
	out := make([]byte, 0, n+n/255+2)
	if n < 15 {
		out = append(out, byte(n<<4))
	} else {
		out = append(out, 0xF0)
		rest := n - 15
		for rest >= 255 {
			out = append(out, 255)
			rest -= 255
		}
		out = append(out, byte(rest))
	}
	return append(out, src...)
}
