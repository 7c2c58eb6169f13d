// Package compression provides the chunk codec for peakflow datasets.
// Chunks are compressed whole, so only in-memory operations are offered.
//
// Algorithm choice trades speed against ratio: Zstd gives the best ratio on
// float32 scientific data and is the store default (level 3, matching the
// original acquisition pipeline's archive settings); LZ4 and Snappy/S2 are
// faster for scratch datasets.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Snappy represents snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
)

// Level represents the compression level.
type Level int

const (
	// Fastest prioritizes speed over ratio
	Fastest Level = 1
	// Default balances speed and ratio
	Default Level = 3
	// Best maximizes ratio at CPU cost
	Best Level = 9
)

// Config configures a Compressor.
type Config struct {
	Algorithm Algorithm
	Level     Level
}

// Compressor compresses and decompresses chunk payloads.
// Implementations are safe for concurrent use.
type Compressor interface {
	// Compress compresses data and returns the compressed bytes.
	Compress(data []byte) ([]byte, error)
	// Decompress decompresses data and returns the original bytes.
	Decompress(data []byte) ([]byte, error)
	// Algorithm reports the codec identity for the chunk header.
	Algorithm() Algorithm
}

// NewCompressor creates a compressor for the configured algorithm.
func NewCompressor(cfg Config) (Compressor, error) {
	if cfg.Level == 0 {
		cfg.Level = Default
	}
	switch cfg.Algorithm {
	case "", None:
		return noneCompressor{}, nil
	case Snappy:
		return snappyCompressor{}, nil
	case S2:
		return s2Compressor{}, nil
	case LZ4:
		return &lz4Compressor{level: cfg.Level}, nil
	case Zstd:
		return newZstdCompressor(cfg.Level)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", cfg.Algorithm)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return None }

type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

func (snappyCompressor) Algorithm() Algorithm { return Snappy }

type s2Compressor struct{}

func (s2Compressor) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}

func (s2Compressor) Decompress(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}

func (s2Compressor) Algorithm() Algorithm { return S2 }

type lz4Compressor struct {
	level Level
}

func (c *lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if c.level >= Best {
		if err := w.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, err
		}
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *lz4Compressor) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}

func (c *lz4Compressor) Algorithm() Algorithm { return LZ4 }

type zstdCompressor struct {
	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor(level Level) (*zstdCompressor, error) {
	zl := zstd.SpeedDefault
	switch {
	case level <= Fastest:
		zl = zstd.SpeedFastest
	case level >= Best:
		zl = zstd.SpeedBestCompression
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zl))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{encoder: enc, decoder: dec}, nil
}

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decoder.DecodeAll(data, nil)
}

func (c *zstdCompressor) Algorithm() Algorithm { return Zstd }

// Pool provides concurrent access to a shared compressor configuration
// without contention on stateful codecs.
type Pool struct {
	cfg  Config
	pool sync.Pool
}

// NewPool creates a compressor pool for the given configuration.
func NewPool(cfg Config) *Pool {
	p := &Pool{cfg: cfg}
	p.pool.New = func() interface{} {
		c, err := NewCompressor(cfg)
		if err != nil {
			return nil
		}
		return c
	}
	return p
}

// Compress compresses data using a pooled compressor.
func (p *Pool) Compress(data []byte) ([]byte, error) {
	c, err := p.get()
	if err != nil {
		return nil, err
	}
	defer p.pool.Put(c)
	return c.Compress(data)
}

// Decompress decompresses data using a pooled compressor.
func (p *Pool) Decompress(data []byte) ([]byte, error) {
	c, err := p.get()
	if err != nil {
		return nil, err
	}
	defer p.pool.Put(c)
	return c.Decompress(data)
}

func (p *Pool) get() (Compressor, error) {
	c, _ := p.pool.Get().(Compressor)
	if c == nil {
		return NewCompressor(p.cfg)
	}
	return c, nil
}
