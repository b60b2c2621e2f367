// Package compression compresses queue payload files and outgoing request
// bodies.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Type represents a compression algorithm.
type Type string

const (
	TypeNone   Type = "none"
	TypeGzip   Type = "gzip"
	TypeZstd   Type = "zstd"
	TypeS2     Type = "s2"
	TypeSnappy Type = "snappy"
)

// Level represents an algorithm-specific compression level.
// Zero selects the algorithm default.
type Level int

const LevelDefault Level = 0

// Config holds compression configuration.
type Config struct {
	Type  Type  `yaml:"type"`
	Level Level `yaml:"level"`
}

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "s2":
		return TypeS2, nil
	case "snappy":
		return TypeSnappy, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value.
func (t Type) ContentEncoding() string {
	switch t {
	case TypeGzip, TypeZstd, TypeS2, TypeSnappy:
		return string(t)
	default:
		return ""
	}
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func getBuffer() *bytes.Buffer {
	bufferPoolGets.Add(1)
	bufferActive.Add(1)
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	bufferPoolPuts.Add(1)
	bufferActive.Add(-1)
	bufferPool.Put(buf)
}

// zstd encoders are expensive to build; keep one pool per level.
var zstdEncoders sync.Map // zstd.EncoderLevel -> *sync.Pool

func zstdEncoderPool(level Level) *sync.Pool {
	el := zstd.SpeedDefault
	if level != LevelDefault {
		el = zstd.EncoderLevelFromZstd(int(level))
	}
	if p, ok := zstdEncoders.Load(el); ok {
		return p.(*sync.Pool)
	}
	p, _ := zstdEncoders.LoadOrStore(el, &sync.Pool{
		New: func() any {
			encoderPoolNews.Add(1)
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(el), zstd.WithEncoderConcurrency(1))
			if err != nil {
				return nil
			}
			return enc
		},
	})
	return p.(*sync.Pool)
}

var zstdDecoders = sync.Pool{
	New: func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil
		}
		return dec
	},
}

// Compress compresses data. TypeNone returns data unchanged.
func Compress(data []byte, cfg Config) ([]byte, error) {
	switch cfg.Type {
	case TypeNone, "":
		return data, nil
	case TypeGzip:
		return compressGzip(data, cfg.Level)
	case TypeZstd:
		return compressZstd(data, cfg.Level)
	case TypeS2:
		if cfg.Level >= 2 {
			return s2.EncodeBetter(nil, data), nil
		}
		return s2.Encode(nil, data), nil
	case TypeSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
}

// Decompress reverses Compress.
func Decompress(data []byte, t Type) ([]byte, error) {
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeGzip:
		return decompressGzip(data)
	case TypeZstd:
		return decompressZstd(data)
	case TypeS2:
		out, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("s2 decode: %w", err)
		}
		return out, nil
	case TypeSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

func compressGzip(data []byte, level Level) ([]byte, error) {
	gzLevel := gzip.DefaultCompression
	if level != LevelDefault {
		gzLevel = int(level)
	}
	buf := getBuffer()
	defer putBuffer(buf)

	gw, err := gzip.NewWriterLevel(buf, gzLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := gw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gr.Close()
	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

func compressZstd(data []byte, level Level) ([]byte, error) {
	pool := zstdEncoderPool(level)
	encoderPoolGets.Add(1)
	enc, _ := pool.Get().(*zstd.Encoder)
	if enc == nil {
		encoderPoolDiscards.Add(1)
		return nil, fmt.Errorf("failed to create zstd encoder")
	}
	out := enc.EncodeAll(data, nil)
	encoderPoolPuts.Add(1)
	pool.Put(enc)
	return out, nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, _ := zstdDecoders.Get().(*zstd.Decoder)
	if dec == nil {
		return nil, fmt.Errorf("failed to create zstd decoder")
	}
	defer zstdDecoders.Put(dec)
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
