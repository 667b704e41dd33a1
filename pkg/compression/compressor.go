// Package compression compresses insert request bodies for the ClickHouse
// HTTP interface.
//
// Every Algorithm maps to the Content-Encoding value ClickHouse decodes when
// enable_http_compression=1 is set on the request:
//
//	gzip     gzip stream
//	deflate  zlib stream (HTTP "deflate")
//	zstd     zstd frame
//	snappy   snappy block
//	lz4      lz4 frame
//
// # Basic Usage
//
//	comp, err := compression.NewCompressor(&compression.Config{
//	    Algorithm: compression.Zstd,
//	    Level:     compression.Default,
//	})
//	body, err := comp.Compress(rowBinary)
//	req.Header.Set("Content-Encoding", comp.ContentEncoding())
//
// Compressors are safe for concurrent use. Encoder state is pooled per
// compressor.
package compression

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/pool"
)

// Algorithm is a body compression algorithm.
type Algorithm string

const (
	// None sends bodies as is
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Deflate represents zlib-wrapped deflate, as HTTP defines it
	Deflate Algorithm = "deflate"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// Snappy represents snappy block compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
)

// Level trades compression speed for ratio.
type Level int

const (
	// Default balances speed and compression. It is the zero value.
	Default Level = 0
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Better improves compression at cost of speed.
	Better Level = 7
	// Best maximizes compression ratio.
	Best Level = 9
)

// ParseAlgorithm accepts an algorithm name case-insensitively. The empty
// string means None.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return None, nil
	case None, Gzip, Deflate, Zstd, Snappy, LZ4:
		return a, nil
	}
	return "", errors.Newf(errors.ErrorTypeConfig, "unsupported compression algorithm: %s", s)
}

// Compressor compresses request bodies.
type Compressor interface {
	// Compress returns a compressed copy of data.
	Compress(data []byte) ([]byte, error)
	// Decompress reverses Compress.
	Decompress(data []byte) ([]byte, error)
	// Algorithm returns the compression algorithm used.
	Algorithm() Algorithm
	// Level returns the configured level.
	Level() Level
	// ContentEncoding returns the Content-Encoding header value, empty for
	// None.
	ContentEncoding() string
}

// Config represents compressor configuration.
type Config struct {
	Algorithm Algorithm
	Level     Level
}

// NewCompressor creates a compressor. A nil config means no compression.
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil {
		config = &Config{Algorithm: None}
	}
	base := baseCompressor{algorithm: config.Algorithm, level: config.Level}

	switch config.Algorithm {
	case None, "":
		base.algorithm = None
		return &noneCompressor{base}, nil
	case Gzip:
		return newGzipCompressor(base), nil
	case Deflate:
		return newDeflateCompressor(base), nil
	case Zstd:
		return newZstdCompressor(base)
	case Snappy:
		return &snappyCompressor{base}, nil
	case LZ4:
		return &lz4Compressor{baseCompressor: base, compressionLevel: mapLZ4Level(config.Level)}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported compression algorithm: %s", config.Algorithm)
	}
}

const maxPooledBuffer = 4 << 20

var bufferPool = pool.New(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 64*1024)) },
	func(b *bytes.Buffer) { b.Reset() },
)

// withBuffer runs fn against a pooled buffer and returns a copy of what it
// wrote.
func withBuffer(fn func(*bytes.Buffer) error) ([]byte, error) {
	buf := bufferPool.Get()
	defer func() {
		if buf.Cap() <= maxPooledBuffer {
			bufferPool.Put(buf)
		}
	}()
	if err := fn(buf); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func corrupt(a Algorithm, err error) error {
	return errors.Wrap(err, errors.ErrorTypeData, "invalid "+string(a)+" payload")
}

type baseCompressor struct {
	algorithm Algorithm
	level     Level
}

func (bc *baseCompressor) Algorithm() Algorithm { return bc.algorithm }

func (bc *baseCompressor) Level() Level { return bc.level }

func (bc *baseCompressor) ContentEncoding() string {
	if bc.algorithm == None {
		return ""
	}
	return string(bc.algorithm)
}

type noneCompressor struct {
	baseCompressor
}

func (nc *noneCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

func (nc *noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

type gzipCompressor struct {
	baseCompressor
	writerPool sync.Pool
}

func newGzipCompressor(base baseCompressor) *gzipCompressor {
	level := mapFlateLevel(base.level)
	gc := &gzipCompressor{baseCompressor: base}
	gc.writerPool.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, level)
		return w
	}
	return gc
}

func (gc *gzipCompressor) Compress(data []byte) ([]byte, error) {
	w := gc.writerPool.Get().(*gzip.Writer)
	defer gc.writerPool.Put(w)

	return withBuffer(func(buf *bytes.Buffer) error {
		w.Reset(buf)
		if _, err := w.Write(data); err != nil {
			return err
		}
		return w.Close()
	})
}

func (gc *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt(Gzip, err)
	}
	defer r.Close()
	return readAll(Gzip, r)
}

type deflateCompressor struct {
	baseCompressor
	writerPool sync.Pool
}

func newDeflateCompressor(base baseCompressor) *deflateCompressor {
	level := mapFlateLevel(base.level)
	dc := &deflateCompressor{baseCompressor: base}
	dc.writerPool.New = func() interface{} {
		w, _ := zlib.NewWriterLevel(nil, level)
		return w
	}
	return dc
}

func (dc *deflateCompressor) Compress(data []byte) ([]byte, error) {
	w := dc.writerPool.Get().(*zlib.Writer)
	defer dc.writerPool.Put(w)

	return withBuffer(func(buf *bytes.Buffer) error {
		w.Reset(buf)
		if _, err := w.Write(data); err != nil {
			return err
		}
		return w.Close()
	})
}

func (dc *deflateCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt(Deflate, err)
	}
	defer r.Close()
	return readAll(Deflate, r)
}

type zstdCompressor struct {
	baseCompressor
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor(base baseCompressor) (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(mapZstdLevel(base.level)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "zstd decoder")
	}
	return &zstdCompressor{baseCompressor: base, encoder: enc, decoder: dec}, nil
}

// EncodeAll and DecodeAll are safe for concurrent use on a shared coder.
func (zc *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zc.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (zc *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := zc.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, corrupt(Zstd, err)
	}
	return out, nil
}

type snappyCompressor struct {
	baseCompressor
}

func (sc *snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (sc *snappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, corrupt(Snappy, err)
	}
	return out, nil
}

type lz4Compressor struct {
	baseCompressor
	compressionLevel lz4.CompressionLevel
}

func (lc *lz4Compressor) Compress(data []byte) ([]byte, error) {
	return withBuffer(func(buf *bytes.Buffer) error {
		w := lz4.NewWriter(buf)
		if err := w.Apply(lz4.CompressionLevelOption(lc.compressionLevel)); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		return w.Close()
	})
}

func (lc *lz4Compressor) Decompress(data []byte) ([]byte, error) {
	return readAll(LZ4, lz4.NewReader(bytes.NewReader(data)))
}

func readAll(a Algorithm, r io.Reader) ([]byte, error) {
	out, err := withBuffer(func(buf *bytes.Buffer) error {
		_, err := buf.ReadFrom(r)
		return err
	})
	if err != nil {
		return nil, corrupt(a, err)
	}
	return out, nil
}

func mapFlateLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Better:
		return 7
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Better:
		return lz4.Level7
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
