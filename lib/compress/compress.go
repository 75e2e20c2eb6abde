// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress provides the block codecs used for cluster
// compression. All codecs operate on whole clusters: Compress and
// Decompress work on caller-supplied buffers so the hot path never
// allocates per call.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies the compression algorithm applied to a
// cluster. The numeric values are stored in the lower-file footer —
// changing them breaks on-disk compatibility.
type Algorithm uint32

const (
	// LZ4 is block-mode LZ4, the default. Fast enough that
	// compression stays off the critical path for most workloads
	// (~4 GB/s decode).
	LZ4 Algorithm = iota

	// Zstd is zstd at the default level. Better ratios for
	// text-like data at a higher CPU cost.
	Zstd

	// Deflate is raw DEFLATE (no wrapper), for interoperability
	// with tooling that expects flate streams.
	Deflate

	// Zlib is DEFLATE with the zlib wrapper and checksum.
	Zlib

	algorithmCount
)

// String returns the human-readable name of an algorithm.
func (a Algorithm) String() string {
	switch a {
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Deflate:
		return "deflate"
	case Zlib:
		return "zlib"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(a))
	}
}

// ParseAlgorithm parses an algorithm from its string representation.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "deflate":
		return Deflate, nil
	case "zlib":
		return Zlib, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// Valid reports whether the algorithm is one of the defined codecs.
// Used to reject garbage values read from lower-file footers.
func (a Algorithm) Valid() bool {
	return a < algorithmCount
}

var (
	// ErrIncompressible is returned by Compress when the output
	// would not be smaller than the input. The caller should store
	// the cluster raw.
	ErrIncompressible = errors.New("data is incompressible")

	// ErrCorrupt is returned by Decompress when the input is not a
	// valid stream for the algorithm, or the output does not fit
	// the destination buffer.
	ErrCorrupt = errors.New("corrupt compressed data")

	// ErrUnavailable is returned when a codec's shared state could
	// not be initialized. The failure is not cached — a later call
	// retries the initialization.
	ErrUnavailable = errors.New("compression codec unavailable")
)

// Bound returns the maximum number of bytes Compress may need for n
// input bytes, across all algorithms. The LZ4 block bound dominates
// the framing overhead of the other codecs; the added constant covers
// their headers and checksums.
func Bound(n int) int {
	return lz4.CompressBlockBound(n) + 32
}

// Compress compresses src into dst using the given algorithm and
// returns the number of bytes written. dst must be at least
// Bound(len(src)) bytes. Returns ErrIncompressible when the output
// would not be smaller than the input — dst contents are undefined in
// that case.
func Compress(algo Algorithm, dst, src []byte) (int, error) {
	if algo == LZ4 {
		return compressLZ4(dst, src)
	}
	codec, err := lookupCodec(algo)
	if err != nil {
		return 0, err
	}
	return codec.compress(dst, src)
}

// Decompress decompresses src into dst using the given algorithm and
// returns the number of bytes recovered. dst must be large enough for
// the full uncompressed output; output overflowing dst is reported as
// ErrCorrupt. The caller is responsible for checking the recovered
// length against the expected cluster size.
func Decompress(algo Algorithm, dst, src []byte) (int, error) {
	if algo == LZ4 {
		return decompressLZ4(dst, src)
	}
	codec, err := lookupCodec(algo)
	if err != nil {
		return 0, err
	}
	return codec.decompress(dst, src)
}

// LZ4 is the fast path: block compression with a shared hash table
// instead of a heap-allocated codec handle. The table is guarded by a
// mutex and zeroed before each compression — CompressBlock requires a
// clean table, and stale entries from a previous input would produce
// invalid match offsets.

var lz4Work struct {
	mu    sync.Mutex
	table [1 << 16]int
}

func compressLZ4(dst, src []byte) (int, error) {
	lz4Work.mu.Lock()
	defer lz4Work.mu.Unlock()

	clear(lz4Work.table[:])
	written, err := lz4.CompressBlock(src, dst, lz4Work.table[:])
	if err != nil {
		return 0, fmt.Errorf("lz4 compress: %w", err)
	}

	// CompressBlock returns 0 when it determines the data is
	// incompressible. Also reject output that is not actually
	// smaller than the input.
	if written == 0 || written >= len(src) {
		return 0, ErrIncompressible
	}
	return written, nil
}

func decompressLZ4(dst, src []byte) (int, error) {
	read, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return 0, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	return read, nil
}

// codec is the reusable per-algorithm state for the non-LZ4
// algorithms.
type codec interface {
	compress(dst, src []byte) (int, error)
	decompress(dst, src []byte) (int, error)
}

// codecHandles caches one codec per algorithm, created lazily on
// first use and shared process-wide. A failed initialization leaves
// the slot empty so a later call can retry.
var (
	codecHandles [algorithmCount]atomic.Pointer[codecSlot]
	codecInitMu  sync.Mutex
)

// codecSlot wraps the interface value so it fits an atomic.Pointer.
type codecSlot struct {
	codec codec
}

func lookupCodec(algo Algorithm) (codec, error) {
	if !algo.Valid() {
		return nil, fmt.Errorf("unsupported compression algorithm: %d", uint32(algo))
	}
	if slot := codecHandles[algo].Load(); slot != nil {
		return slot.codec, nil
	}

	codecInitMu.Lock()
	defer codecInitMu.Unlock()
	if slot := codecHandles[algo].Load(); slot != nil {
		return slot.codec, nil
	}

	built, err := newCodec(algo)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, algo, err)
	}
	codecHandles[algo].Store(&codecSlot{codec: built})
	return built, nil
}

func newCodec(algo Algorithm) (codec, error) {
	switch algo {
	case Zstd:
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return &zstdCodec{encoder: encoder, decoder: decoder}, nil

	case Deflate:
		writer, err := flate.NewWriter(io.Discard, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("flate writer: %w", err)
		}
		return &deflateCodec{writer: writer}, nil

	case Zlib:
		writer, err := zlib.NewWriterLevel(io.Discard, zlib.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("zlib writer: %w", err)
		}
		return &zlibCodec{writer: writer}, nil

	default:
		return nil, fmt.Errorf("no codec for algorithm %d", uint32(algo))
	}
}

// Zstd: the encoder and decoder are safe for concurrent use, so the
// handle needs no lock.
type zstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func (c *zstdCodec) compress(dst, src []byte) (int, error) {
	compressed := c.encoder.EncodeAll(src, dst[:0:len(dst)])
	if len(compressed) >= len(src) || len(compressed) > len(dst) {
		return 0, ErrIncompressible
	}
	// EncodeAll appends: if the output fit the destination's
	// capacity it is already in dst, otherwise move it there.
	if &compressed[0] != &dst[0] {
		copy(dst, compressed)
	}
	return len(compressed), nil
}

func (c *zstdCodec) decompress(dst, src []byte) (int, error) {
	result, err := c.decoder.DecodeAll(src, dst[:0:len(dst)])
	if err != nil {
		return 0, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	if len(result) > len(dst) {
		return 0, fmt.Errorf("%w: zstd output %d bytes exceeds destination %d", ErrCorrupt, len(result), len(dst))
	}
	if len(result) > 0 && &result[0] != &dst[0] {
		copy(dst, result)
	}
	return len(result), nil
}

// Deflate and zlib: the klauspost writers and readers are not safe
// for concurrent use, so each handle serializes on a mutex. The
// reader is created on first decompress (zlib.NewReader consumes the
// stream header eagerly, so it cannot be built without input) and
// reset with each subsequent call.

type deflateCodec struct {
	mu     sync.Mutex
	writer *flate.Writer
	reader io.ReadCloser
}

func (c *deflateCodec) compress(dst, src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeStream(c.writer, dst, src)
}

func (c *deflateCodec) decompress(dst, src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reader == nil {
		c.reader = flate.NewReader(bytes.NewReader(src))
	} else if err := c.reader.(flate.Resetter).Reset(bytes.NewReader(src), nil); err != nil {
		return 0, fmt.Errorf("%w: flate reset: %v", ErrCorrupt, err)
	}
	return readStream(c.reader, dst, "flate")
}

type zlibCodec struct {
	mu     sync.Mutex
	writer *zlib.Writer
	reader io.ReadCloser
}

func (c *zlibCodec) compress(dst, src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeStream(c.writer, dst, src)
}

func (c *zlibCodec) decompress(dst, src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reader == nil {
		reader, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return 0, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
		}
		c.reader = reader
	} else if err := c.reader.(zlib.Resetter).Reset(bytes.NewReader(src), nil); err != nil {
		return 0, fmt.Errorf("%w: zlib reset: %v", ErrCorrupt, err)
	}
	return readStream(c.reader, dst, "zlib")
}

// streamWriter is the common shape of the flate and zlib writers.
type streamWriter interface {
	Reset(io.Writer)
	Write([]byte) (int, error)
	Close() error
}

// writeStream compresses src through a stream writer into dst.
// Output overflowing dst means the compressed form cannot beat the
// input within Bound, which only happens for incompressible data.
func writeStream(w streamWriter, dst, src []byte) (int, error) {
	sink := sliceWriter{buf: dst}
	w.Reset(&sink)

	if _, err := w.Write(src); err != nil {
		if errors.Is(err, errWriterFull) {
			return 0, ErrIncompressible
		}
		return 0, fmt.Errorf("stream compress: %w", err)
	}
	if err := w.Close(); err != nil {
		if errors.Is(err, errWriterFull) {
			return 0, ErrIncompressible
		}
		return 0, fmt.Errorf("stream compress: %w", err)
	}

	if sink.n >= len(src) {
		return 0, ErrIncompressible
	}
	return sink.n, nil
}

// readStream reads the full decompressed output into dst. Output
// beyond len(dst) is corruption: the stored cluster claims a larger
// original size than the format allows.
func readStream(r io.Reader, dst []byte, name string) (int, error) {
	total := 0
	for total < len(dst) {
		n, err := r.Read(dst[total:])
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
	}

	// Destination is full: the stream must end exactly here.
	var probe [1]byte
	n, err := r.Read(probe[:])
	if n > 0 {
		return 0, fmt.Errorf("%w: %s output exceeds destination %d", ErrCorrupt, name, len(dst))
	}
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return total, nil
}

// sliceWriter writes into a fixed-size buffer and fails once full.
type sliceWriter struct {
	buf []byte
	n   int
}

var errWriterFull = errors.New("destination buffer full")

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.n:], p)
	w.n += n
	if n < len(p) {
		return n, errWriterFull
	}
	return n, nil
}
