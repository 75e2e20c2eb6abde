// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
)

var allAlgorithms = []Algorithm{LZ4, Zstd, Deflate, Zlib}

func TestAlgorithmString(t *testing.T) {
	tests := []struct {
		algo Algorithm
		want string
	}{
		{LZ4, "lz4"},
		{Zstd, "zstd"},
		{Deflate, "deflate"},
		{Zlib, "zlib"},
		{Algorithm(99), "unknown(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.algo.String()
			if got != tt.want {
				t.Errorf("Algorithm(%d).String() = %q, want %q", tt.algo, got, tt.want)
			}
		})
	}
}

func TestParseAlgorithm(t *testing.T) {
	for _, name := range []string{"lz4", "zstd", "deflate", "zlib"} {
		t.Run(name, func(t *testing.T) {
			algo, err := ParseAlgorithm(name)
			if err != nil {
				t.Fatalf("ParseAlgorithm(%q) failed: %v", name, err)
			}
			if algo.String() != name {
				t.Errorf("roundtrip: ParseAlgorithm(%q).String() = %q", name, algo.String())
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := ParseAlgorithm("lzo")
		if err == nil {
			t.Error("ParseAlgorithm(\"lzo\") should fail")
		}
	})
}

func TestAlgorithmValid(t *testing.T) {
	for _, algo := range allAlgorithms {
		if !algo.Valid() {
			t.Errorf("%s should be valid", algo)
		}
	}
	if Algorithm(4).Valid() {
		t.Error("Algorithm(4) should not be valid")
	}
}

// compressibleData builds a repeated-pattern buffer that every
// algorithm can shrink.
func compressibleData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 23)
	}
	return data
}

func TestCompressRoundtrip(t *testing.T) {
	sizes := []int{512, 4096, 16384, 64 * 1024}

	for _, algo := range allAlgorithms {
		for _, size := range sizes {
			t.Run(fmt.Sprintf("%s/%d", algo, size), func(t *testing.T) {
				data := compressibleData(size)
				compressed := make([]byte, Bound(size))

				written, err := Compress(algo, compressed, data)
				if err != nil {
					t.Fatalf("Compress(%s, %d bytes) failed: %v", algo, size, err)
				}
				if written >= size {
					t.Errorf("%s did not compress: %d bytes → %d bytes", algo, size, written)
				}

				decompressed := make([]byte, size)
				read, err := Decompress(algo, decompressed, compressed[:written])
				if err != nil {
					t.Fatalf("Decompress(%s) failed: %v", algo, err)
				}
				if read != size {
					t.Fatalf("Decompress(%s) recovered %d bytes, want %d", algo, read, size)
				}
				if !bytes.Equal(decompressed, data) {
					t.Fatalf("%s roundtrip mismatch", algo)
				}
			})
		}
	}
}

func TestCompressIncompressible(t *testing.T) {
	data := make([]byte, 16384)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	for _, algo := range allAlgorithms {
		t.Run(algo.String(), func(t *testing.T) {
			dst := make([]byte, Bound(len(data)))
			_, err := Compress(algo, dst, data)
			if !errors.Is(err, ErrIncompressible) {
				t.Errorf("Compress(%s, random) = %v, want ErrIncompressible", algo, err)
			}
		})
	}
}

func TestDecompressCorrupt(t *testing.T) {
	// Crafted inputs that no decoder can parse: random bytes can
	// accidentally form a valid stream, these cannot.
	corrupt := map[Algorithm][]byte{
		LZ4:     {0xF0},                   // literal run length past end of input
		Zstd:    {0x00, 0x11, 0x22, 0x33}, // bad frame magic
		Deflate: {0x06},                   // reserved block type
		Zlib:    {0x00, 0x00},             // invalid CMF/FLG header
	}

	for _, algo := range allAlgorithms {
		t.Run(algo.String(), func(t *testing.T) {
			dst := make([]byte, 16384)
			_, err := Decompress(algo, dst, corrupt[algo])
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("Decompress(%s, corrupt) = %v, want ErrCorrupt", algo, err)
			}
		})
	}
}

func TestDecompressTruncated(t *testing.T) {
	data := compressibleData(16384)

	for _, algo := range allAlgorithms {
		t.Run(algo.String(), func(t *testing.T) {
			compressed := make([]byte, Bound(len(data)))
			written, err := Compress(algo, compressed, data)
			if err != nil {
				t.Fatalf("Compress(%s) failed: %v", algo, err)
			}

			dst := make([]byte, len(data))
			read, err := Decompress(algo, dst, compressed[:written/2])
			// A truncated stream either errors or recovers fewer
			// bytes than the original — it must never claim a full
			// recovery.
			if err == nil && read == len(data) {
				t.Errorf("Decompress(%s, truncated) claimed full recovery", algo)
			}
		})
	}
}

func TestDecompressOutputOverflow(t *testing.T) {
	data := compressibleData(16384)

	for _, algo := range allAlgorithms {
		t.Run(algo.String(), func(t *testing.T) {
			compressed := make([]byte, Bound(len(data)))
			written, err := Compress(algo, compressed, data)
			if err != nil {
				t.Fatalf("Compress(%s) failed: %v", algo, err)
			}

			// A destination smaller than the real output must be
			// rejected, not silently truncated.
			dst := make([]byte, len(data)/2)
			_, err = Decompress(algo, dst, compressed[:written])
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("Decompress(%s, short dst) = %v, want ErrCorrupt", algo, err)
			}
		})
	}
}

func TestCompressBound(t *testing.T) {
	// Bound must hold even for inputs a codec expands: compress
	// random data into a Bound-sized buffer and confirm no codec
	// overruns it (ErrIncompressible is the expected outcome, a
	// buffer overflow panic is the failure mode this guards).
	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	if Bound(len(data)) <= len(data) {
		t.Fatalf("Bound(%d) = %d, must exceed input size", len(data), Bound(len(data)))
	}

	for _, algo := range allAlgorithms {
		dst := make([]byte, Bound(len(data)))
		if _, err := Compress(algo, dst, data); err != nil && !errors.Is(err, ErrIncompressible) {
			t.Errorf("Compress(%s) into Bound-sized buffer failed: %v", algo, err)
		}
	}
}

func TestCompressConcurrent(t *testing.T) {
	// The shared codec handles (and the LZ4 work table) must
	// serialize correctly under concurrent use.
	data := compressibleData(16384)

	var wg sync.WaitGroup
	for _, algo := range allAlgorithms {
		for worker := 0; worker < 4; worker++ {
			wg.Add(1)
			go func(algo Algorithm) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					compressed := make([]byte, Bound(len(data)))
					written, err := Compress(algo, compressed, data)
					if err != nil {
						t.Errorf("concurrent Compress(%s) failed: %v", algo, err)
						return
					}
					decompressed := make([]byte, len(data))
					read, err := Decompress(algo, decompressed, compressed[:written])
					if err != nil || read != len(data) || !bytes.Equal(decompressed, data) {
						t.Errorf("concurrent roundtrip(%s) corrupted data", algo)
						return
					}
				}
			}(algo)
		}
	}
	wg.Wait()
}

func BenchmarkCompressLZ4(b *testing.B) {
	data := compressibleData(16384)
	dst := make([]byte, Bound(len(data)))
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		if _, err := Compress(LZ4, dst, data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecompressLZ4(b *testing.B) {
	data := compressibleData(16384)
	compressed := make([]byte, Bound(len(data)))
	written, err := Compress(LZ4, compressed, data)
	if err != nil {
		b.Fatal(err)
	}
	dst := make([]byte, len(data))
	b.SetBytes(int64(len(data)))
	for i := 0; i < b.N; i++ {
		if _, err := Decompress(LZ4, dst, compressed[:written]); err != nil {
			b.Fatal(err)
		}
	}
}
