// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

// sampleManifest is a representative on-disk state record using cbor
// struct tags (the convention for purely-internal types).
type sampleManifest struct {
	Version     int    `cbor:"version"`
	Algorithm   string `cbor:"algorithm,omitempty"`
	ClusterSize uint32 `cbor:"cluster_size"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleManifest{
		Version:     1,
		Algorithm:   "lz4",
		ClusterSize: 16384,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleManifest
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	manifest := sampleManifest{
		Version:     1,
		Algorithm:   "zstd",
		ClusterSize: 65536,
	}

	first, err := Marshal(manifest)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}

	second, err := Marshal(manifest)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestEncoderDecoderStreamRoundtrip(t *testing.T) {
	manifests := []sampleManifest{
		{Version: 1, Algorithm: "lz4", ClusterSize: 4096},
		{Version: 2, Algorithm: "deflate", ClusterSize: 8192},
		{Version: 3, ClusterSize: 16384},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, manifest := range manifests {
		if err := encoder.Encode(manifest); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range manifests {
		var got sampleManifest
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode manifest %d: %v", i, err)
		}
		if got != want {
			t.Errorf("manifest %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestOmitemptyRespected(t *testing.T) {
	// A zero-value omitempty field should not appear in output.
	withAlgorithm := sampleManifest{Version: 1, Algorithm: "lz4", ClusterSize: 4096}
	withoutAlgorithm := sampleManifest{Version: 1, ClusterSize: 4096}

	dataWith, err := Marshal(withAlgorithm)
	if err != nil {
		t.Fatal(err)
	}
	dataWithout, err := Marshal(withoutAlgorithm)
	if err != nil {
		t.Fatal(err)
	}

	// The encoding without the algorithm field should be shorter
	// because the omitted field is not present.
	if len(dataWithout) >= len(dataWith) {
		t.Errorf("omitempty not effective: without=%d bytes, with=%d bytes",
			len(dataWithout), len(dataWith))
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var manifest sampleManifest
	err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &manifest)
	if err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// A newer writer may add fields; an older reader must decode the
	// fields it knows and skip the rest.
	extended := map[string]any{
		"version":      int64(1),
		"algorithm":    "lz4",
		"cluster_size": int64(4096),
		"added_later":  "ignored",
	}
	data, err := Marshal(extended)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleManifest
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := sampleManifest{Version: 1, Algorithm: "lz4", ClusterSize: 4096}
	if decoded != want {
		t.Errorf("got %+v, want %+v", decoded, want)
	}
}

func TestByteStringRoundtrip(t *testing.T) {
	// Verify that []byte fields encode as CBOR byte strings (major
	// type 2), not text strings. This matters for carrying binary
	// digests and raw payloads.
	type envelope struct {
		Digest []byte `cbor:"digest"`
	}

	original := envelope{Digest: []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded envelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !bytes.Equal(decoded.Digest, original.Digest) {
		t.Errorf("byte string roundtrip: got %x, want %x", decoded.Digest, original.Digest)
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"algorithm": "lz4"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if !strings.Contains(notation, `"algorithm"`) {
		t.Errorf("notation %q does not contain \"algorithm\"", notation)
	}
	if !strings.Contains(notation, `"lz4"`) {
		t.Errorf("notation %q does not contain \"lz4\"", notation)
	}
}

func TestDiagnoseFirst(t *testing.T) {
	item1, err := Marshal("hello")
	if err != nil {
		t.Fatalf("Marshal item 1: %v", err)
	}
	item2, err := Marshal(int64(42))
	if err != nil {
		t.Fatalf("Marshal item 2: %v", err)
	}

	var sequence []byte
	sequence = append(sequence, item1...)
	sequence = append(sequence, item2...)

	notation, remaining, err := DiagnoseFirst(sequence)
	if err != nil {
		t.Fatalf("DiagnoseFirst: %v", err)
	}

	if !strings.Contains(notation, `"hello"`) {
		t.Errorf("first item notation %q does not contain \"hello\"", notation)
	}
	if len(remaining) == 0 {
		t.Fatal("expected remaining bytes after first item")
	}

	notation2, remaining2, err := DiagnoseFirst(remaining)
	if err != nil {
		t.Fatalf("DiagnoseFirst second: %v", err)
	}
	if !strings.Contains(notation2, "42") {
		t.Errorf("second item notation %q does not contain \"42\"", notation2)
	}
	if len(remaining2) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining2))
	}
}

func BenchmarkMarshal(b *testing.B) {
	manifest := sampleManifest{
		Version:     1,
		Algorithm:   "lz4",
		ClusterSize: 16384,
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Marshal(manifest)
	}
}

func BenchmarkUnmarshal(b *testing.B) {
	manifest := sampleManifest{
		Version:     1,
		Algorithm:   "lz4",
		ClusterSize: 16384,
	}
	data, err := Marshal(manifest)
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var decoded sampleManifest
		Unmarshal(data, &decoded)
	}
}
