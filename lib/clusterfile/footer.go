// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clusterfile

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/compactfs/lib/compress"
	"github.com/bureau-foundation/compactfs/lib/lowerstore"
)

// Lower file layout. Cluster payloads come first, each aligned to
// ClusterAlign; the serialized record array and the fixed footer
// trail the data:
//
//	[cluster 0][pad][cluster 1][pad]...[cluster N-1][pad]
//	[record 0][record 1]...[record N-1]
//	[footer]
//
// Each record is 12 bytes:
//
//	offset  0  u64  byte offset of the cluster payload
//	offset  8  u32  stored payload size in bytes
//
// The footer is 24 bytes:
//
//	offset  0  u32  magic (0x43465331)
//	offset  4  u32  cluster size in bytes
//	offset  8  u32  compression algorithm
//	offset 12  u64  logical (uncompressed) file size
//	offset 20  u32  total metadata size: record array plus footer
//
// All integers are little-endian. A file in which no cluster ended
// up compressed carries no record array — its metadata size equals
// FooterSize and every cluster sits at its natural offset
// (index × cluster size), with the footer directly after the last
// logical byte.
const (
	// Magic identifies a cluster file footer.
	Magic uint32 = 0x43465331

	// FooterSize is the fixed footer length in bytes.
	FooterSize = 24

	// RecordSize is the serialized length of one cluster record.
	RecordSize = 12

	// ClusterAlign is the byte alignment of cluster payloads in
	// the lower file.
	ClusterAlign = 8

	// MinClusterSize and MaxClusterSize bound the configurable
	// cluster size. Both bounds are powers of two, as every valid
	// cluster size must be.
	MinClusterSize = 4 << 10
	MaxClusterSize = 1 << 20

	// DefaultClusterSize is the cluster size used when none is
	// configured.
	DefaultClusterSize = 16 << 10
)

// alignUp rounds n up to the next multiple of ClusterAlign.
func alignUp(n uint64) uint64 {
	return (n + ClusterAlign - 1) &^ (ClusterAlign - 1)
}

// validClusterSize reports whether size is a power of two within the
// supported bounds.
func validClusterSize(size uint32) bool {
	return size >= MinClusterSize && size <= MaxClusterSize && size&(size-1) == 0
}

// Footer is the decoded trailing footer of a lower file.
type Footer struct {
	// ClusterSize is the cluster size the file was written with.
	ClusterSize uint32

	// Compression is the algorithm used for compressed clusters.
	Compression compress.Algorithm

	// LogicalSize is the uncompressed file size in bytes.
	LogicalSize uint64

	// MetaSize is the total size of the trailing metadata: the
	// serialized record array plus the footer itself. A value of
	// exactly FooterSize means the file has no record array and
	// every cluster is stored raw at its natural offset.
	MetaSize uint32
}

// Records returns the number of cluster records preceding the
// footer.
func (f Footer) Records() uint32 {
	return (f.MetaSize - FooterSize) / RecordSize
}

// Encode serializes the footer.
func (f Footer) Encode() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], f.ClusterSize)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.Compression))
	binary.LittleEndian.PutUint64(buf[12:20], f.LogicalSize)
	binary.LittleEndian.PutUint32(buf[20:24], f.MetaSize)
	return buf
}

// DecodeFooter parses and validates a serialized footer.
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterSize {
		return Footer{}, fmt.Errorf("%w: footer is %d bytes, want %d", ErrCorruptData, len(buf), FooterSize)
	}

	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return Footer{}, fmt.Errorf("%w: bad footer magic %#x", ErrCorruptData, magic)
	}

	footer := Footer{
		ClusterSize: binary.LittleEndian.Uint32(buf[4:8]),
		Compression: compress.Algorithm(binary.LittleEndian.Uint32(buf[8:12])),
		LogicalSize: binary.LittleEndian.Uint64(buf[12:20]),
		MetaSize:    binary.LittleEndian.Uint32(buf[20:24]),
	}

	if !validClusterSize(footer.ClusterSize) {
		return Footer{}, fmt.Errorf("%w: invalid cluster size %d", ErrCorruptData, footer.ClusterSize)
	}
	if !footer.Compression.Valid() {
		return Footer{}, fmt.Errorf("%w: unknown compression algorithm %d", ErrCorruptData, uint32(footer.Compression))
	}
	if footer.MetaSize < FooterSize {
		return Footer{}, fmt.Errorf("%w: metadata size %d smaller than footer", ErrCorruptData, footer.MetaSize)
	}
	if (footer.MetaSize-FooterSize)%RecordSize != 0 {
		return Footer{}, fmt.Errorf("%w: metadata size %d is not a whole number of records", ErrCorruptData, footer.MetaSize)
	}

	return footer, nil
}

// ClusterRecord locates one cluster's payload in the lower file.
type ClusterRecord struct {
	// Offset is the byte offset of the payload.
	Offset uint64

	// Size is the stored payload size. A payload the full cluster
	// size — or, for the final cluster, the logical remainder — is
	// stored raw; anything else is compressed.
	Size uint32
}

func putRecord(buf []byte, rec ClusterRecord) {
	binary.LittleEndian.PutUint64(buf[0:8], rec.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], rec.Size)
}

func getRecord(buf []byte) ClusterRecord {
	return ClusterRecord{
		Offset: binary.LittleEndian.Uint64(buf[0:8]),
		Size:   binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// ReadFooter reads and validates the footer of a lower file. It
// fails with ErrCorruptData if the file is too small to carry one.
func ReadFooter(handle lowerstore.Handle) (Footer, error) {
	size, err := handle.Size()
	if err != nil {
		return Footer{}, fmt.Errorf("sizing lower file: %w: %w", ErrIO, err)
	}
	return readFooterAt(handle, size)
}

func readFooterAt(handle lowerstore.Handle, lowerSize int64) (Footer, error) {
	if lowerSize < FooterSize {
		return Footer{}, fmt.Errorf("%w: lower file of %d bytes cannot hold a footer", ErrCorruptData, lowerSize)
	}

	buf := make([]byte, FooterSize)
	if _, err := lowerstore.ReadFull(handle, buf, lowerSize-FooterSize); err != nil {
		return Footer{}, fmt.Errorf("reading footer: %w: %w", ErrIO, err)
	}

	footer, err := DecodeFooter(buf)
	if err != nil {
		return Footer{}, err
	}
	if int64(footer.MetaSize) > lowerSize {
		return Footer{}, fmt.Errorf("%w: metadata size %d exceeds lower file size %d", ErrCorruptData, footer.MetaSize, lowerSize)
	}
	return footer, nil
}

// ReadIndex reads the record array described by a footer. The record
// count must match the cluster count implied by the logical size.
func ReadIndex(handle lowerstore.Handle, footer Footer) ([]ClusterRecord, error) {
	if footer.MetaSize == FooterSize {
		return nil, nil
	}

	size, err := handle.Size()
	if err != nil {
		return nil, fmt.Errorf("sizing lower file: %w: %w", ErrIO, err)
	}

	raw, err := readIndexBytes(handle, footer, size)
	if err != nil {
		return nil, err
	}

	records := make([]ClusterRecord, footer.Records())
	for i := range records {
		records[i] = getRecord(raw[i*RecordSize:])
	}
	return records, nil
}

func readIndexBytes(handle lowerstore.Handle, footer Footer, lowerSize int64) ([]byte, error) {
	count := footer.Records()
	if want := clusterCount(int64(footer.LogicalSize), footer.ClusterSize); count != want {
		return nil, fmt.Errorf("%w: %d records for %d clusters", ErrCorruptData, count, want)
	}

	raw := make([]byte, count*RecordSize)
	if _, err := lowerstore.ReadFull(handle, raw, lowerSize-int64(footer.MetaSize)); err != nil {
		return nil, fmt.Errorf("reading record array: %w: %w", ErrIO, err)
	}
	return raw, nil
}

// clusterCount returns the number of clusters a logical size spans.
func clusterCount(size int64, clusterSize uint32) uint32 {
	if size <= 0 {
		return 0
	}
	return uint32((size-1)/int64(clusterSize)) + 1
}
