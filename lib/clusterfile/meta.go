// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clusterfile

import (
	"fmt"
	"sync/atomic"

	"github.com/bureau-foundation/compactfs/lib/compress"
	"github.com/bureau-foundation/compactfs/lib/lowerstore"
)

// metaSnapshot is an immutable view of the finalized record array.
// Readers load it atomically and decode records by arithmetic — no
// lock is ever taken on the read path for finalized clusters.
type metaSnapshot struct {
	records []byte // RecordSize bytes per cluster, index-ordered
}

var emptySnapshot = &metaSnapshot{}

func (s *metaSnapshot) count() uint32 {
	return uint32(len(s.records) / RecordSize)
}

func (s *metaSnapshot) record(idx uint32) ClusterRecord {
	return getRecord(s.records[idx*RecordSize:])
}

// pendingEntry is one closed cluster whose record has been written
// to the lower file as payload but not yet serialized into the
// record array. Entries are appended in strictly increasing index
// order, contiguous with the end of the finalized array.
type pendingEntry struct {
	index  uint32
	record ClusterRecord
}

// Stats aggregates counters across every open file of a volume. The
// space admission check reads them to estimate how much lower
// storage the buffered state will need.
type Stats struct {
	// PendingClusters counts clusters whose records have not yet
	// been flushed into a record array: the pending lists of all
	// files plus each file's in-flight staged cluster.
	PendingClusters atomic.Int64

	// BufferedBytes counts staged bytes not yet written to lower
	// files.
	BufferedBytes atomic.Int64

	// StagedFiles counts files currently holding staging buffers.
	StagedFiles atomic.Int64

	// CompressedClusters and RawClusters count clusters stored
	// since the volume opened, by outcome.
	CompressedClusters atomic.Int64
	RawClusters        atomic.Int64
}

// SpaceChecker admits the opening of a new staged cluster. The
// volume implements it against statfs of the lower store.
type SpaceChecker interface {
	// CheckSpace fails with an error wrapping ErrOutOfSpace when
	// the lower storage cannot absorb the currently buffered state
	// plus projectedGrowth more bytes.
	CheckSpace(projectedGrowth int64) error
}

// resolve locates the record for a finalized or pending cluster.
// The snapshot is consulted first (lock-free); the pending list is
// scanned under its lock. An index covered by neither is an
// inconsistency: the caller has already bounds-checked idx against
// the logical size.
func (f *File) resolve(idx uint32) (ClusterRecord, error) {
	if f.invalid.Load() {
		if err := f.reload(); err != nil {
			return ClusterRecord{}, err
		}
	}

	snapshot := f.snapshot.Load()
	if idx < snapshot.count() {
		return snapshot.record(idx), nil
	}

	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()

	if len(f.pending) == 0 {
		return ClusterRecord{}, fmt.Errorf("%w: no pending record for cluster %d", ErrIO, idx)
	}
	for _, entry := range f.pending {
		if entry.index == idx {
			return entry.record, nil
		}
		if entry.index > idx {
			// Entries ascend contiguously from the array end, so
			// walking past idx means the record is missing.
			return ClusterRecord{}, fmt.Errorf("%w: pending list skipped cluster %d", ErrCorruptData, idx)
		}
	}
	return ClusterRecord{}, fmt.Errorf("%w: cluster %d not in pending list", ErrIO, idx)
}

// reload rebuilds the in-memory view from the lower file after an
// invalidation. Concurrent reloaders serialize on reloadMu; whoever
// arrives second finds the work already done.
func (f *File) reload() error {
	f.reloadMu.Lock()
	defer f.reloadMu.Unlock()

	if !f.invalid.Load() {
		return nil
	}
	if err := f.loadFromLower(); err != nil {
		return err
	}
	f.invalid.Store(false)
	return nil
}

// loadFromLower derives all disk-backed state from the lower file:
// the snapshot, logical size, compression flags, and the write
// position. An empty lower file is a valid empty logical file.
func (f *File) loadFromLower() error {
	lowerSize, err := f.handle.Size()
	if err != nil {
		return fmt.Errorf("sizing lower file %s: %w: %w", f.name, ErrIO, err)
	}

	if lowerSize == 0 {
		f.snapshot.Store(emptySnapshot)
		f.size.Store(0)
		f.algorithm.Store(uint32(f.opts.Algorithm))
		f.compressible.Store(f.opts.Compress)
		f.compressed.Store(false)
		f.stagedIdx = 0
		f.nextOffset = 0
		return nil
	}

	footer, err := readFooterAt(f.handle, lowerSize)
	if err != nil {
		return fmt.Errorf("loading %s: %w", f.name, err)
	}
	if footer.ClusterSize != f.opts.ClusterSize {
		return fmt.Errorf("%w: %s was written with cluster size %d, volume uses %d",
			ErrCorruptData, f.name, footer.ClusterSize, f.opts.ClusterSize)
	}

	count := clusterCount(int64(footer.LogicalSize), footer.ClusterSize)

	if footer.MetaSize == FooterSize {
		// No record array: every cluster is raw at its natural
		// offset.
		f.snapshot.Store(emptySnapshot)
		f.compressible.Store(false)
		f.compressed.Store(false)
		f.nextOffset = uint64(count) * uint64(footer.ClusterSize)
	} else {
		raw, err := readIndexBytes(f.handle, footer, lowerSize)
		if err != nil {
			return fmt.Errorf("loading %s: %w", f.name, err)
		}
		last := getRecord(raw[(count-1)*RecordSize:])
		f.snapshot.Store(&metaSnapshot{records: raw})
		f.compressible.Store(true)
		f.compressed.Store(true)
		f.nextOffset = alignUp(last.Offset + uint64(last.Size))
	}

	f.algorithm.Store(uint32(footer.Compression))
	f.size.Store(int64(footer.LogicalSize))
	f.stagedIdx = count
	return nil
}

// invalidate marks the in-memory metadata stale. The next access
// that needs a record reloads from the lower file.
func (f *File) invalidate() {
	f.invalid.Store(true)
}

// flushMetadata serializes the record array at pos: first the
// already-finalized prefix, then the pending list drained in chunks
// through the scratch half of the staging buffer. Every drained
// entry decrements the volume pending counter as its chunk lands.
// Returns the number of metadata bytes written.
func (f *File) flushMetadata(pos uint64) (uint32, error) {
	written := uint32(0)

	snapshot := f.snapshot.Load()
	if len(snapshot.records) > 0 {
		if _, err := lowerstore.WriteFull(f.handle, snapshot.records, int64(pos)); err != nil {
			return 0, fmt.Errorf("writing record array: %w: %w", ErrIO, err)
		}
		pos += uint64(len(snapshot.records))
		written += uint32(len(snapshot.records))
	}

	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()

	chunk := f.upper
	limit := len(chunk) - RecordSize
	for len(f.pending) > 0 {
		bufPos := 0
		for len(f.pending) > 0 && bufPos <= limit {
			putRecord(chunk[bufPos:], f.pending[0].record)
			f.pending = f.pending[1:]
			bufPos += RecordSize
		}
		if _, err := lowerstore.WriteFull(f.handle, chunk[:bufPos], int64(pos)); err != nil {
			return written, fmt.Errorf("writing pending records: %w: %w", ErrIO, err)
		}
		f.stats.PendingClusters.Add(-int64(bufPos / RecordSize))
		pos += uint64(bufPos)
		written += uint32(bufPos)
	}
	return written, nil
}

// discardPending drops every pending entry and the staged cluster's
// reservation, reconciling the volume counters. Used by the flush
// error path, the raw-file flush (which never serializes records),
// and truncation.
func (f *File) discardPending() {
	f.pendingMu.Lock()
	dropped := int64(len(f.pending))
	f.pending = nil
	f.pendingMu.Unlock()
	if dropped > 0 {
		f.stats.PendingClusters.Add(-dropped)
	}
}

// fileCompression returns the codec this file's clusters use.
func (f *File) fileCompression() compress.Algorithm {
	return compress.Algorithm(f.algorithm.Load())
}
