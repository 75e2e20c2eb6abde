// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clusterfile implements transparent per-file compression
// over a lower file store. A logical file is split into fixed-size
// clusters; each cluster is compressed independently and stored at
// an aligned offset in the lower file, located by a per-cluster
// record. The record array and a fixed footer trail the data, so a
// lower file is self-describing.
//
// Writes are append-only and buffered in a staging area one cluster
// at a time: a cluster that fills up is compressed (kept only when
// it beats the configured threshold) and written out immediately,
// while its record joins an in-memory pending list. Flush serializes
// the pending records and the footer. Reads are fully random-access
// and lock-free for flushed clusters.
package clusterfile

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/compactfs/lib/compress"
	"github.com/bureau-foundation/compactfs/lib/lowerstore"
	"github.com/bureau-foundation/compactfs/lib/pagepool"
)

// DefaultThreshold is the compression admission percentage used when
// none is configured: compressed output must be strictly smaller
// than three quarters of the original to be kept.
const DefaultThreshold = 75

// Options configure a File opened on a lower handle. The geometry
// fields and Pool are required; Stats and Space are collaborators
// shared across a volume.
type Options struct {
	// ClusterSize is the cluster size in bytes: a power of two in
	// [MinClusterSize, MaxClusterSize].
	ClusterSize uint32

	// Algorithm is the codec for newly created files. Existing
	// files keep the codec recorded in their footer.
	Algorithm compress.Algorithm

	// Threshold is the compression admission percentage in
	// [0, 100]: a compressed cluster is kept only when its size is
	// strictly below original × Threshold / 100. Zero means no
	// compressed form is ever adopted.
	Threshold uint32

	// Compress false stores every cluster raw.
	Compress bool

	// Pool supplies staging and read buffers. Its buffer size must
	// be at least twice ClusterSize: the extra room holds
	// compressed payloads and metadata drain chunks.
	Pool *pagepool.Pool

	// Stats receives volume-wide counter updates. Optional; a
	// private instance is used when nil.
	Stats *Stats

	// Space, when set, admits each newly opened cluster before any
	// byte is buffered for it.
	Space SpaceChecker

	// OnLastClose, when set, runs after the final reference has
	// been released and the lower handle closed. It is called
	// outside the file's locks; the volume layer uses it to drop
	// the file from its open-file table.
	OnLastClose func()
}

func (o Options) validate() error {
	if !validClusterSize(o.ClusterSize) {
		return fmt.Errorf("cluster size %d: want a power of two in [%d, %d]",
			o.ClusterSize, MinClusterSize, MaxClusterSize)
	}
	if !o.Algorithm.Valid() {
		return fmt.Errorf("invalid compression algorithm %d", uint32(o.Algorithm))
	}
	if o.Threshold > 100 {
		return fmt.Errorf("compression threshold %d%% outside [0, 100]", o.Threshold)
	}
	if o.Pool == nil {
		return fmt.Errorf("buffer pool is required")
	}
	if o.Pool.BufferSize() < 2*int(o.ClusterSize) {
		return fmt.Errorf("pool buffers of %d bytes are too small for cluster size %d (need 2x)",
			o.Pool.BufferSize(), o.ClusterSize)
	}
	return nil
}

// File is one logical file over a lower handle. Reads may run
// concurrently with each other and with a writer; writes, flushes
// and truncation serialize on an internal lock. The file is
// reference-counted: Open returns it with one reference, Acquire
// adds more, and the Close that drops the last reference flushes
// and closes the lower handle.
type File struct {
	name   string
	opts   Options
	handle lowerstore.Handle
	pool   *pagepool.Pool
	stats  *Stats
	space  SpaceChecker

	// algorithm is the file-authoritative codec: the footer's on
	// load, the volume default for fresh files.
	algorithm atomic.Uint32

	handleMu sync.Mutex
	refs     int

	snapshot atomic.Pointer[metaSnapshot]
	invalid  atomic.Bool
	reloadMu sync.Mutex

	pendingMu sync.Mutex
	pending   []pendingEntry

	compressible atomic.Bool
	compressed   atomic.Bool
	size         atomic.Int64

	// Write model, guarded by writeMu. stagedIdx and stagedLen are
	// additionally published under stagingMu so readers can serve
	// the in-flight cluster from memory.
	writeMu    sync.Mutex
	stagingMu  sync.Mutex
	upper      []byte // staged cluster content; doubles as the metadata drain chunk
	scratch    []byte // compression output and tail adoption scratch
	stagedLen  int
	stagedIdx  uint32
	nextOffset uint64 // lower offset the staged cluster will be written at
}

// Open builds a File over an already-open lower handle. An empty
// lower file is a valid empty logical file; anything else must carry
// a valid footer matching the volume geometry. The returned File
// holds one reference and owns the handle.
func Open(name string, handle lowerstore.Handle, opts Options) (*File, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}

	stats := opts.Stats
	if stats == nil {
		stats = &Stats{}
	}

	f := &File{
		name:   name,
		opts:   opts,
		handle: handle,
		pool:   opts.Pool,
		stats:  stats,
		space:  opts.Space,
		refs:   1,
	}
	f.snapshot.Store(emptySnapshot)

	if err := f.loadFromLower(); err != nil {
		return nil, err
	}
	return f, nil
}

// Name returns the lower file name the File was opened with.
func (f *File) Name() string {
	return f.name
}

// Size returns the logical file size, including staged bytes.
func (f *File) Size() int64 {
	return f.size.Load()
}

// Clusters returns the number of clusters the logical size spans.
func (f *File) Clusters() uint32 {
	return clusterCount(f.size.Load(), f.opts.ClusterSize)
}

// Compressed reports whether at least one cluster is stored
// compressed.
func (f *File) Compressed() bool {
	return f.compressed.Load()
}

// Algorithm returns the codec this file's clusters use.
func (f *File) Algorithm() compress.Algorithm {
	return f.fileCompression()
}

// Acquire adds a reference to the file. Every reference — including
// the one returned by Open — must be released with Close.
func (f *File) Acquire() {
	f.handleMu.Lock()
	f.refs++
	f.handleMu.Unlock()
}

// TryAcquire adds a reference unless the last one has already been
// released. It reports whether the reference was taken; false means
// the file is closing (or closed) and a fresh File must be opened.
func (f *File) TryAcquire() bool {
	f.handleMu.Lock()
	defer f.handleMu.Unlock()

	if f.refs == 0 {
		return false
	}
	f.refs++
	return true
}

// Close drops one reference. The last Close flushes buffered state,
// releases the staging buffers, and closes the lower handle.
// Releasing a file that has no open references is an invariant
// violation.
func (f *File) Close() error {
	f.handleMu.Lock()

	if f.refs <= 0 {
		f.handleMu.Unlock()
		return fmt.Errorf("%w: release of %s with no open references", ErrInternal, f.name)
	}
	f.refs--
	if f.refs > 0 {
		f.handleMu.Unlock()
		return nil
	}

	f.writeMu.Lock()
	flushErr := f.flushLocked()
	f.releaseStaging()
	f.writeMu.Unlock()

	syncErr := f.handle.Sync()
	closeErr := f.handle.Close()
	f.handleMu.Unlock()

	if f.opts.OnLastClose != nil {
		f.opts.OnLastClose()
	}
	return errors.Join(flushErr, syncErr, closeErr)
}

// Write appends p at off, which must equal the current logical size.
// Data is buffered in the staging cluster; each cluster that fills
// is compressed and written to the lower file immediately, leaving
// only its record pending for the next Flush.
func (f *File) Write(p []byte, off int64) (int, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.invalid.Load() {
		if err := f.reload(); err != nil {
			return 0, err
		}
	}

	size := f.size.Load()
	if off != size {
		return 0, fmt.Errorf("%w: write at offset %d, end of file is %d", ErrAppendOnly, off, size)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := f.ensureStaging(); err != nil {
		return 0, err
	}

	clusterSize := int(f.opts.ClusterSize)
	if uint64(f.stagedIdx)*uint64(clusterSize)+uint64(f.stagedLen) != uint64(size) {
		if err := f.adoptTail(); err != nil {
			return 0, err
		}
	}

	written := 0
	for written < len(p) {
		if f.stagedLen == clusterSize {
			if err := f.closeCluster(); err != nil {
				return written, err
			}
		}
		if f.stagedLen == 0 {
			if err := f.admitCluster(); err != nil {
				return written, err
			}
		}

		n := copy(f.upper[f.stagedLen:clusterSize], p[written:])
		written += n
		f.stats.BufferedBytes.Add(int64(n))
		f.stagingMu.Lock()
		f.stagedLen += n
		f.stagingMu.Unlock()
		f.size.Add(int64(n))
	}
	return written, nil
}

// ensureStaging lazily acquires the two staging buffers on the first
// buffered write. Pool exhaustion is a recoverable condition.
func (f *File) ensureStaging() error {
	if f.upper != nil {
		return nil
	}

	upper, err := f.pool.Get()
	if err != nil {
		return fmt.Errorf("acquiring staging buffer for %s: %w: %w", f.name, ErrResourceUnavailable, err)
	}
	scratch, err := f.pool.Get()
	if err != nil {
		f.pool.Put(upper)
		return fmt.Errorf("acquiring scratch buffer for %s: %w: %w", f.name, ErrResourceUnavailable, err)
	}

	f.upper = upper
	f.scratch = scratch
	f.stats.StagedFiles.Add(1)
	return nil
}

// releaseStaging returns the staging buffers to the pool. Caller
// holds writeMu.
func (f *File) releaseStaging() {
	if f.upper == nil {
		return
	}
	f.pool.Put(f.upper)
	f.pool.Put(f.scratch)
	f.upper = nil
	f.scratch = nil
	f.stats.StagedFiles.Add(-1)
}

// admitCluster reserves space accounting for a newly opened staged
// cluster.
func (f *File) admitCluster() error {
	if f.space != nil {
		if err := f.space.CheckSpace(int64(f.opts.ClusterSize)); err != nil {
			return err
		}
	}
	f.stats.PendingClusters.Add(1)
	return nil
}

// adoptTail re-stages the final partial cluster of a previously
// flushed (or freshly opened) file so appends can extend it. The
// staged cluster reuses the tail's lower offset; the next flush
// writes the grown cluster over the old payload and rebuilds the
// metadata behind it.
func (f *File) adoptTail() error {
	size := f.size.Load()
	clusterSize := uint64(f.opts.ClusterSize)
	lastIdx := clusterCount(size, f.opts.ClusterSize) - 1
	remainder := int(uint64(size) - uint64(lastIdx)*clusterSize)

	offset := uint64(lastIdx) * clusterSize
	if f.compressible.Load() {
		record, err := f.resolve(lastIdx)
		if err != nil {
			return err
		}
		offset = record.Offset
	}

	content, _, err := f.readClusterInto(f.scratch, lastIdx)
	if err != nil {
		return err
	}
	if content != remainder {
		return fmt.Errorf("%w: tail cluster %d of %s holds %d bytes, want %d",
			ErrInternal, lastIdx, f.name, content, remainder)
	}
	if err := f.admitCluster(); err != nil {
		return err
	}

	// The tail's record leaves the finalized array so coverage
	// stays contiguous with the pending list.
	if f.compressible.Load() {
		snapshot := f.snapshot.Load()
		f.snapshot.Store(&metaSnapshot{records: snapshot.records[:lastIdx*RecordSize]})
	}

	copy(f.upper, f.scratch[:remainder])
	f.stats.BufferedBytes.Add(int64(remainder))
	f.nextOffset = offset
	f.stagingMu.Lock()
	f.stagedIdx = lastIdx
	f.stagedLen = remainder
	f.stagingMu.Unlock()
	return nil
}

// closeCluster compresses and writes out the staged cluster, leaving
// its record in the pending list. Called with a full cluster during
// Write and with the final partial cluster during Flush. On a write
// failure the staged data stays buffered, so the operation can be
// retried.
func (f *File) closeCluster() error {
	length := f.stagedLen
	payload := f.upper[:length]
	record := ClusterRecord{Offset: f.nextOffset, Size: uint32(length)}
	stored := payload

	if f.compressible.Load() {
		written, err := compress.Compress(f.fileCompression(), f.scratch, payload)
		switch {
		case err == nil && uint64(written)*100 < uint64(length)*uint64(f.opts.Threshold):
			record.Size = uint32(written)
			stored = f.scratch[:written]
			f.compressed.Store(true)
			f.stats.CompressedClusters.Add(1)
		case err != nil && errors.Is(err, compress.ErrUnavailable):
			return fmt.Errorf("compressing cluster %d of %s: %w: %w",
				f.stagedIdx, f.name, ErrResourceUnavailable, err)
		case err != nil && !errors.Is(err, compress.ErrIncompressible):
			return fmt.Errorf("compressing cluster %d of %s: %w: %w",
				f.stagedIdx, f.name, ErrInternal, err)
		default:
			// Incompressible, or compressed output too large to
			// beat the threshold: store raw.
			f.stats.RawClusters.Add(1)
		}
	} else {
		f.stats.RawClusters.Add(1)
	}

	if _, err := lowerstore.WriteFull(f.handle, stored, int64(record.Offset)); err != nil {
		return fmt.Errorf("writing cluster %d of %s: %w: %w", f.stagedIdx, f.name, ErrIO, err)
	}

	f.pendingMu.Lock()
	f.pending = append(f.pending, pendingEntry{index: f.stagedIdx, record: record})
	f.pendingMu.Unlock()

	f.stats.BufferedBytes.Add(-int64(length))
	f.stagingMu.Lock()
	f.stagedLen = 0
	f.stagedIdx++
	f.stagingMu.Unlock()
	f.nextOffset = alignUp(record.Offset + uint64(record.Size))
	return nil
}

// Flush closes the staged cluster, serializes pending records and
// the footer, and trims stale lower bytes. A file with nothing
// buffered is left untouched — in particular, an empty file gets no
// footer. After a flush that serialized records, the in-memory
// snapshot is stale and the next access reloads it from the lower
// file.
func (f *File) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return f.flushLocked()
}

func (f *File) flushLocked() error {
	f.pendingMu.Lock()
	dirty := len(f.pending) > 0
	f.pendingMu.Unlock()
	if !dirty && f.stagedLen == 0 {
		return nil
	}

	if err := f.writeMeta(); err != nil {
		// Buffered state is lost: drop it, reconcile the counters,
		// and force the next access to reload the last consistent
		// on-disk view.
		f.dropStaged()
		f.discardPending()
		f.invalidate()
		return err
	}
	return nil
}

func (f *File) writeMeta() error {
	if f.stagedLen > 0 {
		if err := f.closeCluster(); err != nil {
			return err
		}
	}

	logical := uint64(f.size.Load())
	footer := Footer{
		ClusterSize: f.opts.ClusterSize,
		Compression: f.fileCompression(),
		LogicalSize: logical,
	}

	var end uint64
	if f.compressed.Load() {
		pos := f.nextOffset
		metaBytes, err := f.flushMetadata(pos)
		if err != nil {
			return err
		}
		footer.MetaSize = metaBytes + FooterSize
		if _, err := lowerstore.WriteFull(f.handle, footer.Encode(), int64(pos+uint64(metaBytes))); err != nil {
			return fmt.Errorf("writing footer of %s: %w: %w", f.name, ErrIO, err)
		}
		end = pos + uint64(metaBytes) + FooterSize
		// The pending records now live only in the on-disk array;
		// the next access reloads the merged view.
		f.invalidate()
	} else {
		// No cluster ended up compressed: the clusters sit at
		// natural offsets and need no records. The buffered
		// records are discarded and the bare footer lands directly
		// after the last logical byte.
		f.discardPending()
		footer.MetaSize = FooterSize
		if _, err := lowerstore.WriteFull(f.handle, footer.Encode(), int64(logical)); err != nil {
			return fmt.Errorf("writing footer of %s: %w: %w", f.name, ErrIO, err)
		}
		end = logical + FooterSize
		f.compressible.Store(false)
	}

	lowerSize, err := f.handle.Size()
	if err != nil {
		return fmt.Errorf("sizing %s: %w: %w", f.name, ErrIO, err)
	}
	if int64(end) < lowerSize {
		if err := f.handle.Truncate(int64(end)); err != nil {
			return fmt.Errorf("trimming %s to %d bytes: %w: %w", f.name, end, ErrIO, err)
		}
	}
	return nil
}

// dropStaged discards the staged cluster and reconciles counters.
// Caller holds writeMu.
func (f *File) dropStaged() {
	if f.stagedLen == 0 {
		return
	}
	f.stats.BufferedBytes.Add(-int64(f.stagedLen))
	f.stats.PendingClusters.Add(-1)
	f.stagingMu.Lock()
	f.stagedLen = 0
	f.stagingMu.Unlock()
}

// Truncate discards the file's content. Only truncation to zero is
// supported: the write model is append-only and partial truncation
// would require rewriting cluster metadata mid-file.
func (f *File) Truncate(size int64) error {
	if size != 0 {
		return fmt.Errorf("%w: truncate %s to %d: only truncation to zero is supported", ErrOutOfRange, f.name, size)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.dropStaged()
	f.discardPending()
	f.snapshot.Store(emptySnapshot)
	f.size.Store(0)
	f.compressed.Store(false)
	f.compressible.Store(f.opts.Compress)
	f.algorithm.Store(uint32(f.opts.Algorithm))
	f.stagedIdx = 0
	f.nextOffset = 0
	f.invalid.Store(false)

	if err := f.handle.Truncate(0); err != nil {
		f.invalidate()
		return fmt.Errorf("truncating %s: %w: %w", f.name, ErrIO, err)
	}
	return nil
}

// ReadAt reads into p from logical offset off. Reads past the
// logical size return io.EOF; short reads at the end of file follow
// the io.ReaderAt contract. Content still in the staging buffer is
// served from memory, everything else from the lower file.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	size := f.size.Load()
	if off >= size {
		return 0, io.EOF
	}

	want := len(p)
	if max := size - off; int64(want) > max {
		want = int(max)
	}

	clusterSize := int64(f.opts.ClusterSize)
	read := 0
	for read < want {
		pos := off + int64(read)
		idx := uint32(pos / clusterSize)
		within := int(pos % clusterSize)

		if n, ok := f.readStaged(p[read:want], idx, within); ok {
			read += n
			continue
		}

		buf, err := f.pool.Get()
		if err != nil {
			return read, fmt.Errorf("acquiring read buffer: %w: %w", ErrResourceUnavailable, err)
		}
		content, _, err := f.readClusterInto(buf, idx)
		if err != nil {
			f.pool.Put(buf)
			return read, err
		}
		if within >= content {
			f.pool.Put(buf)
			return read, fmt.Errorf("%w: cluster %d of %s holds %d bytes, offset %d requested",
				ErrCorruptData, idx, f.name, content, within)
		}
		read += copy(p[read:want], buf[within:content])
		f.pool.Put(buf)
	}

	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

// readStaged copies from the in-flight staged cluster, if idx is it.
func (f *File) readStaged(dst []byte, idx uint32, within int) (int, bool) {
	f.stagingMu.Lock()
	defer f.stagingMu.Unlock()

	if f.stagedLen == 0 || idx != f.stagedIdx || within >= f.stagedLen {
		return 0, false
	}
	return copy(dst, f.upper[within:f.stagedLen]), true
}

// ReadCluster returns the decompressed content of one cluster and
// whether it is stored compressed. The in-flight staged cluster is
// served from memory. Reads of clusters wholly past the logical
// size return empty content; an index beyond the final cluster is
// out of range.
func (f *File) ReadCluster(idx uint32) ([]byte, bool, error) {
	f.stagingMu.Lock()
	if f.stagedLen > 0 && idx == f.stagedIdx {
		content := make([]byte, f.stagedLen)
		copy(content, f.upper[:f.stagedLen])
		f.stagingMu.Unlock()
		return content, false, nil
	}
	f.stagingMu.Unlock()

	size := f.size.Load()
	if size == 0 || uint64(idx)*uint64(f.opts.ClusterSize) >= uint64(size) {
		if size > 0 {
			return nil, false, fmt.Errorf("%w: cluster %d beyond final cluster %d",
				ErrOutOfRange, idx, clusterCount(size, f.opts.ClusterSize)-1)
		}
		return nil, false, nil
	}

	buf, err := f.pool.Get()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring read buffer: %w: %w", ErrResourceUnavailable, err)
	}
	defer f.pool.Put(buf)

	length, wasCompressed, err := f.readClusterInto(buf, idx)
	if err != nil {
		return nil, false, err
	}
	content := make([]byte, length)
	copy(content, buf[:length])
	return content, wasCompressed, nil
}

// readClusterInto loads one cluster's content into the front of dst,
// which must be a pool buffer of at least twice the cluster size:
// compressed payloads land in the upper half before decompressing
// into the lower half. Returns the content length and whether the
// stored form was compressed.
func (f *File) readClusterInto(dst []byte, idx uint32) (int, bool, error) {
	size := f.size.Load()
	clusterSize := f.opts.ClusterSize
	if size == 0 || uint64(idx)*uint64(clusterSize) >= uint64(size) {
		return 0, false, nil
	}

	last := clusterCount(size, clusterSize) - 1
	expected := int(clusterSize)
	if idx == last {
		if remainder := uint64(size) - uint64(last)*uint64(clusterSize); remainder < uint64(clusterSize) {
			expected = int(remainder)
		}
	}

	if !f.compressible.Load() {
		offset := int64(idx) * int64(clusterSize)
		if _, err := lowerstore.ReadFull(f.handle, dst[:expected], offset); err != nil {
			return 0, false, fmt.Errorf("reading raw cluster %d of %s: %w: %w", idx, f.name, ErrIO, err)
		}
		return expected, false, nil
	}

	record, err := f.resolve(idx)
	if err != nil {
		return 0, false, err
	}
	if record.Size == 0 || record.Size > clusterSize {
		return 0, false, fmt.Errorf("%w: cluster %d of %s has record size %d outside (0, %d]",
			ErrCorruptData, idx, f.name, record.Size, clusterSize)
	}

	// A payload the full cluster size — or exactly the logical
	// remainder, for the final cluster — is stored raw.
	raw := record.Size == clusterSize || (idx == last && int(record.Size) == expected)
	if raw {
		if _, err := lowerstore.ReadFull(f.handle, dst[:expected], int64(record.Offset)); err != nil {
			return 0, false, fmt.Errorf("reading cluster %d of %s: %w: %w", idx, f.name, ErrIO, err)
		}
		return expected, false, nil
	}

	payload := dst[clusterSize : clusterSize+record.Size]
	if _, err := lowerstore.ReadFull(f.handle, payload, int64(record.Offset)); err != nil {
		return 0, false, fmt.Errorf("reading cluster %d of %s: %w: %w", idx, f.name, ErrIO, err)
	}

	n, err := compress.Decompress(f.fileCompression(), dst[:clusterSize], payload)
	if err != nil {
		if errors.Is(err, compress.ErrUnavailable) {
			return 0, false, fmt.Errorf("decompressing cluster %d of %s: %w: %w",
				idx, f.name, ErrResourceUnavailable, err)
		}
		return 0, false, fmt.Errorf("decompressing cluster %d of %s: %w: %w",
			idx, f.name, ErrCorruptData, err)
	}
	if n != expected {
		return 0, false, fmt.Errorf("%w: cluster %d of %s decompressed to %d bytes, want %d",
			ErrCorruptData, idx, f.name, n, expected)
	}
	return expected, true, nil
}
