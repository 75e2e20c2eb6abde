// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package volume ties the compactfs core together into a mountable
// store: one lower store, one staging-buffer pool, one set of
// aggregate counters, and a table of shared open files. A Volume is
// the unit the FUSE layer and the offline tools operate on.
package volume

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/bureau-foundation/compactfs/lib/clusterfile"
	"github.com/bureau-foundation/compactfs/lib/compress"
	"github.com/bureau-foundation/compactfs/lib/lowerstore"
	"github.com/bureau-foundation/compactfs/lib/pagepool"
)

// Volume is one mounted compactfs store over a lower store. Safe for
// concurrent use.
type Volume struct {
	store lowerstore.Store
	opts  Options
	pool  *pagepool.Pool
	stats *clusterfile.Stats

	mu     sync.Mutex
	files  map[string]*openEntry
	closed bool
}

// openEntry tracks one shared open file. done is closed after the
// file's last reference has been released and its flush completed, so
// a reopen of the same name can wait instead of racing the flush.
type openEntry struct {
	file *clusterfile.File
	done chan struct{}
}

// Open opens a volume over the given lower store. The volume's
// geometry is pinned by a manifest in the store: the first Open
// writes it, later Opens must agree on the cluster size.
func Open(store lowerstore.Store, opts Options) (*Volume, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("volume options: %w", err)
	}
	if opts.PoolBuffers == 0 {
		opts.PoolBuffers = DefaultPoolBuffers
	}

	if err := reconcileManifest(store, &opts); err != nil {
		return nil, err
	}

	pool, err := pagepool.New(2*int(opts.ClusterSize), opts.PoolBuffers)
	if err != nil {
		return nil, fmt.Errorf("creating buffer pool: %w", err)
	}

	return &Volume{
		store: store,
		opts:  opts,
		pool:  pool,
		stats: &clusterfile.Stats{},
		files: make(map[string]*openEntry),
	}, nil
}

// Options returns the volume's effective options, after manifest
// reconciliation.
func (v *Volume) Options() Options {
	return v.opts
}

// OpenFile opens the named logical file, creating it if it does not
// exist. Concurrent opens of the same name share one File; each
// caller must release its reference with File.Close. If the name is
// mid-way through its final close, OpenFile waits for the flush to
// finish and then opens fresh.
func (v *Volume) OpenFile(name string) (*clusterfile.File, error) {
	if strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%q is reserved: dotfiles hold volume control state", name)
	}

	for {
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return nil, fmt.Errorf("volume is closed")
		}

		if entry, ok := v.files[name]; ok {
			if entry.file.TryAcquire() {
				v.mu.Unlock()
				return entry.file, nil
			}
			// Final close in flight: wait for its flush, retry.
			done := entry.done
			v.mu.Unlock()
			<-done
			continue
		}

		handle, err := v.store.Open(name)
		if err != nil {
			v.mu.Unlock()
			return nil, fmt.Errorf("opening lower file: %w", err)
		}

		entry := &openEntry{done: make(chan struct{})}
		file, err := clusterfile.Open(name, handle, clusterfile.Options{
			ClusterSize: v.opts.ClusterSize,
			Algorithm:   v.opts.Algorithm,
			Threshold:   v.opts.Threshold,
			Compress:    v.opts.Compress,
			Pool:        v.pool,
			Stats:       v.stats,
			Space:       v,
			OnLastClose: func() {
				v.mu.Lock()
				if current, ok := v.files[name]; ok && current == entry {
					delete(v.files, name)
				}
				v.mu.Unlock()
				close(entry.done)
			},
		})
		if err != nil {
			handle.Close()
			v.mu.Unlock()
			return nil, err
		}
		entry.file = file
		v.files[name] = entry
		v.mu.Unlock()
		return file, nil
	}
}

// FileInfo describes one logical file without holding it open.
type FileInfo struct {
	// Name is the lower file name.
	Name string

	// LogicalSize is the uncompressed size in bytes.
	LogicalSize int64

	// LowerSize is the size of the backing lower file.
	LowerSize int64

	// Clusters is the number of clusters the logical size spans.
	Clusters uint32

	// Compressed reports whether any cluster is stored compressed.
	Compressed bool

	// Algorithm is the codec recorded for the file.
	Algorithm compress.Algorithm
}

// Stat describes the named file. An open file is reported from its
// live state; otherwise the footer of the lower file is peeked.
// A missing file returns an error satisfying os.ErrNotExist.
func (v *Volume) Stat(name string) (FileInfo, error) {
	v.mu.Lock()
	entry, open := v.files[name]
	v.mu.Unlock()
	if open {
		file := entry.file
		return FileInfo{
			Name:        name,
			LogicalSize: file.Size(),
			Clusters:    file.Clusters(),
			Compressed:  file.Compressed(),
			Algorithm:   file.Algorithm(),
		}, nil
	}

	exists, err := v.store.Exists(name)
	if err != nil {
		return FileInfo{}, err
	}
	if !exists {
		return FileInfo{}, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}

	handle, err := v.store.Open(name)
	if err != nil {
		return FileInfo{}, fmt.Errorf("opening lower file: %w", err)
	}
	defer handle.Close()

	lowerSize, err := handle.Size()
	if err != nil {
		return FileInfo{}, fmt.Errorf("sizing lower file: %w", err)
	}
	if lowerSize == 0 {
		return FileInfo{Name: name, Algorithm: v.opts.Algorithm}, nil
	}

	footer, err := clusterfile.ReadFooter(handle)
	if err != nil {
		return FileInfo{}, err
	}
	clusterSize := uint64(footer.ClusterSize)
	return FileInfo{
		Name:        name,
		LogicalSize: int64(footer.LogicalSize),
		LowerSize:   lowerSize,
		Clusters:    uint32((footer.LogicalSize + clusterSize - 1) / clusterSize),
		Compressed:  footer.MetaSize > clusterfile.FooterSize,
		Algorithm:   footer.Compression,
	}, nil
}

// List returns the names of the logical files in the volume, in
// store order. Dotfiles — the manifest among them — are control
// state of the lower directory and never listed.
func (v *Volume) List() ([]string, error) {
	names, err := v.store.List()
	if err != nil {
		return nil, err
	}
	filtered := names[:0]
	for _, name := range names {
		if !strings.HasPrefix(name, ".") {
			filtered = append(filtered, name)
		}
	}
	return filtered, nil
}

// CheckSpace admits projectedGrowth more bytes of buffered data. The
// minimum requirement is computed from volume-wide aggregates: every
// unflushed cluster record, a footer per open file, all currently
// buffered bytes, and one spare page. The check is preemptive — a
// write that would run out of space mid-flush would leave the file's
// metadata invalid, so it is rejected before any byte moves.
func (v *Volume) CheckSpace(projectedGrowth int64) error {
	info, err := v.store.Stat()
	if err != nil {
		return fmt.Errorf("statfs of lower store: %w: %w", clusterfile.ErrIO, err)
	}

	v.mu.Lock()
	openFiles := len(v.files)
	v.mu.Unlock()

	need := v.stats.PendingClusters.Load()*clusterfile.RecordSize +
		int64(openFiles)*clusterfile.FooterSize +
		v.stats.BufferedBytes.Load() +
		int64(os.Getpagesize()) +
		projectedGrowth
	if need > 0 && uint64(need) > info.FreeBytes {
		return fmt.Errorf("%w: need %d bytes, %d free on lower store",
			clusterfile.ErrOutOfSpace, need, info.FreeBytes)
	}
	return nil
}

// Space reports free and total capacity of the storage backing the
// lower store.
func (v *Volume) Space() (lowerstore.SpaceInfo, error) {
	return v.store.Stat()
}

// OpenFiles returns the number of files currently held open.
func (v *Volume) OpenFiles() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.files)
}

// Close shuts the volume down. Every file must have been released
// first; Close fails rather than flushing on the caller's behalf.
func (v *Volume) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	if open := len(v.files); open > 0 {
		v.mu.Unlock()
		return fmt.Errorf("%d files still open", open)
	}
	v.closed = true
	v.mu.Unlock()

	return v.pool.Close()
}

var _ clusterfile.SpaceChecker = (*Volume)(nil)
