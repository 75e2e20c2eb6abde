// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/compactfs/lib/clusterfile"
	"github.com/bureau-foundation/compactfs/lib/compress"
	"github.com/bureau-foundation/compactfs/lib/lowerstore"
	"github.com/bureau-foundation/compactfs/lib/testutil"
)

// memStore is an in-memory lower store with a settable free-space
// figure for admission-control tests.
type memStore struct {
	mu    sync.Mutex
	files map[string]*memFile
	free  uint64
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string]*memFile), free: 1 << 40}
}

func (s *memStore) Open(name string) (lowerstore.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[name]
	if !ok {
		file = &memFile{}
		s.files[name] = file
	}
	return &memFileHandle{file: file}, nil
}

func (s *memStore) Exists(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[name]
	return ok, nil
}

func (s *memStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memStore) Stat() (lowerstore.SpaceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lowerstore.SpaceInfo{FreeBytes: s.free, TotalBytes: 1 << 40}, nil
}

func (s *memStore) setFree(free uint64) {
	s.mu.Lock()
	s.free = free
	s.mu.Unlock()
}

type memFileHandle struct {
	file *memFile
}

func (h *memFileHandle) ReadAt(p []byte, off int64) (int, error) {
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	if off >= int64(len(h.file.data)) {
		return 0, nil
	}
	return copy(p, h.file.data[off:]), nil
}

func (h *memFileHandle) WriteAt(p []byte, off int64) (int, error) {
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(h.file.data)) {
		h.file.data = append(h.file.data, make([]byte, end-int64(len(h.file.data)))...)
	}
	return copy(h.file.data[off:], p), nil
}

func (h *memFileHandle) Truncate(size int64) error {
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	if size < int64(len(h.file.data)) {
		h.file.data = h.file.data[:size]
	} else {
		h.file.data = append(h.file.data, make([]byte, size-int64(len(h.file.data)))...)
	}
	return nil
}

func (h *memFileHandle) Size() (int64, error) {
	h.file.mu.Lock()
	defer h.file.mu.Unlock()
	return int64(len(h.file.data)), nil
}

func (h *memFileHandle) Sync() error  { return nil }
func (h *memFileHandle) Close() error { return nil }

func testVolumeOptions() Options {
	opts := DefaultOptions()
	opts.ClusterSize = 4 << 10
	opts.PoolBuffers = 8
	return opts
}

func openTestVolume(t *testing.T, store lowerstore.Store, opts Options) *Volume {
	t.Helper()
	v, err := Open(store, opts)
	if err != nil {
		t.Fatalf("Open volume: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestWriteReadThroughVolume(t *testing.T) {
	store := newMemStore()
	v := openTestVolume(t, store, testVolumeOptions())

	content := make([]byte, 10000)
	file, err := v.OpenFile("data.bin")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := file.Write(content, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if v.OpenFiles() != 0 {
		t.Fatalf("OpenFiles = %d after close, want 0", v.OpenFiles())
	}

	info, err := v.Stat("data.bin")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.LogicalSize != 10000 || info.Clusters != 3 || !info.Compressed {
		t.Fatalf("Stat = %+v, want 10000 bytes in 3 compressed clusters", info)
	}
	if info.LowerSize >= info.LogicalSize {
		t.Fatalf("lower size %d not smaller than logical %d", info.LowerSize, info.LogicalSize)
	}

	reopened, err := v.OpenFile("data.bin")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got := make([]byte, 10000)
	if n, err := reopened.ReadAt(got, 0); (err != nil && err != io.EOF) || n != 10000 {
		t.Fatalf("ReadAt = (%d, %v)", n, err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("read-back content differs")
	}

	names, err := v.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 || names[0] != "data.bin" {
		t.Fatalf("List = %v, want [data.bin] with manifest hidden", names)
	}
}

func TestOpenFileShares(t *testing.T) {
	v := openTestVolume(t, newMemStore(), testVolumeOptions())

	first, err := v.OpenFile("shared.bin")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	second, err := v.OpenFile("shared.bin")
	if err != nil {
		t.Fatalf("second OpenFile: %v", err)
	}
	if first != second {
		t.Fatal("concurrent opens did not share one File")
	}
	if v.OpenFiles() != 1 {
		t.Fatalf("OpenFiles = %d, want 1", v.OpenFiles())
	}

	if err := first.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if v.OpenFiles() != 1 {
		t.Fatal("file left the table before its last release")
	}
	if err := second.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if v.OpenFiles() != 0 {
		t.Fatal("file did not leave the table on its last release")
	}
}

func TestOpenFileReservedName(t *testing.T) {
	v := openTestVolume(t, newMemStore(), testVolumeOptions())
	if _, err := v.OpenFile(ManifestName); err == nil {
		t.Fatal("opening the manifest as a logical file succeeded")
	}
}

func TestStatMissingFile(t *testing.T) {
	v := openTestVolume(t, newMemStore(), testVolumeOptions())
	if _, err := v.Stat("nope.bin"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Stat of missing file = %v, want os.ErrNotExist", err)
	}
}

func TestManifestGuardsGeometry(t *testing.T) {
	store := newMemStore()
	opts := testVolumeOptions()

	v := openTestVolume(t, store, opts)
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Same geometry reopens fine.
	again := openTestVolume(t, store, opts)
	if err := again.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A different cluster size is rejected.
	opts.ClusterSize = 8 << 10
	if _, err := Open(store, opts); err == nil {
		t.Fatal("reopen with a different cluster size succeeded")
	}

	// Policy drift is allowed and recorded.
	opts.ClusterSize = 4 << 10
	opts.Threshold = 50
	opts.Algorithm = compress.Zstd
	drifted := openTestVolume(t, store, opts)
	if err := drifted.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m, err := readManifest(store)
	if err != nil {
		t.Fatalf("readManifest: %v", err)
	}
	if m.Threshold != 50 || compress.Algorithm(m.Algorithm) != compress.Zstd {
		t.Fatalf("manifest policy = threshold %d, algorithm %d; drift not recorded", m.Threshold, m.Algorithm)
	}
}

func TestCheckSpaceAdmission(t *testing.T) {
	store := newMemStore()
	v := openTestVolume(t, store, testVolumeOptions())

	page := int64(os.Getpagesize())
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		pending := rng.Int63n(1 << 16)
		buffered := rng.Int63n(1 << 24)
		projected := rng.Int63n(1 << 20)
		free := uint64(rng.Int63n(1 << 26))

		v.stats.PendingClusters.Store(pending)
		v.stats.BufferedBytes.Store(buffered)
		store.setFree(free)

		need := pending*clusterfile.RecordSize + buffered + page + projected
		err := v.CheckSpace(projected)
		if uint64(need) > free {
			if !errors.Is(err, clusterfile.ErrOutOfSpace) {
				t.Fatalf("iteration %d: need %d free %d: err = %v, want ErrOutOfSpace", i, need, free, err)
			}
		} else if err != nil {
			t.Fatalf("iteration %d: need %d free %d: unexpected error %v", i, need, free, err)
		}
	}
	v.stats.PendingClusters.Store(0)
	v.stats.BufferedBytes.Store(0)
}

// TestOpenCloseChurn hammers the open-file table: each last release
// removes the entry while other goroutines race to reopen the same
// name, exercising the wait-for-final-flush path.
func TestOpenCloseChurn(t *testing.T) {
	v := openTestVolume(t, newMemStore(), testVolumeOptions())
	name := testutil.UniqueID("churn") + ".bin"

	results := make(chan error, 4)
	for worker := 0; worker < 4; worker++ {
		go func() {
			for i := 0; i < 50; i++ {
				file, err := v.OpenFile(name)
				if err != nil {
					results <- err
					return
				}
				if err := file.Close(); err != nil {
					results <- err
					return
				}
			}
			results <- nil
		}()
	}
	for worker := 0; worker < 4; worker++ {
		if err := testutil.RequireReceive(t, results, 30*time.Second, "worker %d", worker); err != nil {
			t.Fatalf("worker %d: %v", worker, err)
		}
	}
	if v.OpenFiles() != 0 {
		t.Fatalf("OpenFiles = %d after churn, want 0", v.OpenFiles())
	}
}

func TestCloseWithOpenFiles(t *testing.T) {
	v := openTestVolume(t, newMemStore(), testVolumeOptions())

	file, err := v.OpenFile("held.bin")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := v.Close(); err == nil {
		t.Fatal("Close succeeded with a file still open")
	}
	if err := file.Close(); err != nil {
		t.Fatalf("file Close: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close after releasing files: %v", err)
	}
}

func TestCollectorMetrics(t *testing.T) {
	v := openTestVolume(t, newMemStore(), testVolumeOptions())
	collector := NewCollector(v)

	if got := promtestutil.CollectAndCount(collector); got != 8 {
		t.Fatalf("collector produced %d metrics, want 8", got)
	}

	file, err := v.OpenFile("metric.bin")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer file.Close()

	expected := strings.NewReader(`
# HELP compactfs_open_files Logical files currently held open.
# TYPE compactfs_open_files gauge
compactfs_open_files 1
`)
	if err := promtestutil.CollectAndCompare(collector, expected, "compactfs_open_files"); err != nil {
		t.Fatalf("open-files metric: %v", err)
	}
}
