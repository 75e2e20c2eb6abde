// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/orca-zhang/ecache"

	"github.com/bureau-foundation/compactfs/lib/clusterfile"
	"github.com/bureau-foundation/compactfs/lib/volume"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
)

// rootNode is the filesystem root: a flat directory of the volume's
// logical files.
type rootNode struct {
	gofuse.Inode
	options *Options
	cache   *ecache.Cache

	// generations invalidates cached clusters per file name: the
	// counter is part of every cache key and a truncate bumps it.
	generations sync.Map // name -> *atomic.Uint64
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)
var _ gofuse.NodeCreater = (*rootNode)(nil)
var _ gofuse.NodeStatfser = (*rootNode)(nil)

func (r *rootNode) generation(name string) *atomic.Uint64 {
	gen, _ := r.generations.LoadOrStore(name, &atomic.Uint64{})
	return gen.(*atomic.Uint64)
}

func (r *rootNode) newFileNode(name string) *fileNode {
	return &fileNode{
		root:       r,
		name:       name,
		generation: r.generation(name),
	}
}

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if strings.HasPrefix(name, ".") {
		// Dotfiles are lower-store control state (the manifest
		// among them), never part of the logical namespace.
		return nil, syscall.ENOENT
	}
	info, err := r.options.Volume.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, syscall.ENOENT
		}
		r.options.Logger.Error("stat failed", "name", name, "error", err)
		return nil, errno(err)
	}

	child := r.NewPersistentInode(ctx, r.newFileNode(name), gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | 0o644
	out.Size = uint64(info.LogicalSize)
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	names, err := r.options.Volume.List()
	if err != nil {
		r.options.Logger.Error("listing volume failed", "error", err)
		return nil, errno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: syscall.S_IFREG})
	}
	return &sliceDirStream{entries: entries}, 0
}

func (r *rootNode) Create(ctx context.Context, name string, flags uint32, _ uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	if strings.HasPrefix(name, ".") {
		return nil, nil, 0, syscall.EPERM
	}
	node := r.newFileNode(name)
	handle, errc := node.open(flags)
	if errc != 0 {
		return nil, nil, 0, errc
	}

	child := r.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | 0o644
	out.Size = uint64(handle.file.Size())
	return child, handle, 0, 0
}

func (r *rootNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	space, err := r.options.Volume.Space()
	if err != nil {
		return errno(err)
	}

	blockSize := r.options.Volume.Options().ClusterSize
	out.Bsize = blockSize
	out.Blocks = space.TotalBytes / uint64(blockSize)
	out.Bfree = space.FreeBytes / uint64(blockSize)
	out.Bavail = out.Bfree
	out.NameLen = 255
	return 0
}

// fileNode is one logical file.
type fileNode struct {
	gofuse.Inode
	root *rootNode
	name string

	// generation participates in every cluster cache key for this
	// file; truncation bumps it, orphaning stale entries.
	generation *atomic.Uint64
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeSetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (n *fileNode) volume() *volume.Volume {
	return n.root.options.Volume
}

func (n *fileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.volume().Stat(n.name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return syscall.ENOENT
		}
		return errno(err)
	}

	out.Mode = syscall.S_IFREG | 0o644
	out.Size = uint64(info.LogicalSize)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = n.volume().Options().ClusterSize
	return 0
}

// Setattr handles truncation. Only truncation to zero is supported
// by the append-only cluster format; O_TRUNC opens arrive here as
// SETATTR(size=0).
func (n *fileNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if errc := n.truncate(f, int64(size)); errc != 0 {
			return errc
		}
	}
	return n.Getattr(ctx, f, out)
}

func (n *fileNode) truncate(f gofuse.FileHandle, size int64) syscall.Errno {
	var file *clusterfile.File
	if handle, ok := f.(*fileHandle); ok {
		file = handle.file
	} else {
		opened, err := n.volume().OpenFile(n.name)
		if err != nil {
			return errno(err)
		}
		defer opened.Close()
		file = opened
	}

	if err := file.Truncate(size); err != nil {
		return errno(err)
	}
	n.generation.Add(1)
	return 0
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	handle, errc := n.open(flags)
	if errc != 0 {
		return nil, 0, errc
	}
	return handle, 0, 0
}

func (n *fileNode) open(flags uint32) (*fileHandle, syscall.Errno) {
	file, err := n.volume().OpenFile(n.name)
	if err != nil {
		return nil, errno(err)
	}

	if flags&syscall.O_TRUNC != 0 {
		if err := file.Truncate(0); err != nil {
			file.Close()
			return nil, errno(err)
		}
		n.generation.Add(1)
	}
	return &fileHandle{node: n, file: file}, 0
}

// fileHandle is one kernel file descriptor over an open File. The
// File reference is released with the handle.
type fileHandle struct {
	node *fileNode
	file *clusterfile.File

	releaseOnce sync.Once
	releaseErr  error
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFsyncer = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.node.readAt(h.file, dest, off)
	if err != nil && err != io.EOF {
		h.node.root.options.Logger.Error("read failed",
			"name", h.node.name, "offset", off, "error", err)
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.file.Write(data, off)
	if err != nil {
		if !errors.Is(err, clusterfile.ErrAppendOnly) {
			h.node.root.options.Logger.Error("write failed",
				"name", h.node.name, "offset", off, "error", err)
		}
		return uint32(n), errno(err)
	}
	return uint32(n), 0
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if err := h.file.Flush(); err != nil {
		return errno(err)
	}
	return 0
}

// Flush is called on every close(2) of a descriptor; the actual
// release of the File reference happens once in Release.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.releaseOnce.Do(func() {
		h.releaseErr = h.file.Close()
	})
	if h.releaseErr != nil {
		h.node.root.options.Logger.Error("release failed",
			"name", h.node.name, "error", h.releaseErr)
		return errno(h.releaseErr)
	}
	return 0
}

// readAt serves a byte range, cluster by cluster, through the
// decompressed-cluster LRU. Only finalized clusters are cached; the
// final cluster of an append-only file can still grow.
func (n *fileNode) readAt(file *clusterfile.File, dest []byte, off int64) (int, error) {
	if n.root.cache == nil {
		return file.ReadAt(dest, off)
	}

	size := file.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := len(dest)
	if max := size - off; int64(want) > max {
		want = int(max)
	}

	clusterSize := int64(n.volume().Options().ClusterSize)
	read := 0
	for read < want {
		pos := off + int64(read)
		idx := uint32(pos / clusterSize)
		within := int(pos % clusterSize)

		content, err := n.cluster(file, idx)
		if err != nil {
			return read, err
		}
		if within >= len(content) {
			return read, fmt.Errorf("%w: cluster %d of %s holds %d bytes, offset %d requested",
				clusterfile.ErrCorruptData, idx, n.name, len(content), within)
		}
		read += copy(dest[read:want], content[within:])
	}
	return read, nil
}

// cluster returns one decompressed cluster, from the LRU when
// possible.
func (n *fileNode) cluster(file *clusterfile.File, idx uint32) ([]byte, error) {
	key := fmt.Sprintf("%s#%d:%d", n.name, n.generation.Load(), idx)
	if cached, ok := n.root.cache.Get(key); ok {
		return cached.([]byte), nil
	}

	content, _, err := file.ReadCluster(idx)
	if err != nil {
		return nil, err
	}
	if idx+1 < file.Clusters() {
		n.root.cache.Put(key, content)
	}
	return content, nil
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
