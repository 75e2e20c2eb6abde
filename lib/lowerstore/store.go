// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

// Package lowerstore provides access to the backing files that hold
// compressed cluster data. The Store interface names files; the
// Handle interface is a thin positional-I/O surface over one file,
// deliberately allowing short transfers — ReadFull and WriteFull
// supply the bounded retry loop on top.
package lowerstore

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SpaceInfo reports capacity of the storage backing a Store.
type SpaceInfo struct {
	// FreeBytes is the space available to unprivileged writers.
	FreeBytes uint64
	// TotalBytes is the total capacity.
	TotalBytes uint64
}

// Handle is positional I/O on one lower file. ReadAt and WriteAt map
// to single pread/pwrite calls and may transfer fewer bytes than
// requested without error — callers that need complete transfers use
// ReadFull and WriteFull.
type Handle interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Size() (int64, error)
	Sync() error
	Close() error
}

// Store names and opens lower files.
type Store interface {
	// Open opens the named lower file, creating it empty if it
	// does not exist.
	Open(name string) (Handle, error)

	// Exists reports whether the named lower file exists, without
	// creating it.
	Exists(name string) (bool, error)

	// List returns the names of all regular files in the store.
	List() ([]string, error)

	// Stat reports free space on the underlying storage.
	Stat() (SpaceInfo, error)
}

// DirStore is a Store over a single directory. File names are
// validated against path traversal: a name must be a plain local
// file name, so lower files can never escape the root.
type DirStore struct {
	root string
}

var _ Store = (*DirStore)(nil)

// NewDirStore creates a DirStore rooted at the given directory,
// creating the directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("store root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the directory the store operates on.
func (s *DirStore) Root() string {
	return s.root
}

func (s *DirStore) resolve(name string) (string, error) {
	if name == "" || name == "." || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid lower file name %q: must be a plain file name", name)
	}
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("lower file name %q escapes the store root", name)
	}
	return filepath.Join(s.root, name), nil
}

// Open opens or creates the named lower file.
func (s *DirStore) Open(name string) (Handle, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lower file %s: %w", path, err)
	}
	return &fileHandle{fd: fd, path: path}, nil
}

// Exists reports whether the named lower file exists.
func (s *DirStore) Exists(name string) (bool, error) {
	path, err := s.resolve(name)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stating lower file %s: %w", path, err)
	}
	return info.Mode().IsRegular(), nil
}

// List returns the names of all regular files directly under the
// store root. Subdirectories are not descended into.
func (s *DirStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing store root: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Stat reports free space on the filesystem holding the store root.
func (s *DirStore) Stat() (SpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.root, &stat); err != nil {
		return SpaceInfo{}, fmt.Errorf("statfs %s: %w", s.root, err)
	}
	return SpaceInfo{
		FreeBytes:  stat.Bavail * uint64(stat.Bsize),
		TotalBytes: stat.Blocks * uint64(stat.Bsize),
	}, nil
}

// fileHandle is a Handle over an open file descriptor. Each ReadAt
// and WriteAt is a single pread/pwrite — no retry, no accumulation.
type fileHandle struct {
	fd   int
	path string
}

var _ Handle = (*fileHandle)(nil)

func (h *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(h.fd, p, off)
	if n < 0 {
		n = 0
	}
	if err != nil {
		return n, fmt.Errorf("pread %s at offset %d: %w", h.path, off, err)
	}
	return n, nil
}

func (h *fileHandle) WriteAt(p []byte, off int64) (int, error) {
	n, err := unix.Pwrite(h.fd, p, off)
	if n < 0 {
		n = 0
	}
	if err != nil {
		return n, fmt.Errorf("pwrite %s at offset %d: %w", h.path, off, err)
	}
	return n, nil
}

func (h *fileHandle) Truncate(size int64) error {
	if err := unix.Ftruncate(h.fd, size); err != nil {
		return fmt.Errorf("truncating %s to %d bytes: %w", h.path, size, err)
	}
	return nil
}

func (h *fileHandle) Size() (int64, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(h.fd, &stat); err != nil {
		return 0, fmt.Errorf("stating %s: %w", h.path, err)
	}
	return stat.Size, nil
}

func (h *fileHandle) Sync() error {
	if err := unix.Fsync(h.fd); err != nil {
		return fmt.Errorf("syncing %s: %w", h.path, err)
	}
	return nil
}

func (h *fileHandle) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("closing %s: %w", h.path, err)
	}
	h.fd = -1
	return nil
}
