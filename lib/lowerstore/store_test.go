// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lowerstore

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestDirStoreReadWriteRoundtrip(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	handle, err := store.Open("payload.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	if _, err := WriteFull(handle, payload, 100); err != nil {
		t.Fatalf("WriteFull: %v", err)
	}

	size, err := handle.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 5100 {
		t.Fatalf("Size = %d, want 5100", size)
	}

	buf := make([]byte, len(payload))
	if _, err := ReadFull(handle, buf, 100); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("read data does not match written data")
	}

	if err := handle.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the data persists.
	reopened, err := store.Open("payload.bin")
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer reopened.Close()

	buf = make([]byte, len(payload))
	if _, err := ReadFull(reopened, buf, 100); err != nil {
		t.Fatalf("ReadFull after reopen: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("data lost across reopen")
	}
}

func TestDirStoreTruncate(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	handle, err := store.Open("trunc.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	if _, err := WriteFull(handle, make([]byte, 4096), 0); err != nil {
		t.Fatalf("WriteFull: %v", err)
	}
	if err := handle.Truncate(1000); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	size, err := handle.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1000 {
		t.Fatalf("Size after truncate = %d, want 1000", size)
	}

	// A single positional read at the cut returns zero bytes.
	n, err := handle.ReadAt(make([]byte, 16), 1000)
	if err != nil {
		t.Fatalf("ReadAt past truncation point: %v", err)
	}
	if n != 0 {
		t.Fatalf("ReadAt past truncation point returned %d bytes, want 0", n)
	}
}

func TestDirStoreNameValidation(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	for _, name := range []string{"", ".", "..", "../escape", "/etc/passwd", "nested/file", "a/../b"} {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Open(name); err == nil {
				t.Errorf("Open(%q) should fail", name)
			}
			if _, err := store.Exists(name); err == nil {
				t.Errorf("Exists(%q) should fail", name)
			}
		})
	}
}

func TestDirStoreExistsAndList(t *testing.T) {
	root := t.TempDir()
	store, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	exists, err := store.Exists("ghost")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("Exists(ghost) = true before creation")
	}

	handle, err := store.Open("real")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	handle.Close()

	exists, err = store.Exists("real")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatal("Exists(real) = false after creation")
	}

	// Subdirectories are not listed.
	if err := os.Mkdir(filepath.Join(root, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	names, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !slices.Contains(names, "real") {
		t.Fatalf("List = %v, want it to contain %q", names, "real")
	}
	if slices.Contains(names, "subdir") {
		t.Fatalf("List = %v, must not contain directories", names)
	}
}

func TestDirStoreStat(t *testing.T) {
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	info, err := store.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.TotalBytes == 0 {
		t.Fatal("Stat reported zero total capacity")
	}
	if info.FreeBytes > info.TotalBytes {
		t.Fatalf("free %d exceeds total %d", info.FreeBytes, info.TotalBytes)
	}
}
