// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"fmt"

	"github.com/bureau-foundation/compactfs/lib/codec"
	"github.com/bureau-foundation/compactfs/lib/compress"
	"github.com/bureau-foundation/compactfs/lib/lowerstore"
)

// ManifestName is the lower file holding the volume manifest. The
// name is reserved: it never appears in listings and cannot be opened
// as a logical file.
const ManifestName = ".compactfs"

// manifestVersion is the current manifest format version.
const manifestVersion = 1

// manifest pins a volume's format parameters inside the lower store,
// so a remount cannot silently change the cluster geometry under
// existing files. Threshold and algorithm are write-time policy and
// may drift between mounts; the cluster size may not.
type manifest struct {
	Version     uint32 `cbor:"version"`
	ClusterSize uint32 `cbor:"cluster_size"`
	Algorithm   uint32 `cbor:"comp_type"`
	Threshold   uint32 `cbor:"threshold"`
}

// reconcileManifest loads the manifest from the store, verifying the
// requested geometry against it, or writes a fresh one for a new
// volume. Policy drift (threshold, algorithm) updates the manifest in
// place.
func reconcileManifest(store lowerstore.Store, opts *Options) error {
	exists, err := store.Exists(ManifestName)
	if err != nil {
		return fmt.Errorf("checking volume manifest: %w", err)
	}
	if !exists {
		return writeManifest(store, *opts)
	}

	existing, err := readManifest(store)
	if err != nil {
		return err
	}
	if existing.Version != manifestVersion {
		return fmt.Errorf("volume manifest version %d not supported (want %d)",
			existing.Version, manifestVersion)
	}
	if existing.ClusterSize != opts.ClusterSize {
		return fmt.Errorf("volume was created with cluster size %d, mount requested %d",
			existing.ClusterSize, opts.ClusterSize)
	}

	if existing.Algorithm != uint32(opts.Algorithm) || existing.Threshold != opts.Threshold {
		return writeManifest(store, *opts)
	}
	return nil
}

func readManifest(store lowerstore.Store) (manifest, error) {
	handle, err := store.Open(ManifestName)
	if err != nil {
		return manifest{}, fmt.Errorf("opening volume manifest: %w", err)
	}
	defer handle.Close()

	size, err := handle.Size()
	if err != nil {
		return manifest{}, fmt.Errorf("sizing volume manifest: %w", err)
	}

	raw := make([]byte, size)
	if _, err := lowerstore.ReadFull(handle, raw, 0); err != nil {
		return manifest{}, fmt.Errorf("reading volume manifest: %w", err)
	}

	var m manifest
	if err := codec.Unmarshal(raw, &m); err != nil {
		return manifest{}, fmt.Errorf("decoding volume manifest: %w", err)
	}
	if !compress.Algorithm(m.Algorithm).Valid() {
		return manifest{}, fmt.Errorf("volume manifest names unknown algorithm %d", m.Algorithm)
	}
	return m, nil
}

func writeManifest(store lowerstore.Store, opts Options) error {
	raw, err := codec.Marshal(manifest{
		Version:     manifestVersion,
		ClusterSize: opts.ClusterSize,
		Algorithm:   uint32(opts.Algorithm),
		Threshold:   opts.Threshold,
	})
	if err != nil {
		return fmt.Errorf("encoding volume manifest: %w", err)
	}

	handle, err := store.Open(ManifestName)
	if err != nil {
		return fmt.Errorf("opening volume manifest: %w", err)
	}
	defer handle.Close()

	if _, err := lowerstore.WriteFull(handle, raw, 0); err != nil {
		return fmt.Errorf("writing volume manifest: %w", err)
	}
	if err := handle.Truncate(int64(len(raw))); err != nil {
		return fmt.Errorf("trimming volume manifest: %w", err)
	}
	return handle.Sync()
}
