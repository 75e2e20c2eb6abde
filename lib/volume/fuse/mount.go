// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse exposes a compactfs volume as a mounted filesystem.
// The mount is a flat read-write namespace over the volume's logical
// files: reads see decompressed content, writes stream through the
// volume's cluster staging, and a release flushes metadata. The
// kernel page cache the original in-kernel design leaned on is
// approximated with a decompressed-cluster LRU.
package fuse

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/orca-zhang/ecache"

	"github.com/bureau-foundation/compactfs/lib/volume"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
)

// DefaultCacheClusters is the decompressed-cluster LRU capacity used
// when none is configured.
const DefaultCacheClusters = 256

// DefaultCacheTTL is the cluster LRU entry lifetime used when none
// is configured.
const DefaultCacheTTL = 30 * time.Second

// cacheBuckets is the LRU shard count. Entries spread across shards
// by key hash; each shard holds capacity/cacheBuckets entries.
const cacheBuckets = 16

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	// Created if it does not exist.
	Mountpoint string

	// Volume is the compactfs volume to expose.
	Volume *volume.Volume

	// CacheClusters bounds the decompressed-cluster LRU. Zero uses
	// DefaultCacheClusters; negative disables the cache.
	CacheClusters int

	// CacheTTL is the lifetime of a cached cluster. Zero uses
	// DefaultCacheTTL.
	CacheTTL time.Duration

	// AllowOther permits other users (including root) to access
	// the mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, an error-level
	// stderr logger is used.
	Logger *slog.Logger
}

// Mount mounts the volume at the configured mountpoint. The caller
// must call Unmount on the returned Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Volume == nil {
		return nil, fmt.Errorf("volume is required")
	}
	if options.CacheClusters == 0 {
		options.CacheClusters = DefaultCacheClusters
	}
	if options.CacheTTL == 0 {
		options.CacheTTL = DefaultCacheTTL
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	var cache *ecache.Cache
	if options.CacheClusters > 0 {
		perBucket := options.CacheClusters / cacheBuckets
		if perBucket < 1 {
			perBucket = 1
		}
		cache = ecache.NewLRUCache(cacheBuckets, uint16(perBucket), options.CacheTTL)
	}

	root := &rootNode{options: &options, cache: cache}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "compactfs",
			Name:       "compactfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("compactfs mounted",
		"mountpoint", options.Mountpoint,
		"cluster_size", options.Volume.Options().ClusterSize,
	)
	return server, nil
}
