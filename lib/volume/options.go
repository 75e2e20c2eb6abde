// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"fmt"

	"github.com/bureau-foundation/compactfs/lib/clusterfile"
	"github.com/bureau-foundation/compactfs/lib/compress"
)

// DefaultPoolBuffers is the staging-buffer pool size used when none
// is configured. Each open file with buffered writes holds two
// buffers; reads borrow one transiently.
const DefaultPoolBuffers = 32

// Options configure a Volume. The mount layer parses user-facing
// option text and hands the volume a validated struct; the volume
// itself never parses text.
type Options struct {
	// ClusterSize is the compression unit in bytes: a power of two
	// in [clusterfile.MinClusterSize, clusterfile.MaxClusterSize].
	// Immutable once a volume has been created.
	ClusterSize uint32

	// Threshold is the compression admission percentage in
	// [0, 100]: a compressed cluster is kept only when its size is
	// strictly below original × Threshold / 100.
	Threshold uint32

	// Algorithm is the codec for newly written files.
	Algorithm compress.Algorithm

	// Compress false stores every cluster raw (the nocompress
	// mount option).
	Compress bool

	// PoolBuffers bounds the number of staging buffers the volume
	// may hold at once. Zero uses DefaultPoolBuffers.
	PoolBuffers int
}

// DefaultOptions returns the volume defaults: 16 KiB clusters, LZ4,
// 75% threshold, compression on.
func DefaultOptions() Options {
	return Options{
		ClusterSize: clusterfile.DefaultClusterSize,
		Threshold:   clusterfile.DefaultThreshold,
		Algorithm:   compress.LZ4,
		Compress:    true,
		PoolBuffers: DefaultPoolBuffers,
	}
}

// Validate checks the options for internal consistency.
func (o Options) Validate() error {
	if o.ClusterSize < clusterfile.MinClusterSize || o.ClusterSize > clusterfile.MaxClusterSize ||
		o.ClusterSize&(o.ClusterSize-1) != 0 {
		return fmt.Errorf("cluster size %d: want a power of two in [%d, %d]",
			o.ClusterSize, clusterfile.MinClusterSize, clusterfile.MaxClusterSize)
	}
	if o.Threshold > 100 {
		return fmt.Errorf("compression threshold %d%% outside [0, 100]", o.Threshold)
	}
	if !o.Algorithm.Valid() {
		return fmt.Errorf("invalid compression algorithm %d", uint32(o.Algorithm))
	}
	if o.PoolBuffers < 0 {
		return fmt.Errorf("pool buffer count %d must not be negative", o.PoolBuffers)
	}
	return nil
}
