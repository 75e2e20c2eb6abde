// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clusterfile

import "errors"

// The error taxonomy for cluster file operations. Callers translate
// these into their own error surfaces (the FUSE layer maps them to
// errnos); wrapping preserves errors.Is matching throughout.
var (
	// ErrOutOfRange reports an access beyond the last cluster of a
	// file, or an argument outside the supported range.
	ErrOutOfRange = errors.New("access out of range")

	// ErrCorruptData reports on-disk state that violates the
	// format: bad magic, impossible record sizes, decompression
	// mismatches.
	ErrCorruptData = errors.New("corrupt cluster data")

	// ErrIO reports a failed transfer to or from the lower file,
	// including an exhausted retry budget.
	ErrIO = errors.New("lower file i/o failure")

	// ErrResourceUnavailable reports a transient allocation
	// failure: staging buffers or codec handles. The operation can
	// be retried once resources free up.
	ErrResourceUnavailable = errors.New("resource temporarily unavailable")

	// ErrOutOfSpace reports that the lower storage lacks room for
	// buffered data plus the metadata needed to flush it.
	ErrOutOfSpace = errors.New("insufficient space on lower storage")

	// ErrInternal reports a broken invariant in per-file state.
	ErrInternal = errors.New("internal state violation")

	// ErrAppendOnly reports a write at any offset other than the
	// current end of file.
	ErrAppendOnly = errors.New("write is not an append")
)
