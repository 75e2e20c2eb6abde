// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/bureau-foundation/compactfs/lib/clusterfile"
)

// errno translates a core error into the errno the kernel reports to
// the calling process. io.EOF is not an error at this boundary;
// callers handle short reads before mapping.
func errno(err error) syscall.Errno {
	switch {
	case err == nil || err == io.EOF:
		return 0
	case errors.Is(err, clusterfile.ErrOutOfRange):
		return syscall.ERANGE
	case errors.Is(err, clusterfile.ErrOutOfSpace):
		return syscall.ENOSPC
	case errors.Is(err, clusterfile.ErrResourceUnavailable):
		return syscall.EAGAIN
	case errors.Is(err, clusterfile.ErrAppendOnly):
		return syscall.EOPNOTSUPP
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	default:
		// ErrCorruptData, ErrIO, ErrInternal, and anything
		// unexpected: the kernel has no finer-grained signal than
		// an I/O failure.
		return syscall.EIO
	}
}
