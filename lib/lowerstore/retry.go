// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package lowerstore

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxRetry bounds the number of incomplete iterations ReadFull and
// WriteFull tolerate before giving up. Transient interruptions
// (EINTR, EAGAIN) and short transfers both consume the budget, so a
// wedged device cannot stall a caller forever.
const MaxRetry = 10

// ErrRetryExhausted is returned when a transfer has not completed
// within MaxRetry iterations.
var ErrRetryExhausted = errors.New("i/o retry budget exhausted")

// transient reports whether an I/O error is worth retrying.
func transient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

// ReadFull reads exactly len(p) bytes from h starting at off,
// retrying short and transiently-failed reads from the current
// progress point. A non-transient error aborts immediately; running
// out of budget returns ErrRetryExhausted. Either way the returned
// count is the number of bytes actually read.
func ReadFull(h Handle, p []byte, off int64) (int, error) {
	total := 0
	for retries := 0; total < len(p); {
		n, err := h.ReadAt(p[total:], off+int64(total))
		if err != nil && !transient(err) {
			return total + n, err
		}
		total += n
		if total >= len(p) {
			break
		}
		retries++
		if retries >= MaxRetry {
			return total, fmt.Errorf("reading %d bytes at offset %d: %w", len(p), off, ErrRetryExhausted)
		}
	}
	return total, nil
}

// WriteFull writes all of p to h starting at off, with the same
// retry contract as ReadFull.
func WriteFull(h Handle, p []byte, off int64) (int, error) {
	total := 0
	for retries := 0; total < len(p); {
		n, err := h.WriteAt(p[total:], off+int64(total))
		if err != nil && !transient(err) {
			return total + n, err
		}
		total += n
		if total >= len(p) {
			break
		}
		retries++
		if retries >= MaxRetry {
			return total, fmt.Errorf("writing %d bytes at offset %d: %w", len(p), off, ErrRetryExhausted)
		}
	}
	return total, nil
}
