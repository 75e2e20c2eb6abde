// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

// Package pagepool provides a bounded pool of fixed-size, page-aligned
// byte buffers allocated outside the Go heap.
//
// Buffers are mmap'd anonymous memory, so large staging and scratch
// areas do not inflate garbage collector scan time. The pool is
// bounded: once the configured number of buffers is checked out, Get
// fails with [ErrPoolExhausted] instead of blocking or growing. The
// caller is expected to treat exhaustion as a transient condition and
// back off.
package pagepool

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrPoolExhausted is returned by Get when the configured maximum
// number of buffers is already checked out.
var ErrPoolExhausted = errors.New("buffer pool exhausted")

// Pool hands out fixed-size page-aligned buffers. Safe for concurrent
// use.
type Pool struct {
	bufSize   int
	allocSize int // bufSize rounded up to a whole number of pages
	max       int

	mu          sync.Mutex
	free        [][]byte
	mappings    map[*byte][]byte // full mmap region per buffer, keyed by first byte
	outstanding int
	closed      bool
}

// New creates a pool of maxBuffers buffers of bufSize bytes each.
// Buffers are allocated lazily on first Get and recycled on Put.
func New(bufSize, maxBuffers int) (*Pool, error) {
	if bufSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", bufSize)
	}
	if maxBuffers <= 0 {
		return nil, fmt.Errorf("buffer count must be positive, got %d", maxBuffers)
	}

	pageSize := os.Getpagesize()
	allocSize := (bufSize + pageSize - 1) / pageSize * pageSize

	return &Pool{
		bufSize:   bufSize,
		allocSize: allocSize,
		max:       maxBuffers,
		mappings:  make(map[*byte][]byte),
	}, nil
}

// BufferSize returns the length of the buffers handed out by Get.
func (p *Pool) BufferSize() int {
	return p.bufSize
}

// Get returns a zero-filled buffer of BufferSize bytes. It fails with
// [ErrPoolExhausted] when the pool's maximum is checked out; the
// caller should release a buffer or retry later.
func (p *Pool) Get() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("pool is closed")
	}
	if p.outstanding >= p.max {
		return nil, fmt.Errorf("%w: %d buffers of %d bytes in use", ErrPoolExhausted, p.outstanding, p.bufSize)
	}

	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		p.outstanding++
		return buf, nil
	}

	// Allocate off-heap so the GC never scans buffer contents.
	region, err := unix.Mmap(-1, 0, p.allocSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d bytes: %w", p.allocSize, err)
	}

	buf := region[:p.bufSize:p.bufSize]
	p.mappings[&buf[0]] = region
	p.outstanding++
	return buf, nil
}

// Put returns a buffer obtained from Get to the pool. The buffer is
// zeroed before it becomes available again. Put panics if the buffer
// did not come from this pool.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}

	clear(buf)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.mappings[&buf[0]]; !ok {
		panic("pagepool: Put of a buffer not obtained from this pool")
	}
	if p.outstanding == 0 {
		panic("pagepool: Put without a matching Get")
	}

	p.outstanding--
	if p.closed {
		// Close already ran; unmap stragglers directly.
		region := p.mappings[&buf[0]]
		delete(p.mappings, &buf[0])
		p.mu.Unlock()
		if err := unix.Munmap(region); err != nil {
			panic(fmt.Sprintf("pagepool: munmap: %v", err))
		}
		p.mu.Lock()
		return
	}
	p.free = append(p.free, buf)
}

// Close unmaps all recycled buffers. Buffers still checked out are
// unmapped when they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var regions [][]byte
	for _, buf := range p.free {
		regions = append(regions, p.mappings[&buf[0]])
		delete(p.mappings, &buf[0])
	}
	p.free = nil
	p.mu.Unlock()

	// Unmap outside the lock.
	var firstErr error
	for _, region := range regions {
		if err := unix.Munmap(region); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmapping pool buffer: %w", err)
		}
	}
	return firstErr
}

// numFree reports the recycled-buffer count. Test helper.
func (p *Pool) numFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
