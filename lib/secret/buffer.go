// Copyright 2026 The Garrison Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data such
// as orchestrator client keys and secret values in flight.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped.
//
// Because the memory is allocated outside the Go heap, the garbage
// collector never sees it and cannot copy or relocate it. This is the
// only way to guarantee that credential material does not persist in
// memory after the transport call that needed it has finished.
package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive data in memory that is locked against
// swapping, excluded from core dumps, and zeroed on close. The backing
// memory is allocated via mmap outside the Go heap.
//
// A Buffer must not be copied after creation. Use Close to release the
// memory when the secret is no longer needed. After Close, any access
// to the buffer's contents will panic.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	closed bool
}

// New allocates a protected buffer of the given size. The caller must
// call Close when the secret is no longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}

	protect := func(name string, err error) error {
		unix.Munlock(region)
		unix.Munmap(region)
		return fmt.Errorf("secret: %s: %w", name, err)
	}
	if err := unix.Mlock(region); err != nil {
		return nil, protect("mlock", err)
	}
	// MADV_DONTDUMP is not available on every kernel; a buffer that
	// could leak into a core dump is not a protected buffer, so this
	// is fatal rather than advisory.
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		return nil, protect("madvise(MADV_DONTDUMP)", err)
	}

	return &Buffer{region: region}, nil
}

// NewFromBytes copies source into a new protected buffer and zeros the
// source in place, so the caller's slice no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	clear(source)
	return buffer, nil
}

// Bytes returns the secret data. The returned slice points directly
// into the mmap region; do not hold references to it beyond the
// lifetime of the Buffer. Panics if the buffer has been closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustBeOpen()
	return b.region
}

// String returns the secret data as a string. The returned string is a
// heap-allocated copy (Go strings are immutable), so use it only at
// API boundaries that require string arguments; prefer Bytes.
//
// Panics if the buffer has been closed.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustBeOpen()
	return string(b.region)
}

// Len returns the size of the secret data.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.region)
}

func (b *Buffer) mustBeOpen() {
	if b.closed {
		panic("secret: access to closed buffer")
	}
}

// Close zeros the buffer contents, then unlocks and unmaps the memory.
// Close is idempotent; after it returns, any access to the buffer's
// contents panics.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	clear(b.region)

	// The mapping is released by the kernel at process exit anyway,
	// so failures here are reported but not recoverable.
	var errs []error
	if err := unix.Munlock(b.region); err != nil {
		errs = append(errs, fmt.Errorf("secret: munlock: %w", err))
	}
	if err := unix.Munmap(b.region); err != nil {
		errs = append(errs, fmt.Errorf("secret: munmap: %w", err))
	}
	b.region = nil
	return errors.Join(errs...)
}
