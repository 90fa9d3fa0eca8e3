// Package assemble writes decrypted chunks into their final byte positions
// regardless of completion order. The destination is sized up front, so an
// out-of-order write never grows the file mid-flight, and the resulting
// byte layout depends only on chunk offsets, never on arrival time.
package assemble

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrFinalized is returned for writes after Finalize or Discard.
	ErrFinalized = errors.New("assemble: file already finalized")
	// ErrChunkOutOfBounds is returned when a write would exceed the
	// preallocated size.
	ErrChunkOutOfBounds = errors.New("assemble: chunk outside preallocated file")
)

// Assembler owns one job's destination file. Writes from concurrent pool
// workers are serialized behind its mutex; different jobs hold different
// assemblers and proceed independently.
type Assembler struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	size      int64
	total     int
	completed map[int]struct{}
	closed    bool
}

// Create opens the destination path and preallocates it to size bytes.
func Create(path string, size int64, totalChunks int) (*Assembler, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create destination file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("preallocate destination file: %w", err)
	}

	return &Assembler{
		file:      f,
		path:      path,
		size:      size,
		total:     totalChunks,
		completed: make(map[int]struct{}, totalChunks),
	}, nil
}

// Path returns the destination file path.
func (a *Assembler) Path() string {
	return a.path
}

// WriteChunk writes plaintext at the chunk's byte offset and marks its index
// complete.
func (a *Assembler) WriteChunk(index int, offset int64, plaintext []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrFinalized
	}
	if offset < 0 || offset+int64(len(plaintext)) > a.size {
		return fmt.Errorf("%w: chunk %d at %d+%d exceeds %d", ErrChunkOutOfBounds, index, offset, len(plaintext), a.size)
	}

	if _, err := a.file.WriteAt(plaintext, offset); err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	a.completed[index] = struct{}{}
	return nil
}

// CompletedCount returns how many distinct chunk indices have landed.
func (a *Assembler) CompletedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.completed)
}

// IsComplete reports whether every chunk index has been written.
func (a *Assembler) IsComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.completed) == a.total
}

// Finalize flushes and closes the destination file, leaving it in place.
func (a *Assembler) Finalize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrFinalized
	}
	a.closed = true

	if err := a.file.Sync(); err != nil {
		a.file.Close()
		return fmt.Errorf("sync destination file: %w", err)
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close destination file: %w", err)
	}
	return nil
}

// Discard closes and removes the partially written file, so an aborted or
// failed job never leaves a plausible-looking but truncated artifact.
func (a *Assembler) Discard() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.file.Close()

	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return nil
}
