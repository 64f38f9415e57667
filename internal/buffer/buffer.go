// Package buffer implements the growing in-memory buffer a song is encoded
// into. One writer appends; any number of readers copy out ranges by index
// and wait on Changed for more data.
package buffer

import (
	"errors"
	"sync"
)

var (
	// ErrFull is returned by Append when the buffer would exceed its cap.
	ErrFull = errors.New("buffer size limit reached")
	// ErrClosed is returned by Append after Finish or Fail.
	ErrClosed = errors.New("buffer closed")
)

// Buffer is an append-only byte buffer with a write cursor. Capacity starts
// at the initial size and doubles on overflow, never shrinking.
type Buffer struct {
	mu      sync.RWMutex
	data    []byte
	n       int
	max     int
	done    bool
	err     error
	changed chan struct{}
}

// New creates a buffer with the given initial capacity and hard cap in bytes.
func New(initial, max int) *Buffer {
	if initial < 1 {
		initial = 1
	}
	if max < initial {
		max = initial
	}
	return &Buffer{
		data:    make([]byte, initial),
		max:     max,
		changed: make(chan struct{}),
	}
}

// Append copies p after the write cursor, growing the buffer if needed.
func (b *Buffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done || b.err != nil {
		return ErrClosed
	}

	need := b.n + len(p)
	if need > b.max {
		return ErrFull
	}
	if need > len(b.data) {
		size := len(b.data)
		for size < need {
			size *= 2
		}
		if size > b.max {
			size = b.max
		}
		grown := make([]byte, size)
		copy(grown, b.data[:b.n])
		b.data = grown
	}

	copy(b.data[b.n:], p)
	b.n = need
	b.broadcast()
	return nil
}

// Finish marks the buffer complete. Readers see done=true.
func (b *Buffer) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || b.err != nil {
		return
	}
	b.done = true
	b.broadcast()
}

// Fail marks the buffer failed with err. Readers see the error.
func (b *Buffer) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || b.err != nil {
		return
	}
	b.err = err
	b.broadcast()
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(b.n)
}

// Cap returns the currently allocated capacity.
func (b *Buffer) Cap() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// State returns bytes written, whether the writer finished, and the failure if any.
func (b *Buffer) State() (n int64, done bool, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(b.n), b.done, b.err
}

// Slice returns a copy of the written bytes in [from, to). to is clamped to
// the write cursor; an empty result means nothing is available yet.
func (b *Buffer) Slice(from, to int64) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if to > int64(b.n) {
		to = int64(b.n)
	}
	if from < 0 || from >= to {
		return nil
	}
	out := make([]byte, to-from)
	copy(out, b.data[from:to])
	return out
}

// Changed returns a channel closed on the next append, Finish or Fail.
// Fetch a fresh channel after every wakeup.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

func (b *Buffer) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}
