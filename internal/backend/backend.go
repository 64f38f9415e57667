// Package backend holds the Backend capability and the transcode pipeline
// every content source shares: one encode per song id, a growing in-memory
// buffer readable while the encode runs, and an atomic rename into the cache.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jukebox/internal/buffer"
	"jukebox/internal/song"
)

var (
	// ErrCanceled resolves a preparation stopped by CancelPrepare. It is not
	// a content-source failure.
	ErrCanceled = errors.New("preparation canceled")
	// ErrBufferFull fails a preparation whose output exceeds the buffer cap.
	ErrBufferFull = buffer.ErrFull
	// ErrNotImplemented is returned by backends lacking a capability method.
	// Callers treat it as an integration error.
	ErrNotImplemented = errors.New("not implemented by backend")
)

// SearchResults maps a backend song id to its metadata.
type SearchResults map[string]song.Metadata

// Backend is a content source able to prepare and search songs.
type Backend interface {
	song.Preparer
	Search(ctx context.Context, query string) (SearchResults, error)
	Duration(ctx context.Context, s *song.Song) (time.Duration, error)
}

// Unimplemented can be embedded by backends that do not support every
// capability method. Its methods fail loudly.
type Unimplemented struct{}

func (Unimplemented) Search(ctx context.Context, query string) (SearchResults, error) {
	return nil, fmt.Errorf("search: %w", ErrNotImplemented)
}

func (Unimplemented) Duration(ctx context.Context, s *song.Song) (time.Duration, error) {
	return 0, fmt.Errorf("duration: %w", ErrNotImplemented)
}

// State is the preparation state of a song as seen by its backend.
type State int

const (
	Absent State = iota
	Preparing
	Prepared
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Prepared:
		return "prepared"
	default:
		return "absent"
	}
}
