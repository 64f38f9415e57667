// Package song defines the Song: immutable metadata, the playback clock of a
// queued song, and delegation of preparation to the owning backend.
package song

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid is returned when song metadata fails validation.
var ErrInvalid = errors.New("invalid song")

// AlbumArt holds low and high quality album art references.
type AlbumArt struct {
	LQ string `json:"lq,omitempty"`
	HQ string `json:"hq,omitempty"`
}

// Metadata is what a backend knows about a song before it is queued.
type Metadata struct {
	Backend  string   `json:"backendName"`
	SongID   string   `json:"songID"`
	Title    string   `json:"title"`
	Artist   string   `json:"artist,omitempty"`
	Album    string   `json:"album,omitempty"`
	AlbumArt AlbumArt `json:"albumArt"`
	Duration int64    `json:"duration"` // milliseconds
	Format   string   `json:"format"`
	Score    float64  `json:"score"`
}

// Validate checks the fields required for a song to enter the queue.
func (m Metadata) Validate() error {
	switch {
	case m.SongID == "":
		return fmt.Errorf("%w: empty songID", ErrInvalid)
	case m.Title == "":
		return fmt.Errorf("%w: empty title", ErrInvalid)
	case m.Format == "":
		return fmt.Errorf("%w: empty format", ErrInvalid)
	case m.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive, got %d", ErrInvalid, m.Duration)
	case math.IsNaN(m.Score) || math.IsInf(m.Score, 0):
		return fmt.Errorf("%w: score must be a finite number", ErrInvalid)
	}
	return nil
}

// Progress is one preparation notification. A notification with Done or
// Err set is the last one for that preparation attempt.
type Progress struct {
	BytesWritten int64
	Done         bool
	Err          error
}

// ProgressFunc receives preparation notifications in write order.
type ProgressFunc func(Progress)

// Handle is an in-flight (or already finished) preparation.
type Handle interface {
	Cancel()
	Done() <-chan struct{}
	Err() error
}

// Preparer is the part of a backend a Song delegates to.
type Preparer interface {
	Name() string
	Prepare(ctx context.Context, s *Song, fn ProgressFunc) Handle
	IsPrepared(s *Song) bool
	IsPreparing(s *Song) bool
	CancelPrepare(s *Song)
}

// Song is one queued, playable audio item. Playback state is owned by the
// control loop and must not be touched from other goroutines.
type Song struct {
	Metadata
	UUID string

	backend  Preparer
	playback Playback
}

// Playback is the playback clock. StartTime is set while audio flows and
// zero otherwise; StartPos is the position StartTime corresponds to.
type Playback struct {
	StartTime time.Time
	StartPos  time.Duration
}

// New validates md and creates a Song with a fresh uuid.
func New(md Metadata, b Preparer) (*Song, error) {
	if err := md.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: no backend", ErrInvalid)
	}
	md.Backend = b.Name()
	return &Song{
		Metadata: md,
		UUID:     uuid.NewString(),
		backend:  b,
	}, nil
}

// Backend returns the backend that owns the song.
func (s *Song) Backend() Preparer {
	return s.backend
}

// Length returns the song duration.
func (s *Song) Length() time.Duration {
	return time.Duration(s.Duration) * time.Millisecond
}

// Playback returns a copy of the playback clock.
func (s *Song) Playback() Playback {
	return s.playback
}

// Playing reports whether the playback clock is running.
func (s *Song) Playing() bool {
	return !s.playback.StartTime.IsZero()
}

// Position returns the current playback position at now.
func (s *Song) Position(now time.Time) time.Duration {
	if s.playback.StartTime.IsZero() {
		return s.playback.StartPos
	}
	return s.playback.StartPos + now.Sub(s.playback.StartTime)
}

// Remaining returns how much of the song is left at now, never negative.
func (s *Song) Remaining(now time.Time) time.Duration {
	left := s.Length() - s.Position(now)
	if left < 0 {
		return 0
	}
	return left
}

// PlaybackStarted starts the clock at pos.
func (s *Song) PlaybackStarted(now time.Time, pos time.Duration) {
	s.playback = Playback{StartTime: now, StartPos: pos}
}

// Pause snapshots the elapsed position and stops the clock.
func (s *Song) Pause(now time.Time) {
	s.playback = Playback{StartPos: s.Position(now)}
}

// Seek sets the position while the clock is stopped.
func (s *Song) Seek(pos time.Duration) {
	s.playback = Playback{StartPos: pos}
}

// ResetPlayback rewinds the song to the beginning.
func (s *Song) ResetPlayback() {
	s.playback = Playback{}
}

// Prepare asks the backend to make the song playable.
func (s *Song) Prepare(ctx context.Context, fn ProgressFunc) Handle {
	return s.backend.Prepare(ctx, s, fn)
}

// IsPrepared reports whether the song is fully available on disk.
func (s *Song) IsPrepared() bool {
	return s.backend.IsPrepared(s)
}

// IsPreparing reports whether an encode for the song is in flight.
func (s *Song) IsPreparing() bool {
	return s.backend.IsPreparing(s)
}

// CancelPrepare cancels an in-flight preparation; no-op otherwise.
func (s *Song) CancelPrepare() {
	s.backend.CancelPrepare(s)
}

// Serialized is the wire and storage form of a queued song.
type Serialized struct {
	Metadata
	UUID      string `json:"uuid"`
	Position  int64  `json:"position"`            // milliseconds
	StartTime int64  `json:"startTime,omitempty"` // unix milliseconds
	Prepared  bool   `json:"prepared"`
}

// Serialize returns the wire form of the song at now.
func (s *Song) Serialize(now time.Time) Serialized {
	out := Serialized{
		Metadata: s.Metadata,
		UUID:     s.UUID,
		Position: s.Position(now).Milliseconds(),
		Prepared: s.IsPrepared(),
	}
	if !s.playback.StartTime.IsZero() {
		out.StartTime = s.playback.StartTime.UnixMilli()
	}
	return out
}
