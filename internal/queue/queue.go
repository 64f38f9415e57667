// Package queue holds the ordered list of songs waiting to be played.
// A Queue is owned by the control loop and is not safe for concurrent use.
package queue

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/samber/lo"

	"jukebox/internal/song"
)

var (
	// ErrNotFound is returned when a uuid does not identify a queued song.
	ErrNotFound = errors.New("song not found in queue")
	// ErrDuplicate is returned when an inserted uuid is already queued.
	ErrDuplicate = errors.New("song already queued")
)

// Queue is an ordered sequence of songs addressed by uuid. Insertion order
// is playback order.
type Queue struct {
	songs []*song.Song

	// order before the current shuffle session, nil when not shuffled
	unshuffled []*song.Song
	shuffle    func(n int, swap func(i, j int))
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{shuffle: rand.Shuffle}
}

// Len returns the number of queued songs.
func (q *Queue) Len() int {
	return len(q.songs)
}

// Songs returns a copy of the queued songs in playback order.
func (q *Queue) Songs() []*song.Song {
	return append([]*song.Song(nil), q.songs...)
}

// At returns the song at index i, or nil when out of range.
func (q *Queue) At(i int) *song.Song {
	if i < 0 || i >= len(q.songs) {
		return nil
	}
	return q.songs[i]
}

// IndexOf returns the index of the song with the given uuid, or -1.
func (q *Queue) IndexOf(uuid string) int {
	_, i, ok := lo.FindIndexOf(q.songs, func(s *song.Song) bool { return s.UUID == uuid })
	if !ok {
		return -1
	}
	return i
}

// Find returns the song with the given uuid.
func (q *Queue) Find(uuid string) (*song.Song, error) {
	i := q.IndexOf(uuid)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return q.songs[i], nil
}

// Insert puts songs right after the song identified by after, or at the
// head when after is empty. Nothing changes on error.
func (q *Queue) Insert(after string, songs []*song.Song) error {
	pos := 0
	if after != "" {
		i := q.IndexOf(after)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, after)
		}
		pos = i + 1
	}

	seen := make(map[string]bool, len(songs))
	for _, s := range songs {
		if seen[s.UUID] || q.IndexOf(s.UUID) >= 0 {
			return fmt.Errorf("%w: %s", ErrDuplicate, s.UUID)
		}
		seen[s.UUID] = true
	}

	q.songs = append(q.songs[:pos], append(append([]*song.Song(nil), songs...), q.songs[pos:]...)...)
	return nil
}

// Append adds songs at the tail.
func (q *Queue) Append(songs ...*song.Song) error {
	if len(q.songs) == 0 {
		return q.Insert("", songs)
	}
	return q.Insert(q.songs[len(q.songs)-1].UUID, songs)
}

// Remove splices out count songs starting at the song identified by at,
// canceling the preparation of each removed song first. It returns the
// removed songs and the index they were removed from.
func (q *Queue) Remove(at string, count int) ([]*song.Song, int, error) {
	i := q.IndexOf(at)
	if i < 0 {
		return nil, -1, fmt.Errorf("%w: %s", ErrNotFound, at)
	}
	if count < 1 {
		count = 1
	}
	end := min(i+count, len(q.songs))

	removed := append([]*song.Song(nil), q.songs[i:end]...)
	for _, s := range removed {
		s.CancelPrepare()
	}

	q.songs = append(q.songs[:i], q.songs[end:]...)
	return removed, i, nil
}

// Shuffled reports whether a shuffle session is active.
func (q *Queue) Shuffled() bool {
	return q.unshuffled != nil
}

// Shuffle toggles shuffling. The first call randomizes the order keeping
// pinned (the now-playing song, may be nil) at its index; the next call
// restores the order from before the first, with songs removed in between
// left out and songs added in between appended.
func (q *Queue) Shuffle(pinned *song.Song) {
	if q.unshuffled != nil {
		q.restore()
		return
	}

	q.unshuffled = q.Songs()
	pin := -1
	if pinned != nil {
		pin = q.IndexOf(pinned.UUID)
	}

	rest := lo.Filter(q.songs, func(s *song.Song, i int) bool { return i != pin })
	q.shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	if pin >= 0 {
		rest = append(rest[:pin], append([]*song.Song{pinned}, rest[pin:]...)...)
	}
	q.songs = rest
}

func (q *Queue) restore() {
	present := make(map[string]bool, len(q.songs))
	for _, s := range q.songs {
		present[s.UUID] = true
	}
	known := make(map[string]bool, len(q.unshuffled))
	for _, s := range q.unshuffled {
		known[s.UUID] = true
	}

	order := lo.Filter(q.unshuffled, func(s *song.Song, _ int) bool { return present[s.UUID] })
	added := lo.Filter(q.songs, func(s *song.Song, _ int) bool { return !known[s.UUID] })

	q.songs = append(order, added...)
	q.unshuffled = nil
}
