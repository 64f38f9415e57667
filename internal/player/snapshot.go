package player

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"

	"jukebox/internal/backend"
	"jukebox/internal/song"
)

// Snapshot is the serializable player state.
type Snapshot struct {
	Queue      []song.Serialized `json:"queue"`
	NowPlaying int               `json:"nowPlaying"` // index into Queue, -1 when none
	State      string            `json:"state"`
	Volume     float64           `json:"volume"`
	Shuffled   bool              `json:"shuffled"`
	Repeat     bool              `json:"repeat"`
}

// SerializeQueue converts queued songs to their wire form and returns the
// index of nowPlaying among them, or -1.
func SerializeQueue(songs []*song.Song, nowPlaying *song.Song, now time.Time) ([]song.Serialized, int) {
	out := lo.Map(songs, func(s *song.Song, _ int) song.Serialized { return s.Serialize(now) })
	idx := -1
	if nowPlaying != nil {
		idx = lo.IndexOf(songs, nowPlaying)
	}
	return out, idx
}

// Snapshot returns the current player state.
func (p *Player) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := p.loop.Do(ctx, func() error {
		snap = p.snapshot()
		return nil
	})
	return snap, err
}

func (p *Player) snapshot() Snapshot {
	q, idx := SerializeQueue(p.queue.Songs(), p.nowPlaying, p.clock.Now())
	return Snapshot{
		Queue:      q,
		NowPlaying: idx,
		State:      p.state.String(),
		Volume:     p.volume,
		Shuffled:   p.queue.Shuffled(),
		Repeat:     p.opts.Repeat,
	}
}

// Results maps a backend name to its search results.
type Results map[string]backend.SearchResults

// Search queries every backend concurrently. Backends that fail are logged
// and left out of the results.
func (p *Player) Search(ctx context.Context, query string) (Results, error) {
	var list []backend.Backend
	if err := p.loop.Do(ctx, func() error {
		list = lo.Values(p.backends)
		return nil
	}); err != nil {
		return nil, err
	}

	results := make(Results, len(list))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, b := range list {
		wg.Add(1)
		go func(b backend.Backend) {
			defer wg.Done()

			res, err := b.Search(ctx, query)
			if err != nil {
				if errors.Is(err, backend.ErrNotImplemented) {
					p.logger.Error("backend %s: %v", b.Name(), err)
				} else {
					p.logger.Warn("search on %s failed: %v", b.Name(), err)
				}
				return
			}

			mu.Lock()
			results[b.Name()] = res
			mu.Unlock()
		}(b)
	}

	wg.Wait()
	return results, nil
}
