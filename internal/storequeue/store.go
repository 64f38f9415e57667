// Package storequeue persists the queue to SQLite so it survives a restart.
// It only listens to hooks; the player does not know it exists.
package storequeue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"

	"jukebox/internal/hooks"
	"jukebox/internal/logger"
	"jukebox/internal/player"
	"jukebox/internal/song"
)

// Snapshot is the stored queue.
type Snapshot struct {
	Queue      []song.Serialized `json:"queue"`
	NowPlaying int               `json:"nowPlaying"`
}

// Store writes queue snapshots in the background. Only the most recent
// snapshot is kept when writes fall behind.
type Store struct {
	db     *sql.DB
	logger *logger.Logger

	mu      sync.Mutex
	pending *Snapshot
	wake    chan struct{}

	// last queue seen, touched only by hook handlers on the control loop
	queue      []*song.Song
	nowPlaying *song.Song
}

// Open opens (or creates) the database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.New(false)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure queue store: %w", err)
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshot (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		body       TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.Named("storequeue"),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Close closes the database. Call Flush first to keep pending changes.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes snap, replacing the stored one.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshot (id, body, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body=excluded.body,
			updated_at=excluded.updated_at`,
		string(body), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot. ok is false when nothing was stored.
func (s *Store) Load(ctx context.Context) (snap Snapshot, ok bool, err error) {
	var body string
	err = s.db.QueryRowContext(ctx, `SELECT body FROM snapshot WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{NowPlaying: -1}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Attach records a snapshot on every queue change, playback start and stop.
// The handlers only hand the snapshot to the writer started by Run.
func (s *Store) Attach(bus *hooks.Bus, clk clock.Clock) {
	if clk == nil {
		clk = clock.New()
	}
	hooks.On(bus, func(e hooks.QueueModifyEvent) error {
		s.queue, s.nowPlaying = e.Queue, e.NowPlaying
		s.offer(s.snapshot(clk.Now()))
		return nil
	})
	hooks.On(bus, func(e hooks.StartPlaybackEvent) error {
		s.nowPlaying = e.Song
		s.offer(s.snapshot(clk.Now()))
		return nil
	})
	hooks.On(bus, func(e hooks.StopPlaybackEvent) error {
		if !e.Pause {
			s.nowPlaying = nil
		}
		s.offer(s.snapshot(clk.Now()))
		return nil
	})
}

func (s *Store) snapshot(now time.Time) Snapshot {
	q, idx := player.SerializeQueue(s.queue, s.nowPlaying, now)
	return Snapshot{Queue: q, NowPlaying: idx}
}

func (s *Store) offer(snap Snapshot) {
	s.mu.Lock()
	s.pending = &snap
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) take() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.pending
	s.pending = nil
	return snap
}

// Run writes offered snapshots until ctx is canceled.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		if snap := s.take(); snap != nil {
			if err := s.Save(ctx, *snap); err != nil && ctx.Err() == nil {
				s.logger.Warn("%v", err)
			}
		}
	}
}

// Flush writes the pending snapshot, if any.
func (s *Store) Flush(ctx context.Context) error {
	snap := s.take()
	if snap == nil {
		return nil
	}
	return s.Save(ctx, *snap)
}

// Capture saves the queue of p as it is now, dropping any pending snapshot.
// Positions are taken at the moment of the call, so it is meant to run
// after playback stopped.
func (s *Store) Capture(ctx context.Context, p *player.Player) error {
	cur, err := p.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.take()
	return s.Save(ctx, Snapshot{Queue: cur.Queue, NowPlaying: cur.NowPlaying})
}

// Restore queues the stored songs on p and resumes the song that was
// playing. Songs whose backend is gone are skipped.
func Restore(ctx context.Context, p *player.Player, snap Snapshot, log *logger.Logger) (int, error) {
	if log == nil {
		log = logger.New(false)
	}
	after := ""
	var nowPlaying string
	var position time.Duration
	restored := 0

	for i, saved := range snap.Queue {
		queued, err := p.InsertSongs(ctx, after, []song.Metadata{saved.Metadata})
		if err != nil {
			if ctx.Err() != nil {
				return restored, ctx.Err()
			}
			log.Warn("not restoring %q: %v", saved.Title, err)
			continue
		}
		after = queued[0].UUID
		restored++
		if i == snap.NowPlaying {
			nowPlaying = after
			position = time.Duration(saved.Position) * time.Millisecond
		}
	}

	if nowPlaying == "" {
		return restored, nil
	}
	if err := p.ChangeSong(ctx, nowPlaying); err != nil {
		return restored, err
	}
	if position > 0 {
		if err := p.StartPlayback(ctx, &position); err != nil && !errors.Is(err, player.ErrBadPosition) {
			return restored, err
		}
	}
	return restored, nil
}
