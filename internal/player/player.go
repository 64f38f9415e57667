// Package player schedules playback of the queue. All player state lives on
// the control loop: exported methods marshal onto it and wait, background
// progress and timer callbacks post onto it.
//
// Hook handlers run on the loop too. They must not call the exported
// methods of Player, which would wait on the loop they are blocking.
package player

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"jukebox/internal/backend"
	"jukebox/internal/control"
	"jukebox/internal/hooks"
	"jukebox/internal/logger"
	"jukebox/internal/queue"
	"jukebox/internal/song"
)

var (
	// ErrUnknownBackend is returned for songs naming a backend that is not registered.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrQueueEmpty is returned when playback is requested with nothing queued.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrPrepareTimeout fails a preparation that made no progress in time.
	ErrPrepareTimeout = errors.New("preparation timed out")
	// ErrBadPosition is returned for a seek outside the song.
	ErrBadPosition = errors.New("position out of range")
)

// State is the scheduler state.
type State int

const (
	Idle State = iota
	Preparing
	Playing
	Paused
	// Stalled: now-playing failed to prepare and waits for a retry or removal
	Stalled
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Stalled:
		return "stalled"
	default:
		return "idle"
	}
}

// Options configures a Player.
type Options struct {
	// PrepareTimeout cancels a preparation with no progress for this long.
	PrepareTimeout time.Duration
	// Repeat re-appends ended songs at the tail of the queue.
	Repeat bool
	Volume float64
	Clock  clock.Clock
	Logger *logger.Logger
}

// Player owns the queue, the now-playing pointer, the playback timer and
// the look-ahead preparation of the next song.
type Player struct {
	loop   *control.Loop
	hooks  *hooks.Bus
	clock  clock.Clock
	logger *logger.Logger
	opts   Options

	backends   map[string]backend.Backend
	queue      *queue.Queue
	nowPlaying *song.Song
	state      State
	volume     float64

	timer    *clock.Timer
	timerGen uint64
	preps    map[string]*prep
}

// prep tracks one preparation requested by the player, keyed by song uuid
type prep struct {
	song     *song.Song
	handle   song.Handle
	watchdog *clock.Timer
	deadline time.Time
}

// New creates a player running on loop and raising events on bus.
func New(loop *control.Loop, bus *hooks.Bus, opts Options) *Player {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PrepareTimeout <= 0 {
		opts.PrepareTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(false)
	}
	return &Player{
		loop:     loop,
		hooks:    bus,
		clock:    opts.Clock,
		logger:   log.Named("player"),
		opts:     opts,
		backends: make(map[string]backend.Backend),
		queue:    queue.New(),
		volume:   clamp(opts.Volume),
		preps:    make(map[string]*prep),
	}
}

// Hooks returns the bus the player raises events on.
func (p *Player) Hooks() *hooks.Bus {
	return p.hooks
}

// AddBackend registers b under its name and raises BackendInitialized.
func (p *Player) AddBackend(ctx context.Context, b backend.Backend) error {
	return p.loop.Do(ctx, func() error {
		if _, ok := p.backends[b.Name()]; ok {
			return fmt.Errorf("backend %q already registered", b.Name())
		}
		p.backends[b.Name()] = b
		p.logger.Info("backend %s initialized", b.Name())
		p.emit(hooks.BackendInitializedEvent{Name: b.Name()})
		return nil
	})
}

// InsertSongs validates mds, creates songs with fresh uuids and queues them
// after the song identified by after (or at the head when empty).
func (p *Player) InsertSongs(ctx context.Context, after string, mds []song.Metadata) ([]song.Serialized, error) {
	var out []song.Serialized
	err := p.loop.Do(ctx, func() error {
		songs, err := p.insertSongs(after, mds)
		if err != nil {
			return err
		}
		now := p.clock.Now()
		out = lo.Map(songs, func(s *song.Song, _ int) song.Serialized { return s.Serialize(now) })
		return nil
	})
	return out, err
}

func (p *Player) insertSongs(after string, mds []song.Metadata) ([]*song.Song, error) {
	if len(mds) == 0 {
		return nil, fmt.Errorf("%w: no songs given", song.ErrInvalid)
	}

	songs := make([]*song.Song, 0, len(mds))
	for _, md := range mds {
		b, ok := p.backends[md.Backend]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, md.Backend)
		}
		s, err := song.New(md, b)
		if err != nil {
			return nil, err
		}
		songs = append(songs, s)
	}

	if err := p.hooks.EmitPre(hooks.PreSongsQueuedEvent{Songs: songs, After: after}); err != nil {
		return nil, err
	}
	if err := p.queue.Insert(after, songs); err != nil {
		return nil, err
	}

	p.logger.Debug("queued %d songs", len(songs))
	p.queueModified()
	return songs, nil
}

// RemoveSongs removes count songs starting at the song identified by at.
func (p *Player) RemoveSongs(ctx context.Context, at string, count int) error {
	return p.loop.Do(ctx, func() error {
		return p.removeSongs(at, count)
	})
}

func (p *Player) removeSongs(at string, count int) error {
	removed, idx, err := p.queue.Remove(at, count)
	if err != nil {
		return err
	}

	// preparation was canceled by the queue; forget our side of it
	for _, s := range removed {
		p.dropPrep(s.UUID)
	}

	if p.nowPlaying != nil && lo.Contains(removed, p.nowPlaying) {
		old := p.nowPlaying
		p.stopTimer()
		old.ResetPlayback()
		p.nowPlaying = p.queue.At(idx)

		switch {
		case p.nowPlaying == nil:
			p.state = Idle
			p.emit(hooks.StopPlaybackEvent{Song: old})
		case p.state == Playing || p.state == Preparing || p.state == Stalled:
			p.play()
		default:
			p.nowPlaying.ResetPlayback()
		}
	}

	p.queueModified()
	return nil
}

// StartPlayback starts or resumes the now-playing song, taking the queue
// head when nothing is playing. A non-nil position seeks first.
func (p *Player) StartPlayback(ctx context.Context, position *time.Duration) error {
	return p.loop.Do(ctx, func() error {
		return p.startPlayback(position)
	})
}

func (p *Player) startPlayback(position *time.Duration) error {
	s := p.nowPlaying
	if s == nil {
		s = p.queue.At(0)
		if s == nil {
			return ErrQueueEmpty
		}
	}
	if position != nil && (*position < 0 || *position >= s.Length()) {
		return fmt.Errorf("%w: %s of %s", ErrBadPosition, *position, s.Length())
	}

	if p.nowPlaying == nil {
		p.nowPlaying = s
		s.ResetPlayback()
	}
	if position != nil {
		s.Seek(*position)
	} else if p.state == Playing {
		return nil
	}

	p.play()
	p.schedule()
	return nil
}

// StopPlayback stops the playback timer. With pause the position is kept
// for a later StartPlayback; otherwise now-playing is cleared.
func (p *Player) StopPlayback(ctx context.Context, pause bool) error {
	return p.loop.Do(ctx, func() error {
		p.stopPlayback(pause)
		return nil
	})
}

func (p *Player) stopPlayback(pause bool) {
	s := p.nowPlaying
	if s == nil {
		return
	}
	p.stopTimer()

	if pause {
		s.Pause(p.clock.Now())
		p.state = Paused
	} else {
		s.ResetPlayback()
		p.nowPlaying = nil
		p.state = Idle
	}

	p.emit(hooks.StopPlaybackEvent{Song: s, Pause: pause})
	p.schedule()
}

// ChangeSong makes the song identified by uuid now-playing and plays it
// from the start. Now-playing is left untouched when uuid is unknown.
func (p *Player) ChangeSong(ctx context.Context, uuid string) error {
	return p.loop.Do(ctx, func() error {
		return p.changeSong(uuid)
	})
}

func (p *Player) changeSong(uuid string) error {
	s, err := p.queue.Find(uuid)
	if err != nil {
		return err
	}

	p.stopTimer()
	if p.nowPlaying != nil && p.nowPlaying != s {
		p.nowPlaying.ResetPlayback()
	}
	p.nowPlaying = s
	s.ResetPlayback()

	p.play()
	p.queueModified()
	return nil
}

// Skip ends the now-playing song early.
func (p *Player) Skip(ctx context.Context) error {
	return p.loop.Do(ctx, func() error {
		if p.nowPlaying == nil {
			return ErrQueueEmpty
		}
		p.songEnd()
		return nil
	})
}

// Shuffle toggles shuffling of the queue. The now-playing song keeps its place.
func (p *Player) Shuffle(ctx context.Context) (bool, error) {
	var shuffled bool
	err := p.loop.Do(ctx, func() error {
		p.queue.Shuffle(p.nowPlaying)
		shuffled = p.queue.Shuffled()
		p.queueModified()
		return nil
	})
	return shuffled, err
}

// SetVolume clamps v to [0, 1] and applies it unless a hook vetoes.
func (p *Player) SetVolume(ctx context.Context, v float64) (float64, error) {
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%w: volume is not a number", song.ErrInvalid)
	}
	v = clamp(v)
	err := p.loop.Do(ctx, func() error {
		if err := p.hooks.EmitPre(hooks.PreVolumeChangeEvent{Volume: v}); err != nil {
			return err
		}
		p.volume = v
		p.emit(hooks.VolumeChangeEvent{Volume: v})
		return nil
	})
	return v, err
}

// Stop halts playback and cancels every preparation the player started.
func (p *Player) Stop(ctx context.Context) error {
	return p.loop.Do(ctx, func() error {
		p.stopTimer()
		for uuid, pr := range p.preps {
			p.dropPrep(uuid)
			pr.handle.Cancel()
		}
		if p.state == Playing {
			p.nowPlaying.Pause(p.clock.Now())
			p.state = Paused
		}
		return nil
	})
}

// play starts now-playing at its stored position once it is prepared.
func (p *Player) play() {
	s := p.nowPlaying
	p.stopTimer()
	if s.IsPrepared() {
		p.beginPlayback()
		return
	}

	p.state = Preparing
	if _, ok := p.preps[s.UUID]; !ok {
		p.prepare(s)
	}
	p.logger.Debug("waiting for %q to be prepared", s.Title)
}

func (p *Player) beginPlayback() {
	s := p.nowPlaying
	now := p.clock.Now()
	if s.Remaining(now) <= 0 {
		s.ResetPlayback()
	}
	s.PlaybackStarted(now, s.Position(now))
	p.state = Playing
	p.armTimer(s.Remaining(now))

	p.logger.Info("now playing %q (%s)", s.Title, s.Remaining(now).Round(time.Second))
	p.emit(hooks.StartPlaybackEvent{Song: s})
}

// songEnd finishes now-playing: observers hear about it, the song leaves
// the queue and the entry that took its index plays next.
func (p *Player) songEnd() {
	ended := p.nowPlaying
	p.stopTimer()
	p.emit(hooks.SongEndEvent{Song: ended})

	idx := p.queue.IndexOf(ended.UUID)
	if idx >= 0 {
		p.queue.Remove(ended.UUID, 1)
		p.dropPrep(ended.UUID)
	}
	ended.ResetPlayback()

	if p.opts.Repeat {
		if err := p.queue.Append(ended); err != nil {
			p.logger.Warn("could not requeue %q: %v", ended.Title, err)
		}
	}

	next := p.queue.At(max(idx, 0))
	if next == nil && p.opts.Repeat {
		next = p.queue.At(0)
	}
	p.nowPlaying = next

	if next == nil {
		p.state = Idle
		p.logger.Info("end of queue")
	} else {
		next.ResetPlayback()
		p.play()
	}
	p.queueModified()
}

func (p *Player) armTimer(d time.Duration) {
	p.timerGen++
	gen := p.timerGen
	p.timer = p.clock.AfterFunc(d, func() {
		p.loop.Post(func() { p.onTimer(gen) })
	})
}

func (p *Player) stopTimer() {
	p.timerGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Player) onTimer(gen uint64) {
	if gen != p.timerGen || p.state != Playing || p.nowPlaying == nil {
		return
	}
	p.songEnd()
}

// queueModified notifies observers and refreshes the look-ahead window.
func (p *Player) queueModified() {
	p.emit(hooks.QueueModifyEvent{Queue: p.queue.Songs(), NowPlaying: p.nowPlaying})
	p.schedule()
}

// window returns the songs that should be prepared: now-playing (or the
// queue head) and the song after it.
func (p *Player) window() []*song.Song {
	idx := 0
	if p.nowPlaying != nil {
		idx = p.queue.IndexOf(p.nowPlaying.UUID)
	}
	if idx < 0 {
		return []*song.Song{p.nowPlaying}
	}
	return lo.Compact([]*song.Song{p.queue.At(idx), p.queue.At(idx + 1)})
}

// schedule prepares the look-ahead window and cancels preparations that
// fell out of it.
func (p *Player) schedule() {
	want := p.window()

	for uuid, pr := range p.preps {
		if !lo.Contains(want, pr.song) {
			p.logger.Debug("%q left the look-ahead window", pr.song.Title)
			p.dropPrep(uuid)
			pr.handle.Cancel()
		}
	}

	for _, s := range want {
		if _, ok := p.preps[s.UUID]; !ok && !s.IsPrepared() {
			p.prepare(s)
		}
	}
}

func (p *Player) prepare(s *song.Song) {
	pr := &prep{
		song:     s,
		deadline: p.clock.Now().Add(p.opts.PrepareTimeout),
	}
	p.preps[s.UUID] = pr

	uuid := s.UUID
	pr.watchdog = p.clock.AfterFunc(p.opts.PrepareTimeout, func() {
		p.loop.Post(func() { p.onPrepareTimeout(uuid, pr) })
	})
	pr.handle = s.Prepare(context.Background(), func(pg song.Progress) {
		p.loop.Post(func() { p.onProgress(uuid, pr, pg) })
	})
}

func (p *Player) dropPrep(uuid string) {
	if pr, ok := p.preps[uuid]; ok {
		pr.watchdog.Stop()
		delete(p.preps, uuid)
	}
}

func (p *Player) onProgress(uuid string, pr *prep, pg song.Progress) {
	if p.preps[uuid] != pr {
		return
	}
	s := pr.song

	switch {
	case pg.Err != nil:
		p.dropPrep(uuid)
		if errors.Is(pg.Err, backend.ErrCanceled) && lo.Contains(p.window(), s) {
			// a shared encode was canceled on behalf of another queue entry
			p.schedule()
			return
		}
		p.prepareFailed(s, pg.Err)

	case pg.Done:
		p.dropPrep(uuid)
		p.emit(hooks.PrepareProgressEvent{Song: s, BytesWritten: pg.BytesWritten, Done: true})
		p.emit(hooks.SongPreparedEvent{Song: s})
		if s == p.nowPlaying && p.state == Preparing {
			p.beginPlayback()
		}

	default:
		pr.deadline = p.clock.Now().Add(p.opts.PrepareTimeout)
		pr.watchdog.Reset(p.opts.PrepareTimeout)
		p.emit(hooks.PrepareProgressEvent{Song: s, BytesWritten: pg.BytesWritten})
	}
}

func (p *Player) onPrepareTimeout(uuid string, pr *prep) {
	if p.preps[uuid] != pr || p.clock.Now().Before(pr.deadline) {
		return
	}
	p.dropPrep(uuid)
	pr.handle.Cancel()
	p.prepareFailed(pr.song, fmt.Errorf("%w after %s", ErrPrepareTimeout, p.opts.PrepareTimeout))
}

// prepareFailed reports a failed preparation. Now-playing waiting on it
// stalls; dropping or retrying the song is left to observers.
func (p *Player) prepareFailed(s *song.Song, err error) {
	p.logger.Warn("preparing %q failed: %v", s.Title, err)
	if s == p.nowPlaying && p.state == Preparing {
		p.state = Stalled
	}
	p.emit(hooks.SongPrepareErrorEvent{Song: s, Err: err})
}

// emit raises a notification event. Errors from handlers are logged; they
// cannot veto something that already happened.
func (p *Player) emit(e hooks.Event) {
	if err := p.hooks.Emit(e); err != nil {
		p.logger.Warn("hook %s: %v", e.Kind(), err)
	}
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}
