package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"jukebox/internal/buffer"
	"jukebox/internal/logger"
	"jukebox/internal/song"
	"jukebox/pkg/utils"
)

// Options configures the shared transcode pipeline.
type Options struct {
	CacheDir      string
	Format        string
	InitialBuffer int
	MaxBuffer     int
	Transcoder    Transcoder
	Logger        *logger.Logger
}

// Base implements the preparation half of Backend. Concrete backends embed
// it and provide an Opener for their sources.
type Base struct {
	name   string
	open   Opener
	opts   Options
	logger *logger.Logger

	mu        sync.Mutex
	preparing map[string]*Job
}

// NewBase creates the pipeline for the backend called name.
func NewBase(name string, open Opener, opts Options) *Base {
	if opts.Transcoder == nil {
		opts.Transcoder = Passthrough{}
	}
	if opts.Format == "" {
		opts.Format = "mp3"
	}
	if opts.InitialBuffer <= 0 {
		opts.InitialBuffer = 1 << 20
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = 512 << 20
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(false)
	}
	return &Base{
		name:      name,
		open:      open,
		opts:      opts,
		logger:    log.Named(name),
		preparing: make(map[string]*Job),
	}
}

// Name returns the backend name.
func (b *Base) Name() string {
	return b.name
}

// Format returns the output format of prepared songs.
func (b *Base) Format() string {
	return b.opts.Format
}

// Path returns the cache path of a prepared song.
func (b *Base) Path(songID string) string {
	return filepath.Join(b.opts.CacheDir, b.name, songID+"."+b.opts.Format)
}

// IsPrepared reports whether the song exists in the cache.
func (b *Base) IsPrepared(s *song.Song) bool {
	return b.isPrepared(s.SongID)
}

func (b *Base) isPrepared(songID string) bool {
	info, err := os.Stat(b.Path(songID))
	return err == nil && info.Mode().IsRegular()
}

// IsPreparing reports whether an encode for the song is in flight.
func (b *Base) IsPreparing(s *song.Song) bool {
	_, ok := b.Preparing(s.SongID)
	return ok
}

// Preparing returns the live buffer of an in-flight encode.
func (b *Base) Preparing(songID string) (*buffer.Buffer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.preparing[songID]
	if !ok {
		return nil, false
	}
	return j.buf, true
}

// State reports the preparation state of songID.
func (b *Base) State(songID string) State {
	if _, ok := b.Preparing(songID); ok {
		return Preparing
	}
	if b.isPrepared(songID) {
		return Prepared
	}
	return Absent
}

// Prepare starts encoding s unless it is already prepared or preparing.
// A call for a song being prepared joins the in-flight job: fn is added to
// its observers and receives the notifications from then on. fn is called
// from the encode goroutine and must not block or cancel synchronously.
func (b *Base) Prepare(ctx context.Context, s *song.Song, fn song.ProgressFunc) song.Handle {
	return b.prepare(ctx, s.SongID, fn)
}

func (b *Base) prepare(ctx context.Context, songID string, fn song.ProgressFunc) *Job {
	b.mu.Lock()
	if j, ok := b.preparing[songID]; ok && j.observe(fn) {
		b.mu.Unlock()
		b.logger.Debug("joining preparation of %s", songID)
		return j
	}

	if b.isPrepared(songID) {
		b.mu.Unlock()
		if fn != nil {
			fn(song.Progress{Done: true})
		}
		return finishedJob()
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	final := b.Path(songID)
	j := &Job{
		base:   b,
		songID: songID,
		final:  final,
		buf:    buffer.New(b.opts.InitialBuffer, b.opts.MaxBuffer),
		ctx:    jobCtx,
		cancel: cancel,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if fn != nil {
		j.observers = append(j.observers, fn)
	}
	b.preparing[songID] = j
	b.mu.Unlock()

	b.logger.Debug("preparing %s", songID)
	go j.run()
	return j
}

// CancelPrepare cancels the in-flight encode of s, if any.
func (b *Base) CancelPrepare(s *song.Song) {
	b.mu.Lock()
	j, ok := b.preparing[s.SongID]
	b.mu.Unlock()
	if ok {
		j.Cancel()
	}
}

// Close cancels every in-flight encode.
func (b *Base) Close() {
	b.mu.Lock()
	jobs := make([]*Job, 0, len(b.preparing))
	for _, j := range b.preparing {
		jobs = append(jobs, j)
	}
	b.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
}

func (b *Base) release(j *Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.preparing[j.songID] == j {
		delete(b.preparing, j.songID)
	}
}

func (b *Base) encode(j *Job) error {
	src, err := b.open(j.ctx, j.songID)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	if src.Body != nil {
		// closing the body unblocks a transcoder stuck reading it
		stop := context.AfterFunc(j.ctx, func() { src.Body.Close() })
		defer stop()
		defer src.Body.Close()
	}

	dir := filepath.Dir(j.final)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	// one partial file per attempt, so a canceled job still winding down
	// never touches the file of the attempt that replaced it
	f, err := os.CreateTemp(dir, filepath.Base(j.final)+".*"+utils.IncompleteSuffix)
	if err != nil {
		return fmt.Errorf("failed to create partial file in %s: %w", dir, err)
	}
	j.tmp = f.Name()
	if err := f.Chmod(0644); err != nil {
		f.Close()
		return fmt.Errorf("failed to chmod %s: %w", j.tmp, err)
	}

	w := &jobWriter{job: j, file: f}
	err = b.opts.Transcoder.Transcode(j.ctx, src, w)
	if w.err != nil {
		err = w.err
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && j.buf.Len() == 0 {
		err = errors.New("transcoder produced no output")
	}
	return err
}

// Job is one preparation attempt. It implements song.Handle.
type Job struct {
	base   *Base
	songID string
	final  string
	tmp    string // set by the encode goroutine
	buf    *buffer.Buffer
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	observers []song.ProgressFunc
	terminal  bool
	err       error

	exited chan struct{}
	done   chan struct{}
}

func finishedJob() *Job {
	j := &Job{terminal: true, done: make(chan struct{})}
	close(j.done)
	return j
}

// Done is closed after the terminal notification was delivered.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the outcome once Done is closed: nil, ErrCanceled, or the failure.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Cancel stops the encode. When it returns the preparing slot is free, the
// partial file is gone and no further progress is delivered besides the
// terminal ErrCanceled notification. Safe to call more than once and after
// the job finished.
func (j *Job) Cancel() {
	j.mu.Lock()
	if j.terminal {
		j.mu.Unlock()
		return
	}
	j.terminal = true
	j.err = ErrCanceled
	observers := j.observers
	j.mu.Unlock()

	j.base.release(j)
	j.buf.Fail(ErrCanceled)
	j.cancel()
	<-j.exited

	j.base.logger.Debug("canceled preparation of %s", j.songID)
	deliver(observers, song.Progress{BytesWritten: j.buf.Len(), Err: ErrCanceled})
	close(j.done)
}

func (j *Job) observe(fn song.ProgressFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminal {
		return false
	}
	if fn != nil {
		j.observers = append(j.observers, fn)
	}
	return true
}

func (j *Job) notify(p song.Progress) {
	j.mu.Lock()
	if j.terminal {
		j.mu.Unlock()
		return
	}
	observers := j.observers
	j.mu.Unlock()
	deliver(observers, p)
}

func (j *Job) run() {
	defer close(j.exited)
	defer j.cancel()

	err := j.base.encode(j)

	j.mu.Lock()
	if j.terminal {
		// canceled: Cancel delivers the terminal notification
		j.mu.Unlock()
		removeTemp(j.tmp)
		return
	}
	j.terminal = true
	if err == nil {
		err = utils.MoveFile(j.tmp, j.final)
	}
	if err != nil {
		removeTemp(j.tmp)
		err = fmt.Errorf("prepare %s/%s: %w", j.base.name, j.songID, err)
	}
	j.err = err
	observers := j.observers
	j.mu.Unlock()

	j.base.release(j)

	n := j.buf.Len()
	if err != nil {
		j.buf.Fail(err)
		j.base.logger.Warn("preparation failed: %v", err)
		deliver(observers, song.Progress{BytesWritten: n, Err: err})
	} else {
		j.buf.Finish()
		j.base.logger.Debug("prepared %s (%d bytes)", j.songID, n)
		deliver(observers, song.Progress{BytesWritten: n, Done: true})
	}
	close(j.done)
}

func removeTemp(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func deliver(observers []song.ProgressFunc, p song.Progress) {
	for _, fn := range observers {
		fn(p)
	}
}

// jobWriter appends transcoder output to the live buffer and the partial file
type jobWriter struct {
	job  *Job
	file *os.File
	err  error
}

func (w *jobWriter) Write(p []byte) (int, error) {
	if err := w.job.buf.Append(p); err != nil {
		w.err = err
		return 0, err
	}
	if _, err := w.file.Write(p); err != nil {
		w.err = fmt.Errorf("failed to write %s: %w", w.job.tmp, err)
		return 0, w.err
	}
	w.job.notify(song.Progress{BytesWritten: w.job.buf.Len()})
	return len(p), nil
}
