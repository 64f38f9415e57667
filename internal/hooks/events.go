package hooks

import "jukebox/internal/song"

// QueueModifyEvent fires after any queue mutation.
type QueueModifyEvent struct {
	Queue      []*song.Song
	NowPlaying *song.Song
}

// PreSongsQueuedEvent fires before songs are inserted; a handler error vetoes the insert.
type PreSongsQueuedEvent struct {
	Songs []*song.Song
	After string
}

type StartPlaybackEvent struct {
	Song *song.Song
}

type StopPlaybackEvent struct {
	Song  *song.Song
	Pause bool
}

type SongEndEvent struct {
	Song *song.Song
}

type SongPreparedEvent struct {
	Song *song.Song
}

// SongPrepareErrorEvent carries preparation failures, including
// cancellations (errors.Is(Err, backend.ErrCanceled)).
type SongPrepareErrorEvent struct {
	Song *song.Song
	Err  error
}

type PrepareProgressEvent struct {
	Song         *song.Song
	BytesWritten int64
	Done         bool
}

// PreVolumeChangeEvent fires before the volume changes; a handler error vetoes it.
type PreVolumeChangeEvent struct {
	Volume float64
}

type VolumeChangeEvent struct {
	Volume float64
}

type BackendInitializedEvent struct {
	Name string
}

func (QueueModifyEvent) Kind() Kind        { return QueueModify }
func (PreSongsQueuedEvent) Kind() Kind     { return PreSongsQueued }
func (StartPlaybackEvent) Kind() Kind      { return StartPlayback }
func (StopPlaybackEvent) Kind() Kind       { return StopPlayback }
func (SongEndEvent) Kind() Kind            { return SongEnd }
func (SongPreparedEvent) Kind() Kind       { return SongPrepared }
func (SongPrepareErrorEvent) Kind() Kind   { return SongPrepareError }
func (PrepareProgressEvent) Kind() Kind    { return PrepareProgress }
func (PreVolumeChangeEvent) Kind() Kind    { return PreVolumeChange }
func (VolumeChangeEvent) Kind() Kind       { return VolumeChange }
func (BackendInitializedEvent) Kind() Kind { return BackendInitialized }
