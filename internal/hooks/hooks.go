// Package hooks is the synchronous event bus optional modules use to observe
// the core or veto its actions. Handlers run in registration order on the
// caller's goroutine; the first non-nil error stops dispatch.
package hooks

import (
	"errors"
	"fmt"
	"sync"
)

// ErrVetoed wraps the handler error that rejected a Pre* event.
var ErrVetoed = errors.New("vetoed by hook")

// Kind enumerates the events raised by the core.
type Kind int

const (
	QueueModify Kind = iota
	PreSongsQueued
	StartPlayback
	StopPlayback
	SongEnd
	SongPrepared
	SongPrepareError
	PrepareProgress
	PreVolumeChange
	VolumeChange
	BackendInitialized
)

var kindNames = map[Kind]string{
	QueueModify:        "queueModify",
	PreSongsQueued:     "preSongsQueued",
	StartPlayback:      "startPlayback",
	StopPlayback:       "stopPlayback",
	SongEnd:            "songEnd",
	SongPrepared:       "songPrepared",
	SongPrepareError:   "songPrepareError",
	PrepareProgress:    "prepareProgress",
	PreVolumeChange:    "preVolumeChange",
	VolumeChange:       "volumeChange",
	BackendInitialized: "backendInitialized",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is implemented by every event payload.
type Event interface {
	Kind() Kind
}

// Handler observes an event. A non-nil error stops dispatch.
type Handler func(Event) error

// Bus maps event kinds to ordered handler lists.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Register appends h to the handlers of kind k.
func (b *Bus) Register(k Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[k] = append(b.handlers[k], h)
}

// On registers a handler typed on the event payload E.
func On[E Event](b *Bus, fn func(E) error) {
	var zero E
	b.Register(zero.Kind(), func(e Event) error {
		return fn(e.(E))
	})
}

// Emit dispatches e to its handlers in registration order and returns the
// first error. A panicking handler is reported as an error.
func (b *Bus) Emit(e Event) error {
	b.mu.RLock()
	list := b.handlers[e.Kind()]
	b.mu.RUnlock()

	for _, h := range list {
		if err := call(h, e); err != nil {
			return err
		}
	}
	return nil
}

// EmitPre dispatches a Pre* event and wraps a rejection in ErrVetoed.
func (b *Bus) EmitPre(e Event) error {
	if err := b.Emit(e); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrVetoed, e.Kind(), err)
	}
	return nil
}

// Count returns the number of handlers registered for k.
func (b *Bus) Count(k Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[k])
}

func call(h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", e.Kind(), r)
		}
	}()
	return h(e)
}
