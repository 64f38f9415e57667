package web

import (
	"sync"

	"github.com/benbjohnson/clock"

	"jukebox/internal/hooks"
	"jukebox/internal/player"
	"jukebox/internal/song"
)

// Message is what websocket clients receive.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub fans hook events out to websocket subscribers.
type Hub struct {
	clock clock.Clock

	mu        sync.RWMutex
	listeners map[chan Message]struct{}
}

const listenerBuffer = 64

// NewHub creates a hub stamping song positions with clk.
func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		clock:     clk,
		listeners: make(map[chan Message]struct{}),
	}
}

// Subscribe returns a channel receiving every published message.
func (h *Hub) Subscribe() <-chan Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Message, listenerBuffer)
	h.listeners[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(ch <-chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for listener := range h.listeners {
		if listener == ch {
			delete(h.listeners, listener)
			close(listener)
			return
		}
	}
}

// Publish sends m to every listener. Slow listeners miss messages rather
// than blocking the publisher, which runs on the control loop.
func (h *Hub) Publish(m Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.listeners {
		select {
		case ch <- m:
		default:
		}
	}
}

// Listeners returns the number of subscribers.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Attach publishes every notification event raised on bus.
func (h *Hub) Attach(bus *hooks.Bus) {
	kinds := []hooks.Kind{
		hooks.QueueModify,
		hooks.StartPlayback,
		hooks.StopPlayback,
		hooks.SongEnd,
		hooks.SongPrepared,
		hooks.SongPrepareError,
		hooks.PrepareProgress,
		hooks.VolumeChange,
		hooks.BackendInitialized,
	}
	for _, k := range kinds {
		bus.Register(k, func(e hooks.Event) error {
			h.Publish(Message{Event: e.Kind().String(), Data: h.payload(e)})
			return nil
		})
	}
}

type songState struct {
	Song  song.Serialized `json:"song"`
	Pause bool            `json:"pause,omitempty"`
}

type prepareError struct {
	Song  song.Serialized `json:"song"`
	Error string          `json:"error"`
}

type prepareProgress struct {
	UUID         string `json:"uuid"`
	BytesWritten int64  `json:"bytesWritten"`
	Done         bool   `json:"done"`
}

type queueState struct {
	Queue      []song.Serialized `json:"queue"`
	NowPlaying int               `json:"nowPlaying"`
}

// payload converts an event to its wire form. Songs are serialized while
// the handler still runs on the control loop.
func (h *Hub) payload(e hooks.Event) any {
	now := h.clock.Now()
	switch e := e.(type) {
	case hooks.QueueModifyEvent:
		q, idx := player.SerializeQueue(e.Queue, e.NowPlaying, now)
		return queueState{Queue: q, NowPlaying: idx}
	case hooks.StartPlaybackEvent:
		return songState{Song: e.Song.Serialize(now)}
	case hooks.StopPlaybackEvent:
		return songState{Song: e.Song.Serialize(now), Pause: e.Pause}
	case hooks.SongEndEvent:
		return songState{Song: e.Song.Serialize(now)}
	case hooks.SongPreparedEvent:
		return songState{Song: e.Song.Serialize(now)}
	case hooks.SongPrepareErrorEvent:
		return prepareError{Song: e.Song.Serialize(now), Error: e.Err.Error()}
	case hooks.PrepareProgressEvent:
		return prepareProgress{UUID: e.Song.UUID, BytesWritten: e.BytesWritten, Done: e.Done}
	case hooks.VolumeChangeEvent:
		return map[string]float64{"volume": e.Volume}
	case hooks.BackendInitializedEvent:
		return map[string]string{"name": e.Name}
	default:
		return nil
	}
}
