// Package stream serves song audio over HTTP. Prepared songs are served
// from the cache file; songs still being prepared are served from the live
// encode buffer as bytes arrive.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"jukebox/internal/buffer"
	"jukebox/internal/logger"
)

// chunkSize bounds a single write to a client
const chunkSize = 256 << 10

var contentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"ogg":  "audio/ogg",
	"opus": "audio/ogg",
	"flac": "audio/flac",
	"aac":  "audio/aac",
	"wav":  "audio/wav",
}

// Source is the part of a backend the stream server reads from.
type Source interface {
	Name() string
	Format() string
	Path(songID string) string
	Preparing(songID string) (*buffer.Buffer, bool)
}

type key struct {
	backend string
	songID  string
}

// PreparingClient is one request attached to a song still being prepared.
type PreparingClient struct {
	Backend string
	SongID  string
	// Start is the first requested byte, End the exclusive upper bound or
	// -1 for an open range.
	Start  int64
	End    int64
	Served int64
}

// Server serves GET /song/{backend}/{songId}.{format}.
type Server struct {
	logger *logger.Logger
	mux    *http.ServeMux

	mu      sync.RWMutex
	sources map[string]Source
	clients map[key]map[*PreparingClient]struct{}
}

// New creates a stream server. Register backends with AddSource.
func New(log *logger.Logger) *Server {
	if log == nil {
		log = logger.New(false)
	}
	s := &Server{
		logger:  log.Named("stream"),
		mux:     http.NewServeMux(),
		sources: make(map[string]Source),
		clients: make(map[key]map[*PreparingClient]struct{}),
	}
	s.mux.HandleFunc("GET /song/{backend}/{file}", s.handleSong)
	return s
}

// AddSource makes a backend's songs available.
func (s *Server) AddSource(src Source) {
	s.mu.Lock()
	s.sources[src.Name()] = src
	s.mu.Unlock()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Clients returns the requests currently waiting on a preparing song.
func (s *Server) Clients(backend, songID string) []PreparingClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PreparingClient
	for c := range s.clients[key{backend, songID}] {
		out = append(out, *c)
	}
	return out
}

func (s *Server) handleSong(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	src, ok := s.sources[r.PathValue("backend")]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	file := r.PathValue("file")
	dot := strings.LastIndexByte(file, '.')
	if dot <= 0 || file[dot+1:] != src.Format() {
		http.NotFound(w, r)
		return
	}
	songID := file[:dot]

	// the preparing slot is released only after the file is in place, so
	// checking it first never misses a song that is finishing
	if buf, ok := src.Preparing(songID); ok {
		s.serveLive(w, r, src, songID, buf)
		return
	}

	f, err := os.Open(src.Path(songID))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "failed to stat song", http.StatusInternalServerError)
		return
	}
	if ct, ok := contentTypes[src.Format()]; ok {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeContent(w, r, file, info.ModTime(), f)
}

func (s *Server) serveLive(w http.ResponseWriter, r *http.Request, src Source, songID string, buf *buffer.Buffer) {
	rng, err := ParseRange(r.Header.Get("Range"))
	if err != nil {
		w.Header().Set("Content-Range", "bytes */*")
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	c := &PreparingClient{Backend: src.Name(), SongID: songID, End: -1}
	s.register(c)
	defer s.deregister(c)

	// a range starting past the written bytes waits for them
	start := int64(0)
	if rng != nil {
		start = rng.Start
	}
	n, err := waitFor(r.Context(), buf, start)
	if err != nil {
		s.refuse(w, r, c, err)
		return
	}

	h := w.Header()
	if ct, ok := contentTypes[src.Format()]; ok {
		h.Set("Content-Type", ct)
	}
	h.Set("Accept-Ranges", "bytes")

	if rng == nil {
		w.WriteHeader(http.StatusOK)
	} else {
		start, end := rng.Bounds(n)
		s.mu.Lock()
		c.Start, c.End = start, end
		s.mu.Unlock()
		if c.Start >= n {
			// finished with fewer bytes than the range starts at
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", n))
			http.Error(w, ErrBadRange.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		}
		promised := n
		if c.End >= 0 && c.End < promised {
			promised = c.End
		}
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", c.Start, promised-1))
		w.WriteHeader(http.StatusPartialContent)
	}

	s.logger.Debug("live stream %s/%s from %d", c.Backend, c.SongID, c.Start)
	if err := s.drain(r.Context(), w, c, buf); err != nil {
		s.fail(r, c, err)
	}
}

// drain copies buffered bytes to w until the requested end, the end of the
// song or a failed preparation.
func (s *Server) drain(ctx context.Context, w http.ResponseWriter, c *PreparingClient, buf *buffer.Buffer) error {
	flusher, _ := w.(http.Flusher)
	pos := c.Start
	for {
		changed := buf.Changed()
		n, done, err := buf.State()

		upto := n
		if c.End >= 0 && c.End < upto {
			upto = c.End
		}
		for pos < upto {
			chunk := buf.Slice(pos, min(upto, pos+chunkSize))
			if _, werr := w.Write(chunk); werr != nil {
				return werr
			}
			pos += int64(len(chunk))
			s.served(c, pos-c.Start)
		}
		if flusher != nil {
			flusher.Flush()
		}

		if c.End >= 0 && pos >= c.End {
			return nil
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitFor blocks until buf holds more than start bytes or is terminal and
// returns the bytes written.
func waitFor(ctx context.Context, buf *buffer.Buffer, start int64) (int64, error) {
	for {
		changed := buf.Changed()
		n, done, err := buf.State()
		if err != nil {
			return n, err
		}
		if n > start || done {
			return n, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}

// refuse answers a live request whose preparation ended before any header
// was sent.
func (s *Server) refuse(w http.ResponseWriter, r *http.Request, c *PreparingClient, err error) {
	if r.Context().Err() != nil {
		s.logger.Debug("client left %s/%s", c.Backend, c.SongID)
		return
	}
	s.logger.Warn("cannot stream %s/%s: %v", c.Backend, c.SongID, err)
	http.Error(w, fmt.Sprintf("song preparation ended: %v", err), http.StatusServiceUnavailable)
}

// fail ends a live response after its headers were sent. A client that
// went away is simply dropped; a failed or canceled preparation aborts the
// response so the client sees a truncated transfer rather than a short but
// valid one.
func (s *Server) fail(r *http.Request, c *PreparingClient, err error) {
	if r.Context().Err() != nil {
		s.logger.Debug("client left %s/%s", c.Backend, c.SongID)
		return
	}
	s.logger.Warn("aborting stream of %s/%s: %v", c.Backend, c.SongID, err)
	panic(http.ErrAbortHandler)
}

func (s *Server) register(c *PreparingClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{c.Backend, c.SongID}
	if s.clients[k] == nil {
		s.clients[k] = make(map[*PreparingClient]struct{})
	}
	s.clients[k][c] = struct{}{}
}

func (s *Server) deregister(c *PreparingClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{c.Backend, c.SongID}
	delete(s.clients[k], c)
	if len(s.clients[k]) == 0 {
		delete(s.clients, k)
	}
}

func (s *Server) served(c *PreparingClient, n int64) {
	s.mu.Lock()
	c.Served = n
	s.mu.Unlock()
}
