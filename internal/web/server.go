// Package web exposes the player over a JSON REST API and a websocket
// event stream, and mounts the song stream server.
package web

import (
	"context"
	"errors"
	"net/http"

	"jukebox/internal/backend"
	"jukebox/internal/control"
	"jukebox/internal/hooks"
	"jukebox/internal/logger"
	"jukebox/internal/player"
	"jukebox/internal/queue"
	"jukebox/internal/song"
)

type Server struct {
	player *player.Player
	stream http.Handler
	hub    *Hub
	logger *logger.Logger
}

// NewServer creates the API server. stream serves /song/ requests.
func NewServer(p *player.Player, stream http.Handler, hub *Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New(false)
	}
	return &Server{
		player: p,
		stream: stream,
		hub:    hub,
		logger: log.Named("web"),
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /song/", s.stream)

	mux.HandleFunc("GET /api/queue", s.handleGetQueue)
	mux.HandleFunc("POST /api/queue", s.handleInsert)
	mux.HandleFunc("DELETE /api/queue/{uuid}", s.handleRemove)
	mux.HandleFunc("POST /api/queue/shuffle", s.handleShuffle)
	mux.HandleFunc("POST /api/playctl", s.handlePlayctl)
	mux.HandleFunc("POST /api/playctl/song", s.handleChangeSong)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/volume", s.handleVolume)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s.loggingMiddleware(mux)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// statusFor maps player errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, song.ErrInvalid),
		errors.Is(err, queue.ErrDuplicate),
		errors.Is(err, player.ErrUnknownBackend),
		errors.Is(err, player.ErrQueueEmpty),
		errors.Is(err, player.ErrBadPosition):
		return http.StatusBadRequest
	case errors.Is(err, hooks.ErrVetoed):
		return http.StatusConflict
	case errors.Is(err, backend.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, control.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	http.Error(w, err.Error(), code)
}
