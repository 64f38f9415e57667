package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"jukebox/internal/song"
)

// SongRequest is a song to queue. Score must be present, even if zero.
type SongRequest struct {
	song.Metadata
	Score *float64 `json:"score"`
}

type InsertRequest struct {
	After string        `json:"after"`
	Songs []SongRequest `json:"songs"`
}

type InsertResponse struct {
	Songs []song.Serialized `json:"songs"`
}

type PlayctlRequest struct {
	Action string `json:"action"`
	// Position in milliseconds, for play only
	Position *int64 `json:"position,omitempty"`
}

type ChangeSongRequest struct {
	UUID string `json:"uuid"`
}

type VolumeRequest struct {
	Volume *float64 `json:"volume"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	snap, err := s.player.Snapshot(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req InsertRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Songs) == 0 {
		http.Error(w, "songs are required", http.StatusBadRequest)
		return
	}
	if _, i, missing := lo.FindIndexOf(req.Songs, func(sr SongRequest) bool { return sr.Score == nil }); missing {
		http.Error(w, fmt.Sprintf("song %d: score is required", i), http.StatusBadRequest)
		return
	}

	mds := lo.Map(req.Songs, func(sr SongRequest, _ int) song.Metadata {
		md := sr.Metadata
		md.Score = *sr.Score
		return md
	})
	queued, err := s.player.InsertSongs(r.Context(), req.After, mds)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("queued %d songs", len(queued))
	writeJSON(w, InsertResponse{Songs: queued})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	count := 1
	if c := r.URL.Query().Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 1 {
			http.Error(w, "count must be a positive integer", http.StatusBadRequest)
			return
		}
		count = n
	}

	if err := s.player.RemoveSongs(r.Context(), r.PathValue("uuid"), count); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShuffle(w http.ResponseWriter, r *http.Request) {
	shuffled, err := s.player.Shuffle(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]bool{"shuffled": shuffled})
}

func (s *Server) handlePlayctl(w http.ResponseWriter, r *http.Request) {
	var req PlayctlRequest
	if !decode(w, r, &req) {
		return
	}

	var err error
	switch strings.ToLower(req.Action) {
	case "play":
		var pos *time.Duration
		if req.Position != nil {
			d := time.Duration(*req.Position) * time.Millisecond
			pos = &d
		}
		err = s.player.StartPlayback(r.Context(), pos)
	case "pause":
		err = s.player.StopPlayback(r.Context(), true)
	case "stop":
		err = s.player.StopPlayback(r.Context(), false)
	case "skip":
		err = s.player.Skip(r.Context())
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", req.Action), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.handleGetQueue(w, r)
}

func (s *Server) handleChangeSong(w http.ResponseWriter, r *http.Request) {
	var req ChangeSongRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UUID == "" {
		http.Error(w, "uuid is required", http.StatusBadRequest)
		return
	}
	if err := s.player.ChangeSong(r.Context(), req.UUID); err != nil {
		s.fail(w, err)
		return
	}
	s.handleGetQueue(w, r)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}
	results, err := s.player.Search(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, results)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req VolumeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Volume == nil {
		http.Error(w, "volume is required", http.StatusBadRequest)
		return
	}
	v, err := s.player.SetVolume(r.Context(), *req.Volume)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, map[string]float64{"volume": v})
}
