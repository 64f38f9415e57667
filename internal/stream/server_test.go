package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jukebox/internal/backend"
	"jukebox/internal/logger"
	"jukebox/internal/song"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		header  string
		want    *Range
		wantErr bool
	}{
		{"", nil, false},
		{"bytes=0-999", &Range{Start: 0, End: 999}, false},
		{"bytes=500-", &Range{Start: 500, End: -1}, false},
		{"bytes=-200", &Range{End: -1, Suffix: 200}, false},
		{"bytes=0-1,5-9", nil, true},
		{"bytes=9-1", nil, true},
		{"bytes=-0", nil, true},
		{"bytes=abc-", nil, true},
		{"items=0-1", nil, true},
		{"bytes=5", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := ParseRange(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRange(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
			if tt.want == nil {
				if got != nil && !tt.wantErr {
					t.Errorf("ParseRange(%q) = %+v, want nil", tt.header, got)
				}
				return
			}
			if *got != *tt.want {
				t.Errorf("ParseRange(%q) = %+v, want %+v", tt.header, *got, *tt.want)
			}
		})
	}
}

func TestRangeBounds(t *testing.T) {
	tests := []struct {
		r          Range
		n          int64
		start, end int64
	}{
		{Range{Start: 0, End: 999}, 500, 0, 1000},
		{Range{Start: 10, End: -1}, 500, 10, -1},
		{Range{End: -1, Suffix: 100}, 500, 400, 500},
		{Range{End: -1, Suffix: 100}, 50, 0, 100},
	}
	for _, tt := range tests {
		start, end := tt.r.Bounds(tt.n)
		if start != tt.start || end != tt.end {
			t.Errorf("%+v.Bounds(%d) = %d, %d; want %d, %d", tt.r, tt.n, start, end, tt.start, tt.end)
		}
	}
}

// liveSong is a song being prepared from a pipe the test writes into
type liveSong struct {
	base   *backend.Base
	song   *song.Song
	w      *io.PipeWriter
	handle song.Handle
	opened chan struct{}
}

func newLiveSong(t *testing.T, id string) *liveSong {
	t.Helper()
	ls := &liveSong{opened: make(chan struct{})}
	pr, pw := io.Pipe()
	ls.w = pw
	ls.base = backend.NewBase("test", func(ctx context.Context, songID string) (backend.Source, error) {
		close(ls.opened)
		return backend.Source{Body: pr}, nil
	}, backend.Options{
		CacheDir:      t.TempDir(),
		Format:        "mp3",
		InitialBuffer: 4,
		Transcoder:    backend.Passthrough{},
		Logger:        logger.NewWriter(io.Discard, false),
	})
	t.Cleanup(ls.base.Close)

	s, err := song.New(song.Metadata{SongID: id, Title: id, Duration: 1000, Format: "mp3"}, ls.base)
	if err != nil {
		t.Fatal(err)
	}
	ls.song = s
	return ls
}

// write pushes p through the encode and waits until the buffer holds it
func (ls *liveSong) write(t *testing.T, p []byte) {
	t.Helper()
	buf, ok := ls.base.Preparing(ls.song.SongID)
	if !ok {
		t.Fatal("song is not preparing")
	}
	want := buf.Len() + int64(len(p))
	if _, err := ls.w.Write(p); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for buf.Len() < want {
		if time.Now().After(deadline) {
			t.Fatalf("buffer stuck at %d bytes, want %d", buf.Len(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func (ls *liveSong) start(t *testing.T) {
	t.Helper()
	ls.handle = ls.song.Prepare(context.Background(), nil)
	select {
	case <-ls.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("source never opened")
	}
}

func newTestServer(t *testing.T, src Source) *httptest.Server {
	t.Helper()
	s := New(logger.NewWriter(io.Discard, false))
	s.AddSource(src)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url, rng string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rng != "" {
		req.Header.Set("Range", rng)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func pattern(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestLiveRangeClampedToWritten(t *testing.T) {
	ls := newLiveSong(t, "a")
	srv := newTestServer(t, ls.base)
	ls.start(t)
	ls.write(t, pattern(500, 'x'))

	resp := get(t, srv.URL+"/song/test/a.mp3", "bytes=0-999")
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 0-499/*" {
		t.Errorf("Content-Range = %q, want bytes 0-499/*", cr)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}

	first := make([]byte, 500)
	if _, err := io.ReadFull(resp.Body, first); err != nil {
		t.Fatalf("reading buffered bytes: %v", err)
	}

	// more than the requested range arrives; the response stops at 1000
	ls.write(t, pattern(600, 'y'))
	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading rest: %v", err)
	}
	if len(rest) != 500 {
		t.Fatalf("read %d more bytes, want 500", len(rest))
	}
	if !bytes.Equal(rest, pattern(500, 'y')) {
		t.Error("streamed bytes do not match the encode output")
	}
}

func TestLiveNoRangeStreamsUntilDone(t *testing.T) {
	ls := newLiveSong(t, "a")
	srv := newTestServer(t, ls.base)
	ls.start(t)
	ls.write(t, []byte("hello "))

	resp := get(t, srv.URL+"/song/test/a.mp3", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	ls.write(t, []byte("world"))
	ls.w.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "hello world" {
		t.Errorf("body = %q", body)
	}
}

func TestLiveWaitsForFirstByte(t *testing.T) {
	ls := newLiveSong(t, "a")
	s := New(logger.NewWriter(io.Discard, false))
	s.AddSource(ls.base)
	srv := httptest.NewServer(s)
	defer srv.Close()
	ls.start(t)

	done := getAttached(t, s, srv.URL+"/song/test/a.mp3", "bytes=0-9")
	ls.write(t, pattern(20, 'z'))

	r := awaitResult(t, done)
	if r.err != nil {
		t.Fatalf("request failed: %v", r.err)
	}
	if cr := r.resp.Header.Get("Content-Range"); cr != "bytes 0-9/*" {
		t.Errorf("Content-Range = %q", cr)
	}
	if !bytes.Equal(r.body, pattern(10, 'z')) {
		t.Errorf("body = %q", r.body)
	}
}

func TestLiveCancelAbortsResponse(t *testing.T) {
	ls := newLiveSong(t, "a")
	s := New(logger.NewWriter(io.Discard, false))
	s.AddSource(ls.base)
	srv := httptest.NewServer(s)
	defer srv.Close()
	ls.start(t)
	ls.write(t, pattern(10, 'x'))

	resp := get(t, srv.URL+"/song/test/a.mp3", "bytes=0-")
	buffered := make([]byte, 10)
	if _, err := io.ReadFull(resp.Body, buffered); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Clients("test", "a")); n != 1 {
		t.Errorf("Clients() = %d, want 1 while streaming", n)
	}

	ls.song.CancelPrepare()

	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("a canceled preparation should truncate the response")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Clients("test", "a")) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was never deregistered")
		}
		time.Sleep(time.Millisecond)
	}
	if !errors.Is(ls.handle.Err(), backend.ErrCanceled) {
		t.Errorf("Err() = %v", ls.handle.Err())
	}
}

type liveResult struct {
	resp *http.Response
	body []byte
	err  error
}

// getAttached issues a request in the background and returns once it is
// attached to the preparing song
func getAttached(t *testing.T, s *Server, url, rng string) <-chan liveResult {
	t.Helper()
	done := make(chan liveResult, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, url, nil)
		if rng != "" {
			req.Header.Set("Range", rng)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- liveResult{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		done <- liveResult{resp, body, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Clients("test", "a")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never attached to the preparing song")
		}
		time.Sleep(time.Millisecond)
	}
	return done
}

func awaitResult(t *testing.T, done <-chan liveResult) liveResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("request never completed")
		return liveResult{}
	}
}

func TestLiveFailureBeforeFirstByte(t *testing.T) {
	for name, rng := range map[string]string{"whole": "", "range": "bytes=0-"} {
		t.Run(name, func(t *testing.T) {
			ls := newLiveSong(t, "a")
			s := New(logger.NewWriter(io.Discard, false))
			s.AddSource(ls.base)
			srv := httptest.NewServer(s)
			defer srv.Close()
			ls.start(t)

			done := getAttached(t, s, srv.URL+"/song/test/a.mp3", rng)
			ls.w.CloseWithError(errors.New("transcoder died"))

			r := awaitResult(t, done)
			if r.err != nil {
				t.Fatalf("client got no response: %v", r.err)
			}
			if r.resp.StatusCode != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", r.resp.StatusCode)
			}
			if !bytes.Contains(r.body, []byte("transcoder died")) {
				t.Errorf("body = %q", r.body)
			}
		})
	}
}

func TestLiveCancelBeforeFirstByte(t *testing.T) {
	ls := newLiveSong(t, "a")
	s := New(logger.NewWriter(io.Discard, false))
	s.AddSource(ls.base)
	srv := httptest.NewServer(s)
	defer srv.Close()
	ls.start(t)

	done := getAttached(t, s, srv.URL+"/song/test/a.mp3", "bytes=0-")
	ls.song.CancelPrepare()

	r := awaitResult(t, done)
	if r.err != nil {
		t.Fatalf("client got no response: %v", r.err)
	}
	if r.resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", r.resp.StatusCode)
	}
}

func TestLiveFailureAbortsResponse(t *testing.T) {
	ls := newLiveSong(t, "a")
	s := New(logger.NewWriter(io.Discard, false))
	s.AddSource(ls.base)
	srv := httptest.NewServer(s)
	defer srv.Close()
	ls.start(t)
	ls.write(t, pattern(10, 'x'))

	resp := get(t, srv.URL+"/song/test/a.mp3", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	buffered := make([]byte, 10)
	if _, err := io.ReadFull(resp.Body, buffered); err != nil {
		t.Fatal(err)
	}

	ls.w.CloseWithError(errors.New("transcoder died"))

	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("a failed preparation should truncate the response")
	}
	select {
	case <-ls.handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("preparation never finished")
	}
	if ls.handle.Err() == nil || errors.Is(ls.handle.Err(), backend.ErrCanceled) {
		t.Errorf("Err() = %v, want the transcoder failure", ls.handle.Err())
	}
}

func TestServePreparedFile(t *testing.T) {
	ls := newLiveSong(t, "a")
	srv := newTestServer(t, ls.base)
	path := ls.base.Path("a")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	resp := get(t, srv.URL+"/song/test/a.mp3", "bytes=2-5")
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", cr)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "2345" {
		t.Errorf("body = %q", body)
	}

	resp = get(t, srv.URL+"/song/test/a.mp3", "")
	body, _ = io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "0123456789" {
		t.Errorf("full transfer = %d %q", resp.StatusCode, body)
	}
}

func TestNotFound(t *testing.T) {
	ls := newLiveSong(t, "a")
	srv := newTestServer(t, ls.base)

	for _, path := range []string{
		"/song/test/a.mp3",       // absent
		"/song/other/a.mp3",      // unknown backend
		"/song/test/a.ogg",       // wrong format
		"/song/test/noextension", // no format
	} {
		resp := get(t, srv.URL+path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestLiveMultiRangeRejected(t *testing.T) {
	ls := newLiveSong(t, "a")
	srv := newTestServer(t, ls.base)
	ls.start(t)
	ls.write(t, pattern(10, 'x'))

	resp := get(t, srv.URL+"/song/test/a.mp3", "bytes=0-1,4-5")
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("status = %d, want 416", resp.StatusCode)
	}
}
