package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jukebox/internal/backend"
	"jukebox/internal/logger"
	"jukebox/internal/song"
)

// fakeTags keys tags by file name so tests need no real audio
type fakeTags map[string]Tags

func (f fakeTags) read(path string) (Tags, error) {
	t, ok := f[filepath.Base(path)]
	if !ok {
		return Tags{}, errors.New("not an audio file")
	}
	return t, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestBackend(t *testing.T, dir string, tags fakeTags) *Backend {
	t.Helper()
	b := New([]string{dir}, tags.read, backend.Options{
		CacheDir:   t.TempDir(),
		Format:     "mp3",
		Transcoder: backend.Passthrough{},
		Logger:     logger.NewWriter(io.Discard, false),
	})
	t.Cleanup(b.Close)
	return b
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp3"), "aaa")
	writeFile(t, filepath.Join(dir, "sub", "Daft Punk - One More Time.flac"), "bbb")
	writeFile(t, filepath.Join(dir, "silent.mp3"), "ccc")
	writeFile(t, filepath.Join(dir, "broken.mp3"), "ddd")
	writeFile(t, filepath.Join(dir, "notes.txt"), "eee")

	tags := fakeTags{
		"a.mp3":                           {Title: "Around the World", Artist: "Daft Punk", Album: "Homework", Duration: 429 * time.Second},
		"Daft Punk - One More Time.flac": {Duration: 320 * time.Second},
		"silent.mp3":                      {Title: "Silence"},
	}
	b := newTestBackend(t, dir, tags)

	calls := 0
	n, err := b.Scan(context.Background(), func(total int) {
		calls++
		if total != 4 {
			t.Errorf("total = %d, want 4", total)
		}
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if n != 2 || b.Len() != 2 {
		t.Fatalf("indexed %d (Len %d), want 2", n, b.Len())
	}
	if calls != 4 {
		t.Errorf("progress called %d times, want 4", calls)
	}

	md, ok := b.Lookup(SongID(filepath.Join(dir, "a.mp3")))
	if !ok {
		t.Fatal("a.mp3 not indexed")
	}
	if md.Title != "Around the World" || md.Album != "Homework" || md.Duration != 429000 {
		t.Errorf("metadata = %+v", md)
	}
	if md.Backend != Name || md.Format != "mp3" {
		t.Errorf("backend/format = %q/%q", md.Backend, md.Format)
	}
	if err := md.Validate(); err != nil {
		t.Errorf("indexed metadata invalid: %v", err)
	}

	md, ok = b.Lookup(SongID(filepath.Join(dir, "sub", "Daft Punk - One More Time.flac")))
	if !ok {
		t.Fatal("untagged file not indexed")
	}
	if md.Title != "One More Time" || md.Artist != "Daft Punk" {
		t.Errorf("file name fallback = %q by %q", md.Title, md.Artist)
	}
}

func TestSongIDStable(t *testing.T) {
	dir := t.TempDir()
	a := SongID(filepath.Join(dir, "x.mp3"))
	if a != SongID(filepath.Join(dir, ".", "x.mp3")) {
		t.Error("equivalent paths should share an id")
	}
	if a == SongID(filepath.Join(dir, "y.mp3")) {
		t.Error("different paths should not share an id")
	}
}

func TestSearch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "1.mp3"), "1")
	writeFile(t, filepath.Join(dir, "2.mp3"), "2")
	writeFile(t, filepath.Join(dir, "3.mp3"), "3")
	b := newTestBackend(t, dir, fakeTags{
		"1.mp3": {Title: "Bohemian Rhapsody", Artist: "Queen", Duration: time.Minute},
		"2.mp3": {Title: "Under Pressure", Artist: "Queen", Duration: time.Minute},
		"3.mp3": {Title: "Billie Jean", Artist: "Michael Jackson", Duration: time.Minute},
	})
	if _, err := b.Scan(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	res, err := b.Search(context.Background(), "bohemian rhapsody")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	id := SongID(filepath.Join(dir, "1.mp3"))
	md, ok := res[id]
	if !ok {
		t.Fatalf("results = %+v, want Bohemian Rhapsody", res)
	}
	if md.Score < 0.9 {
		t.Errorf("score = %.2f, want close to 1", md.Score)
	}
	if _, ok := res[SongID(filepath.Join(dir, "3.mp3"))]; ok {
		t.Error("unrelated song should fall below the threshold")
	}

	res, _ = b.Search(context.Background(), "queen")
	if len(res) != 2 {
		t.Errorf("artist search returned %d results, want 2", len(res))
	}

	res, _ = b.Search(context.Background(), "")
	if len(res) != 0 {
		t.Errorf("empty query returned %d results", len(res))
	}
}

func TestDuration(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp3"), "a")
	b := newTestBackend(t, dir, fakeTags{"a.mp3": {Title: "A", Duration: 90 * time.Second}})
	b.Scan(context.Background(), nil)

	md, _ := b.Lookup(SongID(filepath.Join(dir, "a.mp3")))
	s, err := song.New(md, b)
	if err != nil {
		t.Fatal(err)
	}
	d, err := b.Duration(context.Background(), s)
	if err != nil || d != 90*time.Second {
		t.Errorf("Duration() = %v, %v", d, err)
	}
}

func TestPrepareCopiesFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp3"), "ID3 audio bytes")
	b := newTestBackend(t, dir, fakeTags{"a.mp3": {Title: "A", Duration: time.Second}})
	b.Scan(context.Background(), nil)

	md, _ := b.Lookup(SongID(filepath.Join(dir, "a.mp3")))
	s, err := song.New(md, b)
	if err != nil {
		t.Fatal(err)
	}
	h := s.Prepare(context.Background(), nil)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("preparation did not finish")
	}
	if h.Err() != nil {
		t.Fatalf("Err() = %v", h.Err())
	}
	data, err := os.ReadFile(b.Path(md.SongID))
	if err != nil || string(data) != "ID3 audio bytes" {
		t.Errorf("cache = %q, err = %v", data, err)
	}
}

func TestPrepareUnknownSong(t *testing.T) {
	b := newTestBackend(t, t.TempDir(), fakeTags{})
	s, err := song.New(song.Metadata{Backend: Name, SongID: "missing", Title: "x", Duration: 1, Format: "mp3"}, b)
	if err != nil {
		t.Fatal(err)
	}
	h := s.Prepare(context.Background(), nil)
	<-h.Done()
	if h.Err() == nil {
		t.Error("preparing an unindexed song should fail")
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	tags := fakeTags{
		"new.mp3":    {Title: "New", Duration: time.Second},
		"nested.mp3": {Title: "Nested", Duration: time.Second},
	}
	b := newTestBackend(t, dir, tags)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the root
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "new.mp3")
	writeFile(t, path, "data")
	waitFor(t, func() bool { _, ok := b.Lookup(SongID(path)); return ok })

	nested := filepath.Join(dir, "album", "nested.mp3")
	writeFile(t, nested, "data")
	waitFor(t, func() bool { _, ok := b.Lookup(SongID(nested)); return ok })

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { _, ok := b.Lookup(SongID(path)); return !ok })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
