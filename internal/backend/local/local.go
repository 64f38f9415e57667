// Package local serves songs from audio files on disk. Files are indexed
// from their tags, looked up by a stable id derived from the path and kept
// in sync with the library directories through fsnotify.
package local

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.senan.xyz/taglib"

	"jukebox/internal/backend"
	"jukebox/internal/logger"
	"jukebox/internal/search"
	"jukebox/internal/song"
	"jukebox/pkg/utils"
)

// Name is the backend name used in song metadata and stream URLs.
const Name = "local"

// MaxResults caps the number of search results.
const MaxResults = 50

var namespace = uuid.MustParse("6b1f3c5e-2d4a-5f7b-9c8d-0e1a2b3c4d5e")

// SongID returns the id of the file at path.
func SongID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return uuid.NewSHA1(namespace, []byte(path)).String()
}

// Tags is what the indexer needs from a file.
type Tags struct {
	Title    string
	Artist   string
	Album    string
	Duration time.Duration
}

// TagReader reads the tags of one audio file.
type TagReader func(path string) (Tags, error)

// ReadTags reads tags and length with taglib.
func ReadTags(path string) (Tags, error) {
	tags, err := taglib.ReadTags(path)
	if err != nil {
		return Tags{}, fmt.Errorf("failed to read tags: %w", err)
	}
	props, err := taglib.ReadProperties(path)
	if err != nil {
		return Tags{}, fmt.Errorf("failed to read properties: %w", err)
	}
	return Tags{
		Title:    firstTag(tags, taglib.Title),
		Artist:   firstTag(tags, taglib.Artist),
		Album:    firstTag(tags, taglib.Album),
		Duration: props.Length,
	}, nil
}

func firstTag(tags map[string][]string, key string) string {
	if vals, ok := tags[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

type entry struct {
	path string
	md   song.Metadata
}

// Backend indexes library directories and prepares songs from the files.
type Backend struct {
	*backend.Base

	paths    []string
	readTags TagReader
	logger   *logger.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

// New creates a backend over the given library directories. Call Scan to
// build the index.
func New(paths []string, readTags TagReader, opts backend.Options) *Backend {
	if readTags == nil {
		readTags = ReadTags
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(false)
	}
	b := &Backend{
		paths:    paths,
		readTags: readTags,
		logger:   log.Named(Name),
		entries:  make(map[string]entry),
	}
	b.Base = backend.NewBase(Name, b.open, opts)
	return b
}

func (b *Backend) open(ctx context.Context, songID string) (backend.Source, error) {
	b.mu.RLock()
	e, ok := b.entries[songID]
	b.mu.RUnlock()
	if !ok {
		return backend.Source{}, fmt.Errorf("unknown song %s", songID)
	}
	return backend.Source{Path: e.path}, nil
}

// Len returns the number of indexed songs.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Lookup returns the metadata of an indexed song.
func (b *Backend) Lookup(songID string) (song.Metadata, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[songID]
	return e.md, ok
}

// Scan indexes every audio file under the library paths. onFile, when set,
// is called once per file with the total count.
func (b *Backend) Scan(ctx context.Context, onFile func(total int)) (int, error) {
	var files []string
	for _, dir := range b.paths {
		found, err := utils.FindAudioFiles(dir)
		if err != nil {
			return 0, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
		files = append(files, found...)
	}

	indexed := 0
	for _, path := range files {
		select {
		case <-ctx.Done():
			return indexed, ctx.Err()
		default:
		}
		if err := b.index(path); err != nil {
			b.logger.Debug("skipping %s: %v", path, err)
		} else {
			indexed++
		}
		if onFile != nil {
			onFile(len(files))
		}
	}

	b.logger.Info("indexed %d of %d files", indexed, len(files))
	return indexed, nil
}

func (b *Backend) index(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	tags, err := b.readTags(abs)
	if err != nil {
		return err
	}
	if tags.Duration <= 0 {
		return fmt.Errorf("unknown length")
	}

	title, artist := tags.Title, tags.Artist
	if title == "" {
		base := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
		q := search.NormalizeQuery(base, artist)
		title, artist = q.Title, q.Artist
	}
	if title == "" {
		return fmt.Errorf("no title")
	}

	id := SongID(abs)
	md := song.Metadata{
		Backend:  Name,
		SongID:   id,
		Title:    title,
		Artist:   artist,
		Album:    tags.Album,
		Duration: tags.Duration.Milliseconds(),
		Format:   b.Format(),
	}

	b.mu.Lock()
	b.entries[id] = entry{path: abs, md: md}
	b.mu.Unlock()
	return nil
}

func (b *Backend) drop(path string) {
	id := SongID(path)
	b.mu.Lock()
	_, ok := b.entries[id]
	delete(b.entries, id)
	b.mu.Unlock()
	if ok {
		b.logger.Debug("dropped %s", path)
	}
}

// Search returns indexed songs scoring at least search.Threshold against
// query, best first.
func (b *Backend) Search(ctx context.Context, query string) (backend.SearchResults, error) {
	b.mu.RLock()
	scored := make([]song.Metadata, 0)
	for _, e := range b.entries {
		md := e.md
		md.Score = search.Score(query, search.Track{Title: md.Title, Artist: md.Artist, Album: md.Album})
		if md.Score >= search.Threshold {
			scored = append(scored, md)
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Title < scored[j].Title
	})
	if len(scored) > MaxResults {
		scored = scored[:MaxResults]
	}

	return lo.SliceToMap(scored, func(md song.Metadata) (string, song.Metadata) {
		return md.SongID, md
	}), nil
}

// Duration returns the indexed length of s.
func (b *Backend) Duration(ctx context.Context, s *song.Song) (time.Duration, error) {
	md, ok := b.Lookup(s.SongID)
	if !ok {
		return 0, fmt.Errorf("unknown song %s", s.SongID)
	}
	return time.Duration(md.Duration) * time.Millisecond, nil
}

// Watch keeps the index in sync with the library until ctx is canceled.
func (b *Backend) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range b.paths {
		if err := addTree(watcher, dir); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			b.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("watcher error: %v", err)
		}
	}
}

func (b *Backend) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		b.drop(event.Name)
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if err := addTree(watcher, event.Name); err != nil {
			b.logger.Warn("%v", err)
		}
		files, _ := utils.FindAudioFiles(event.Name)
		for _, f := range files {
			b.reindex(f)
		}
		return
	}
	if utils.IsAudioFile(event.Name) {
		b.reindex(event.Name)
	}
}

func (b *Backend) reindex(path string) {
	// a file still being written may not parse yet; the next write retries
	if err := b.index(path); err != nil {
		b.logger.Debug("not indexing %s: %v", path, err)
		return
	}
	b.logger.Debug("indexed %s", path)
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}
