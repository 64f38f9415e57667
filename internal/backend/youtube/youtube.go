// Package youtube finds and streams songs through yt-dlp.
package youtube

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"jukebox/internal/backend"
	"jukebox/internal/search"
	"jukebox/internal/song"
)

// Name is the backend name used in song metadata and stream URLs.
const Name = "youtube"

// MaxResults is how many videos one search asks yt-dlp for.
const MaxResults = 10

// Config selects the yt-dlp binary and its options.
type Config struct {
	Binary         string
	CookiesBrowser string
}

// Backend searches YouTube and prepares songs from the best audio stream.
type Backend struct {
	*backend.Base

	binary         string
	cookiesBrowser string

	mu        sync.Mutex
	durations map[string]time.Duration
}

// New creates a YouTube backend.
func New(cfg Config, opts backend.Options) *Backend {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	b := &Backend{
		binary:         cfg.Binary,
		cookiesBrowser: cfg.CookiesBrowser,
		durations:      make(map[string]time.Duration),
	}
	b.Base = backend.NewBase(Name, b.open, opts)
	return b
}

func videoURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// baseArgs are shared by every yt-dlp invocation
func (b *Backend) baseArgs() []string {
	args := []string{"--no-warnings", "--no-playlist"}
	// If empty yt-dlp will go to default (--no-cookies-from-browser)
	if b.cookiesBrowser != "" {
		args = append(args, "--cookies-from-browser", b.cookiesBrowser)
	}
	return args
}

// Search asks yt-dlp for the first MaxResults videos matching query.
// Live streams have no duration and are skipped.
func (b *Backend) Search(ctx context.Context, query string) (backend.SearchResults, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return backend.SearchResults{}, nil
	}

	args := append(b.baseArgs(), "--flat-playlist", "--dump-json",
		fmt.Sprintf("ytsearch%d:%s", MaxResults, query))
	out, err := b.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	results := make(backend.SearchResults)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var v video
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("failed to parse yt-dlp output: %w", err)
		}
		if v.ID == "" || v.Duration <= 0 {
			continue
		}
		md := v.metadata(b.Format())
		md.Score = search.Score(query, search.Track{Title: md.Title, Artist: md.Artist})
		results[md.SongID] = md
		b.remember(md.SongID, time.Duration(md.Duration)*time.Millisecond)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading yt-dlp output: %w", err)
	}
	return results, nil
}

// Duration returns the length found by search, asking yt-dlp for songs
// that were never searched for.
func (b *Backend) Duration(ctx context.Context, s *song.Song) (time.Duration, error) {
	b.mu.Lock()
	d, ok := b.durations[s.SongID]
	b.mu.Unlock()
	if ok {
		return d, nil
	}

	args := append(b.baseArgs(), "--skip-download", "--print", "%(duration)s", videoURL(s.SongID))
	out, err := b.run(ctx, args...)
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("no duration for video %s", s.SongID)
	}
	d = time.Duration(secs * float64(time.Second))
	b.remember(s.SongID, d)
	return d, nil
}

func (b *Backend) remember(songID string, d time.Duration) {
	b.mu.Lock()
	b.durations[songID] = d
	b.mu.Unlock()
}

// run executes yt-dlp and returns its stdout.
func (b *Backend) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("yt-dlp failed: %w\nDetails: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// open starts yt-dlp writing the best audio stream to its stdout.
func (b *Backend) open(ctx context.Context, songID string) (backend.Source, error) {
	args := append(b.baseArgs(),
		"-f", "bestaudio/best",
		"--retries", "10",
		"--fragment-retries", "10",
		"--quiet",
		"-o", "-",
		videoURL(songID),
	)
	cmd := exec.CommandContext(ctx, b.binary, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return backend.Source{}, fmt.Errorf("failed to create yt-dlp pipe: %w", err)
	}
	p := &process{cmd: cmd, out: out}
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		return backend.Source{}, fmt.Errorf("failed to start yt-dlp: %w", err)
	}
	return backend.Source{Body: p}, nil
}

// process is the stdout of a running yt-dlp. A failed exit surfaces as the
// read error in place of io.EOF, so a truncated download is not mistaken
// for a finished one.
type process struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	stderr bytes.Buffer

	once sync.Once
	err  error
}

func (p *process) Read(buf []byte) (int, error) {
	n, err := p.out.Read(buf)
	if errors.Is(err, io.EOF) {
		if werr := p.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (p *process) Close() error {
	p.out.Close()
	return p.wait()
}

func (p *process) wait() error {
	p.once.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.err = fmt.Errorf("yt-dlp failed: %w\nDetails: %s", err, strings.TrimSpace(p.stderr.String()))
		}
	})
	return p.err
}

type thumbnail struct {
	URL string `json:"url"`
}

type video struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Channel    string      `json:"channel"`
	Uploader   string      `json:"uploader"`
	Duration   float64     `json:"duration"`
	Thumbnails []thumbnail `json:"thumbnails"`
}

func (v video) metadata(format string) song.Metadata {
	md := song.Metadata{
		Backend:  Name,
		SongID:   v.ID,
		Title:    v.Title,
		Artist:   lo.CoalesceOrEmpty(v.Channel, v.Uploader),
		Duration: int64(v.Duration * 1000),
		Format:   format,
	}
	// yt-dlp lists thumbnails from smallest to largest
	if first, ok := lo.First(v.Thumbnails); ok {
		md.AlbumArt.LQ = first.URL
	}
	if last, ok := lo.Last(v.Thumbnails); ok {
		md.AlbumArt.HQ = last.URL
	}
	return md
}
