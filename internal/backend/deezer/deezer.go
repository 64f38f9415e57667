// Package deezer serves the 30 second track previews of the Deezer API.
package deezer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"jukebox/internal/backend"
	"jukebox/internal/search"
	"jukebox/internal/song"
)

// Name is the backend name used in song metadata and stream URLs.
const Name = "deezer"

// DefaultAPIURL is the public Deezer API.
const DefaultAPIURL = "https://api.deezer.com"

// PreviewLength is the length of every Deezer preview.
const PreviewLength = 30 * time.Second

const userAgent = "jukebox/1.0"

// Backend searches Deezer and prepares songs from preview URLs.
type Backend struct {
	*backend.Base

	apiURL     string
	httpClient *http.Client
	// no timeout: a preview download is bounded by the preparation context
	streamClient *http.Client

	mu       sync.Mutex
	previews map[string]string
}

// New creates a Deezer backend talking to apiURL (DefaultAPIURL if empty).
func New(apiURL string, opts backend.Options) *Backend {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	b := &Backend{
		apiURL:       strings.TrimSuffix(apiURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		streamClient: &http.Client{},
		previews:     make(map[string]string),
	}
	b.Base = backend.NewBase(Name, b.open, opts)
	return b
}

// Search queries the Deezer search API. Results without a preview are
// skipped since they cannot be played.
func (b *Backend) Search(ctx context.Context, query string) (backend.SearchResults, error) {
	q := buildQuery(query)
	if q == "" {
		return backend.SearchResults{}, nil
	}

	var resp searchResponse
	if err := b.get(ctx, fmt.Sprintf("%s/search?q=%s&limit=25", b.apiURL, url.QueryEscape(q)), &resp); err != nil {
		return nil, err
	}

	results := make(backend.SearchResults, len(resp.Data))
	for _, item := range resp.Data {
		if item.Preview == "" {
			continue
		}
		md := item.metadata(b.Format())
		md.Score = search.Score(query, search.Track{Title: md.Title, Artist: md.Artist, Album: md.Album})
		results[md.SongID] = md
		b.remember(md.SongID, item.Preview)
	}
	return results, nil
}

// Duration returns the preview length.
func (b *Backend) Duration(ctx context.Context, s *song.Song) (time.Duration, error) {
	return PreviewLength, nil
}

func (b *Backend) remember(songID, preview string) {
	b.mu.Lock()
	b.previews[songID] = preview
	b.mu.Unlock()
}

func (b *Backend) preview(ctx context.Context, songID string) (string, error) {
	b.mu.Lock()
	u, ok := b.previews[songID]
	b.mu.Unlock()
	if ok {
		return u, nil
	}

	// songs restored from a previous run were never searched for
	if _, err := strconv.ParseInt(songID, 10, 64); err != nil {
		return "", fmt.Errorf("invalid deezer track id %q", songID)
	}
	var item trackItem
	if err := b.get(ctx, fmt.Sprintf("%s/track/%s", b.apiURL, songID), &item); err != nil {
		return "", err
	}
	if item.Preview == "" {
		return "", fmt.Errorf("deezer track %s has no preview", songID)
	}
	b.remember(songID, item.Preview)
	return item.Preview, nil
}

func (b *Backend) open(ctx context.Context, songID string) (backend.Source, error) {
	u, err := b.preview(ctx, songID)
	if err != nil {
		return backend.Source{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return backend.Source{}, fmt.Errorf("failed to create preview request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := b.streamClient.Do(req)
	if err != nil {
		return backend.Source{}, fmt.Errorf("preview request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return backend.Source{}, fmt.Errorf("preview request returned %d", resp.StatusCode)
	}
	return backend.Source{Body: resp.Body}, nil
}

// get fetches an API endpoint and decodes the JSON response into v.
func (b *Backend) get(ctx context.Context, reqURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create deezer request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deezer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("deezer returned %d: %s", resp.StatusCode, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read deezer response: %w", err)
	}
	// errors come back as 200 with an error object
	var e struct {
		Error *apiError `json:"error,omitempty"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != nil {
		return fmt.Errorf("deezer API error: %s", e.Error.Message)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode deezer response: %w", err)
	}
	return nil
}

// buildQuery turns "Artist - Title" into Deezer's advanced search syntax
// and passes anything else through.
func buildQuery(query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	q := search.NormalizeQuery(query, "")
	if q.Artist == "" || !strings.Contains(query, " - ") {
		return query
	}
	escape := func(s string) string {
		return strings.ReplaceAll(s, "\"", "")
	}
	return "artist:\"" + escape(q.Artist) + "\" track:\"" + escape(q.Title) + "\""
}

type searchResponse struct {
	Data []trackItem `json:"data"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type trackItem struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	TitleShort string    `json:"title_short"`
	Preview    string    `json:"preview"`
	Artist     artist    `json:"artist"`
	Album      albumInfo `json:"album"`
}

type artist struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type albumInfo struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	CoverMedium string `json:"cover_medium"`
	CoverBig    string `json:"cover_big"`
	CoverXL     string `json:"cover_xl"`
}

func (t trackItem) metadata(format string) song.Metadata {
	title := t.TitleShort
	if title == "" {
		title = t.Title
	}
	hq := t.Album.CoverXL
	if hq == "" {
		hq = t.Album.CoverBig
	}
	return song.Metadata{
		Backend:  Name,
		SongID:   strconv.FormatInt(t.ID, 10),
		Title:    title,
		Artist:   t.Artist.Name,
		Album:    t.Album.Title,
		AlbumArt: song.AlbumArt{LQ: t.Album.CoverMedium, HQ: hq},
		Duration: PreviewLength.Milliseconds(),
		Format:   format,
	}
}
