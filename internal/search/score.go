package search

import (
	"regexp"
	"strings"
)

// Threshold is the minimum score for a song to be returned by a search.
const Threshold = 0.5

// "Artist - Title" typed into a search box; spaces keep "Jay-Z" whole
var queryArtistTitle = regexp.MustCompile(`^(.+?)\s+[-\x{2013}\x{2014}]\s+(.+)$`)

// Track is the searchable part of song metadata.
type Track struct {
	Title  string
	Artist string
	Album  string
}

// Score returns how well t matches a free-text query, from 0 to 1.
// "Artist - Title" queries are weighted per field; other queries are
// matched word by word against title, artist and album together.
func Score(query string, t Track) float64 {
	if strings.TrimSpace(query) == "" {
		return 0
	}

	if m := queryArtistTitle.FindStringSubmatch(query); m != nil {
		return Match(Query{Title: m[2], Artist: m[1]}, t)
	}

	q := normalize(query)
	title := similarity(q, normalize(t.Title))
	words := coverage(tokenize(q), tokenize(normalize(t.Title+" "+t.Artist+" "+t.Album)))
	return max(title, words)
}

// Match scores a title/artist query against t.
func Match(q Query, t Track) float64 {
	titleScore := similarity(normalize(q.Title), normalize(t.Title))
	if q.Artist == "" {
		return titleScore
	}
	artistScore := similarity(normalize(q.Artist), normalize(t.Artist))
	// 60% title, 40% artist
	return titleScore*0.6 + artistScore*0.4
}

// similarity returns how similar two normalized strings are (0.0-1.0).
// Compact comparison handles "theweeknd" vs "the weeknd".
func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	if strings.ReplaceAll(a, " ", "") == strings.ReplaceAll(b, " ", "") {
		return 1.0
	}

	tokensA := tokenize(a)
	tokensB := tokenize(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0.0
	}

	setB := make(map[string]bool, len(tokensB))
	for _, t := range tokensB {
		setB[t] = true
	}

	matches := 0
	for _, t := range tokensA {
		if setB[t] {
			matches++
		}
	}

	return float64(matches) / float64(max(len(tokensA), len(tokensB)))
}

// coverage is the share of query words found in the haystack. A query word
// that only prefixes a haystack word counts for 3/4.
func coverage(query, haystack []string) float64 {
	if len(query) == 0 || len(haystack) == 0 {
		return 0
	}

	var total float64
	for _, q := range query {
		best := 0.0
		for _, h := range haystack {
			if q == h {
				best = 1
				break
			}
			if len(q) >= 3 && strings.HasPrefix(h, q) {
				best = 0.75
			}
		}
		total += best
	}
	return total / float64(len(query))
}
