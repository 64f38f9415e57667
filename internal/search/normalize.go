// Package search cleans up song titles and scores how well a song matches a
// free-text query. Backends share it so their scores are comparable.
package search

import (
	"regexp"
	"strings"
	"unicode"
)

// Upload suffixes that say nothing about the song, in () or []
var suffixPattern = regexp.MustCompile(`(?i)\s*[\(\[]\s*(?:official\s+(?:music\s+|lyric\s+)?(?:video|audio|visualizer)|lyrics?|visual(?:izer)?|audio|hd|hq|4k|explicit|clean)\s*[\)\]]`)

var featuringPattern = regexp.MustCompile(`(?i)\s*[\(\[]\s*(?:feat\.?|ft\.?|featuring)\s+([^\)\]]+)[\)\]]`)

var vevoPattern = regexp.MustCompile(`(?i)vevo$`)

// "Artist - Title", with hyphen, en or em dash
var artistTitleSeparator = regexp.MustCompile(`^(.+?)\s*[-\x{2013}\x{2014}]\s*(.+)$`)

// Query is a cleaned-up title/artist pair.
type Query struct {
	Title  string
	Artist string
}

// NormalizeQuery strips upload noise from a title and artist. When the
// artist is unknown it is split off an "Artist - Title" string.
func NormalizeQuery(title, artist string) Query {
	title = strings.TrimSpace(title)
	artist = strings.TrimSpace(vevoPattern.ReplaceAllString(strings.TrimSpace(artist), ""))

	if title == "" {
		return Query{Artist: artist}
	}

	title = suffixPattern.ReplaceAllString(title, "")
	title = featuringPattern.ReplaceAllString(title, "")

	if artist == "" {
		if m := artistTitleSeparator.FindStringSubmatch(title); m != nil {
			artist = strings.TrimSpace(m[1])
			title = m[2]
		}
	}

	return Query{
		Title:  strings.TrimSpace(title),
		Artist: artist,
	}
}

// normalize lowercases and strips non-alphanumeric characters for comparison.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func tokenize(s string) []string {
	return strings.Fields(s)
}
