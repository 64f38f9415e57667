package stream

import (
	"errors"
	"strconv"
	"strings"
)

// ErrBadRange is returned for Range headers that cannot be served.
var ErrBadRange = errors.New("unsatisfiable range")

// Range is a single byte range from a Range header. End is inclusive and
// -1 when open. Suffix is set for "bytes=-n".
type Range struct {
	Start  int64
	End    int64
	Suffix int64
}

// ParseRange parses a Range header. An empty header returns nil. Only a
// single range in bytes is supported.
func ParseRange(h string) (*Range, error) {
	if h == "" {
		return nil, nil
	}
	set, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return nil, ErrBadRange
	}
	set = strings.TrimSpace(set)
	if strings.Contains(set, ",") {
		return nil, ErrBadRange
	}
	first, last, ok := strings.Cut(set, "-")
	if !ok {
		return nil, ErrBadRange
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrBadRange
		}
		return &Range{End: -1, Suffix: n}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, ErrBadRange
	}
	r := &Range{Start: start, End: -1}
	if last != "" {
		end, err := strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, ErrBadRange
		}
		r.End = end
	}
	return r, nil
}

// Bounds resolves the range against n available bytes into [start, end).
// end is -1 when the range is open. Suffix ranges count back from n.
func (r Range) Bounds(n int64) (start, end int64) {
	if r.Suffix > 0 {
		start = max(0, n-r.Suffix)
		return start, start + r.Suffix
	}
	if r.End < 0 {
		return r.Start, -1
	}
	return r.Start, r.End + 1
}
