// Package progress draws a single-line terminal progress bar.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	width       = 40
	redrawEvery = 500 * time.Millisecond
)

// Bar counts finished items out of a total and redraws itself in place.
type Bar struct {
	out   io.Writer
	label string

	mu        sync.Mutex
	total     int
	current   int
	startTime time.Time
	lastDraw  time.Time
	done      bool
}

// New creates a bar for total items writing to out.
func New(out io.Writer, label string, total int) *Bar {
	now := time.Now()
	return &Bar{
		out:       out,
		label:     label,
		total:     total,
		startTime: now,
		lastDraw:  now,
	}
}

// Increment counts one finished item.
func (b *Bar) Increment() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current++
	now := time.Now()
	if now.Sub(b.lastDraw) > redrawEvery || b.current >= b.total {
		b.draw(now)
		b.lastDraw = now
	}
}

// Finish draws the bar full and ends the line.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return
	}
	b.current = b.total
	b.draw(time.Now())
	fmt.Fprintln(b.out)
	b.done = true
}

func (b *Bar) draw(now time.Time) {
	if b.done || b.total <= 0 {
		return
	}

	ratio := min(float64(b.current)/float64(b.total), 1)
	elapsed := now.Sub(b.startTime)

	var eta time.Duration
	if b.current > 0 {
		eta = elapsed / time.Duration(b.current) * time.Duration(max(b.total-b.current, 0))
	}

	filled := int(ratio * width)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	fmt.Fprintf(b.out, "\r%s [%s] %d/%d (%.1f%%) - Elapsed: %s - ETA: %s   ",
		b.label,
		bar,
		b.current,
		b.total,
		ratio*100,
		formatDuration(elapsed),
		formatDuration(eta),
	)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
