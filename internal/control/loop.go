// Package control provides the serialized executor that owns player, queue
// and hook state. Everything touching that state runs as a function on the
// loop; background work reports back with Post.
package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("control loop stopped")

// Loop runs posted functions one at a time, in posting order.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stopped chan struct{}
	running bool
}

// New creates an idle loop. Call Run to start executing.
func New() *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Post queues fn for execution and returns immediately. The mailbox is
// unbounded, so Post never blocks the caller (an encode goroutine or a
// timer callback) on a busy loop.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do posts fn and waits for its result. It must not be called from a
// function already running on the loop. When ctx ends before fn was
// dequeued, fn is skipped and ctx.Err() returned; once fn has started Do
// waits for it, so an error from ctx always means fn never ran.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	var claimed atomic.Bool
	result := make(chan error, 1)
	l.Post(func() {
		if claimed.CompareAndSwap(false, true) {
			result <- fn()
		}
	})

	select {
	case err := <-result:
		return err
	case <-l.stopped:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		return <-result
	}
}

// Run executes posted functions until ctx is canceled. Functions still
// pending at that point are dropped.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()
	defer close(l.stopped)

	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			fn()
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// Stopped is closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}
