package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPostRunsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New()
	go l.Run(ctx)

	var got []int
	for i := 0; i < 100; i++ {
		n := i
		l.Post(func() { got = append(got, n) })
	}
	// Do runs after every earlier Post
	if err := l.Do(ctx, func() error { return nil }); err != nil {
		t.Fatal(err)
	}

	if len(got) != 100 {
		t.Fatalf("ran %d functions, want 100", len(got))
	}
	for i, n := range got {
		if n != i {
			t.Fatalf("got[%d] = %d, out of order", i, n)
		}
	}
}

func TestDoReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New()
	go l.Run(ctx)

	want := errors.New("nope")
	if err := l.Do(ctx, func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Do() error = %v, want %v", err, want)
	}
}

func TestPostFromManyGoroutinesIsSerialized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New()
	go l.Run(ctx)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Do(ctx, func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestDoAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New()
	go l.Run(ctx)
	cancel()

	select {
	case <-l.Stopped():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	err := l.Do(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Do() after stop = %v, want ErrStopped", err)
	}
}

func TestDoSkipsWhenCallerGaveUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New()
	go l.Run(ctx)

	gate := make(chan struct{})
	l.Post(func() { <-gate })

	callCtx, giveUp := context.WithTimeout(ctx, 20*time.Millisecond)
	defer giveUp()
	ran := false
	err := l.Do(callCtx, func() error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() = %v, want DeadlineExceeded", err)
	}

	close(gate)
	if err := l.Do(ctx, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("a call whose caller gave up must not run")
	}
}

func TestDoWaitsForStartedCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New()
	go l.Run(ctx)

	started := make(chan struct{})
	gate := make(chan struct{})
	callCtx, giveUp := context.WithCancel(ctx)
	result := make(chan error, 1)
	go func() {
		result <- l.Do(callCtx, func() error {
			close(started)
			<-gate
			return nil
		})
	}()

	<-started
	giveUp()
	select {
	case err := <-result:
		t.Fatalf("Do() returned %v while its call was still running", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Do() = %v, want the call's own result", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do() never returned")
	}
}
