package testcluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPromiseSetOnce(t *testing.T) {
	p := newPromise[int]()

	if _, ok := p.peek(); ok {
		t.Fatal("peek() reported a value before set")
	}
	if !p.set(1) {
		t.Error("first set() should win")
	}
	if p.set(2) {
		t.Error("second set() should lose")
	}
	if v, ok := p.peek(); !ok || v != 1 {
		t.Errorf("peek() = %d, %v; want 1, true", v, ok)
	}
}

func TestPromiseWaitWakesAllReaders(t *testing.T) {
	p := newPromise[string]()

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.wait(context.Background())
			if err != nil {
				t.Errorf("wait() unexpected error: %v", err)
			}
			results[i] = v
		}()
	}

	time.Sleep(10 * time.Millisecond)
	p.set("ready")
	wg.Wait()

	for i, v := range results {
		if v != "ready" {
			t.Errorf("reader %d got %q", i, v)
		}
	}
}

func TestPromiseWaitDeadline(t *testing.T) {
	p := newPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("wait() returned after %v, before the deadline", elapsed)
	}
}
