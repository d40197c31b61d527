package testcluster

import (
	"context"
	"sync"
)

// promise is a value written at most once and awaited by any number of
// readers.
type promise[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{done: make(chan struct{})}
}

// set stores v unless a value was already stored. It reports whether v won.
func (p *promise[T]) set(v T) bool {
	won := false
	p.once.Do(func() {
		p.val = v
		close(p.done)
		won = true
	})
	return won
}

func (p *promise[T]) peek() (T, bool) {
	select {
	case <-p.done:
		return p.val, true
	default:
		var zero T
		return zero, false
	}
}

func (p *promise[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
