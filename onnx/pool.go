package onnx

import (
	"errors"
	"sync"
)

var errEncoderClosed = errors.New("encoder closed")

// sessionPool hands out a fixed set of sessions. The channel is never closed,
// so a release after drain has started cannot panic.
type sessionPool[T any] struct {
	ch        chan T
	done      chan struct{}
	size      int
	drainOnce sync.Once
}

func newSessionPool[T any](capacity int) *sessionPool[T] {
	return &sessionPool[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// put adds a session while the pool is being built.
func (p *sessionPool[T]) put(v T) {
	p.size++
	p.ch <- v
}

func (p *sessionPool[T]) acquire() (T, error) {
	var zero T
	select {
	case <-p.done:
		return zero, errEncoderClosed
	default:
	}
	select {
	case v := <-p.ch:
		return v, nil
	case <-p.done:
		return zero, errEncoderClosed
	}
}

func (p *sessionPool[T]) release(v T) {
	p.ch <- v
}

// drain stops new checkouts and blocks until every session is back, then
// returns them for destruction. Later calls return nothing.
func (p *sessionPool[T]) drain() []T {
	var out []T
	p.drainOnce.Do(func() {
		close(p.done)
		out = make([]T, 0, p.size)
		for range p.size {
			out = append(out, <-p.ch)
		}
	})
	return out
}
