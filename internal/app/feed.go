package app

import (
	"context"
	"sync"
)

// Feed is a single-value observable stream: a subscriber receives the
// current value immediately and every published value after that. Slow
// subscribers skip intermediate values and land on the latest.
type Feed[T any] struct {
	mu   sync.Mutex
	cur  T
	subs map[chan T]struct{}
}

func NewFeed[T any](initial T) *Feed[T] {
	return &Feed[T]{cur: initial, subs: make(map[chan T]struct{})}
}

// Publish replaces the current value and fans it out. Never blocks.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = v
	for ch := range f.subs {
		select {
		case ch <- v:
		default:
			// drain the stale value so the subscriber sees the latest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

func (f *Feed[T]) Current() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

// Subscribe registers a receiver bound to ctx. The current value is
// delivered first. The channel is abandoned, not closed, on cancel.
func (f *Feed[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	f.mu.Lock()
	ch <- f.cur
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}()
	return ch
}
