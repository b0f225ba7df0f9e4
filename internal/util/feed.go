package util

import "sync"

// Feed keeps the newest items in a RingBuffer and hands every published item
// to the current subscribers. A subscriber that falls behind misses items
// rather than blocking Publish.
type Feed[T any] struct {
	*RingBuffer[T]

	mu   sync.Mutex
	subs map[chan T]struct{}
}

func NewFeed[T any](capacity int) *Feed[T] {
	return &Feed[T]{
		RingBuffer: NewRingBuffer[T](capacity),
		subs:       make(map[chan T]struct{}),
	}
}

// Publish stores item and offers it to each subscriber.
func (f *Feed[T]) Publish(item T) {
	f.Push(item)
	f.mu.Lock()
	for ch := range f.subs {
		select {
		case ch <- item:
		default:
		}
	}
	f.mu.Unlock()
}

// Subscribe returns a channel of items published from now on. cancel closes
// the channel and may be called more than once.
func (f *Feed[T]) Subscribe(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

// Subscribers returns the number of open subscriptions.
func (f *Feed[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
