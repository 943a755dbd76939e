// Package events provides ordered fan-out event sequences.
package events

import "sync"

// Broadcaster delivers published values to every subscriber in publish
// order. Publishing never blocks: values are queued and handed to
// subscribers by a single dispatcher goroutine, so subscribers run
// sequentially in registration order and may call back into the publisher.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	subs   []subscriber[T]
	nextID uint64
	closed bool
	done   chan struct{}
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// NewBroadcaster creates a broadcaster and starts its dispatcher.
func NewBroadcaster[T any]() *Broadcaster[T] {
	b := &Broadcaster[T]{done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broadcaster[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues v for delivery. It reports false after Close.
func (b *Broadcaster[T]) Publish(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.queue = append(b.queue, v)
	b.cond.Signal()
	return true
}

// Count returns the number of subscribers.
func (b *Broadcaster[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops delivery. Values still queued are dropped and no subscriber
// is invoked after Close returns, except one already running.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.queue = nil
	b.subs = nil
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Done is closed when the dispatcher has exited.
func (b *Broadcaster[T]) Done() <-chan struct{} {
	return b.done
}

func (b *Broadcaster[T]) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		v := b.queue[0]
		var zero T
		b.queue[0] = zero
		b.queue = b.queue[1:]
		subs := make([]subscriber[T], len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			if !b.deliver(s, v) {
				return
			}
		}
	}
}

// deliver invokes one subscriber unless the broadcaster was closed in the
// meantime. A panicking subscriber does not stop the dispatcher.
func (b *Broadcaster[T]) deliver(s subscriber[T], v T) (ok bool) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return false
	}

	defer func() {
		if recover() != nil {
			ok = true
		}
	}()
	s.fn(v)
	return true
}
