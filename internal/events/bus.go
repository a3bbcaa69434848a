// Package events provides a typed publish/subscribe bus for lifecycle
// notifications between components.
package events

import (
	"sync"

	"go.uber.org/atomic"
)

// Publisher is the sending side of a bus. Components depend on it so that
// tests can substitute a Recorder.
type Publisher[T any] interface {
	Publish(event T)
}

// Bus fans every published event out to all current subscriptions.
// Publish never blocks: each subscription buffers undelivered events
// and hands them out in publish order.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription[T]
	nextID atomic.Int64
	closed bool
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{
		subs: make(map[int64]*Subscription[T]),
	}
}

// Subscription is the receiving side of a bus.
type Subscription[T any] struct {
	C <-chan T

	id  int64
	bus *Bus[T]
	out chan T

	mu      sync.Mutex
	pending []T
	wakeCh  chan struct{}
	doneCh  chan struct{}

	closeOnce sync.Once
}

// Subscribe registers a new receiver. Events published before this call
// are not delivered to it.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	out := make(chan T)
	sub := &Subscription[T]{
		C:      out,
		id:     b.nextID.Add(1),
		bus:    b,
		out:    out,
		wakeCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.doneCh)
		close(out)
		return sub
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	return sub
}

func (b *Bus[T]) Publish(event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		sub.push(event)
	}
}

// Close closes every subscription. Publishing after Close is a no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[int64]*Subscription[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (b *Bus[T]) remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Close detaches the subscription from its bus and closes C.
func (s *Subscription[T]) Close() {
	s.bus.remove(s.id)
	s.stop()
}

func (s *Subscription[T]) stop() {
	s.closeOnce.Do(func() {
		close(s.doneCh)
	})
}

func (s *Subscription[T]) push(event T) {
	s.mu.Lock()
	s.pending = append(s.pending, event)
	s.mu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) run() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wakeCh:
				continue
			case <-s.doneCh:
				return
			}
		}
		event := s.pending[0]
		var zero T
		s.pending[0] = zero
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- event:
		case <-s.doneCh:
			return
		}
	}
}

// Recorder is a Publisher that keeps every event in memory.
type Recorder[T any] struct {
	mu     sync.Mutex
	events []T
}

func (r *Recorder[T]) Publish(event T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder[T]) Events() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.events...)
}
