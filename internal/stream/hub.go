package stream

import (
	"context"
	"sync"
)

// Subscription is a live view of a stream. Values are delivered on C in
// publish order; nothing published before the subscription existed is
// replayed.
type Subscription[T any] struct {
	q       *Queue[T]
	out     chan T
	done    chan struct{}
	once    sync.Once
	release func()
}

func newSubscription[T any](release func()) *Subscription[T] {
	s := &Subscription[T]{
		q:       NewQueue[T](),
		out:     make(chan T),
		done:    make(chan struct{}),
		release: release,
	}
	go s.pump()
	return s
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		v, ok := s.q.Pop(context.Background())
		if !ok {
			return
		}
		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Close detaches the subscription from its source.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		s.q.Close()
		if s.release != nil {
			s.release()
		}
	})
}

func (s *Subscription[T]) push(v T) bool {
	return s.q.Push(v)
}

// Hub fans published values out to every current subscriber.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewHub creates a hub with no subscribers.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe attaches a new subscriber. Subscribing to a closed hub returns
// an already closed subscription.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	var s *Subscription[T]
	s = newSubscription[T](func() { h.remove(s) })

	h.mu.Lock()
	closed := h.closed
	if !closed {
		h.subs[s] = struct{}{}
	}
	h.mu.Unlock()

	if closed {
		s.Close()
	}
	return s
}

// Publish delivers v to every subscriber without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.push(v)
	}
}

// Close closes every subscription and rejects new ones.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription[T]]struct{})
	h.closed = true
	h.mu.Unlock()

	for s := range subs {
		s.Close()
	}
}

func (h *Hub[T]) remove(s *Subscription[T]) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Transform derives a subscription from src. fn may expand one value into
// several or drop it by returning nil. Closing the result closes src.
func Transform[T, U any](src *Subscription[T], fn func(T) []U) *Subscription[U] {
	dst := newSubscription[U](src.Close)
	go func() {
		defer dst.Close()
		for {
			select {
			case v, ok := <-src.C():
				if !ok {
					return
				}
				for _, u := range fn(v) {
					dst.push(u)
				}
			case <-dst.done:
				return
			}
		}
	}()
	return dst
}
