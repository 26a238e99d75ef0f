// Package events provides bounded typed streams for session
// notifications. Publishing never blocks; a full buffer drops the event
// and counts it.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/edgelink/internal/observability"
)

const DefaultBuffer = 64

// Stream is a single-consumer FIFO of T.
type Stream[T any] struct {
	name    string
	ch      chan T
	dropped atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewStream[T any](name string, buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream[T]{name: name, ch: make(chan T, buffer)}
}

// Publish enqueues v and reports whether it was accepted.
func (s *Stream[T]) Publish(v T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- v:
		return true
	default:
		s.dropped.Add(1)
		observability.RecordDroppedEvent(s.name)
		return false
	}
}

// C is the receive side. It is closed by Close.
func (s *Stream[T]) C() <-chan T {
	return s.ch
}

func (s *Stream[T]) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Stream[T]) Name() string {
	return s.name
}

func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
