package notify

import (
	"context"
	"sync"
)

// Stream buffers events for one live listener, such as a websocket client.
// A slow listener loses events instead of blocking publishers.
type Stream struct {
	ch     chan Event
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewStream creates a stream with the given buffer size.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{ch: make(chan Event, buffer)}
}

// Handle enqueues e, dropping it when the buffer is full.
func (s *Stream) Handle(_ context.Context, e Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- e:
	default:
	}
	return nil
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close stops the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
