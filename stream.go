package rtrelay

import "sync"

// stream is an unbounded, single-reader FIFO. Writers never block, so the
// session dispatcher cannot stall behind a slow consumer. The reader obtains
// the values once through take; the sequence is single-pass.
type stream[T any] struct {
	mu     sync.Mutex
	buf    []T
	closed bool
	taken  bool
	wake   chan struct{}
}

func newStream[T any]() *stream[T] {
	return &stream[T]{wake: make(chan struct{}, 1)}
}

// push appends v. It reports false if the stream was already closed.
func (s *stream[T]) push(v T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.buf = append(s.buf, v)
	s.mu.Unlock()
	s.notify()
	return true
}

// close ends the sequence after the values already pushed. Idempotent.
func (s *stream[T]) close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.notify()
	}
}

func (s *stream[T]) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take hands the sequence to its reader. Every later call returns a closed,
// empty channel.
func (s *stream[T]) take() <-chan T {
	s.mu.Lock()
	if s.taken {
		s.mu.Unlock()
		ch := make(chan T)
		close(ch)
		return ch
	}
	s.taken = true
	s.mu.Unlock()

	out := make(chan T)
	go s.pump(out)
	return out
}

func (s *stream[T]) consumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taken
}

func (s *stream[T]) pump(out chan<- T) {
	defer close(out)
	var zero T
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			v := s.buf[0]
			s.buf[0] = zero
			s.buf = s.buf[1:]
			s.mu.Unlock()
			out <- v
			continue
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		<-s.wake
	}
}
