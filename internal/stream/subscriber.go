package stream

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// subscriber is one live stream connection. Frames are staged in an
// unbounded-depth outbox capped by a byte budget; the hub's write pump is
// the only goroutine that touches the connection for writes.
type subscriber struct {
	id   string
	conn *websocket.Conn

	mu      sync.Mutex
	pending [][]byte
	queued  int64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// enqueue stages msg for the write pump unless that would push the buffered
// byte total past limit. It never blocks.
func (s *subscriber) enqueue(msg []byte, limit int64) bool {
	s.mu.Lock()
	if s.queued+int64(len(msg)) > limit {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, msg)
	s.queued += int64(len(msg))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest staged frame. Dequeued bytes leave the budget; the
// single in-flight write is not counted as buffered.
func (s *subscriber) next() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		s.pending = nil
		return nil, false
	}
	msg := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.queued -= int64(len(msg))
	return msg, true
}

// buffered returns the staged byte total.
func (s *subscriber) buffered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// close signals teardown. The write pump owns the connection and closes it
// on exit.
func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// closing reports whether teardown has been signalled.
func (s *subscriber) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
