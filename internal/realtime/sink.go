package realtime

import (
	"errors"
	"sync"
)

var (
	ErrSinkClosed = errors.New("sink closed")
	ErrSinkFull   = errors.New("sink buffer full")
)

// Sink pushes serialized events towards one remote client. Send must not block.
type Sink interface {
	Send(payload []byte) error
	Close() error
}

// QueueSink is a bounded in-memory Sink drained by the transport goroutine that
// owns the underlying socket (SSE response writer or WebSocket connection).
type QueueSink struct {
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewQueueSink(buffer int) *QueueSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &QueueSink{
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (s *QueueSink) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}

	select {
	case s.out <- payload:
		return nil
	case <-s.done:
		return ErrSinkClosed
	default:
		return ErrSinkFull
	}
}

// Close is idempotent. Queued payloads are abandoned.
func (s *QueueSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// Out yields queued payloads in the order they were sent.
func (s *QueueSink) Out() <-chan []byte {
	return s.out
}

// Done is closed once the sink is closed.
func (s *QueueSink) Done() <-chan struct{} {
	return s.done
}
