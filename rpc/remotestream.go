package rpc

import (
	"context"
	"io"
	"sync"

	"github.com/guseggert/remotify/stream"
)

var (
	_ stream.Stream[any] = (*RemoteStream)(nil)
	_ io.Closer          = (*RemoteStream)(nil)
)

// creditBatch is how many consumed elements the client acknowledges at once.
// Credit is also flushed whenever the consumer drains the buffer, so a server window smaller
// than the batch cannot stall.
const creditBatch = 16

type streamEvent struct {
	item  any
	final bool
	err   error
}

// RemoteStream is a stream produced on the server, materialized from a marker in a call
// result. Elements are buffered in arrival order until pulled; the server never has more
// than its stream window in flight. A RemoteStream is not restartable: once it has reported
// its end or failure, Next returns io.EOF.
type RemoteStream struct {
	id     uint64
	client *Client

	// guarded by client.mu
	materialized bool
	ended        bool

	mu      sync.Mutex
	queue   []streamEvent
	notify  chan struct{}
	done    bool
	closed  bool
	unacked uint32
}

func newRemoteStream(c *Client, id uint64) *RemoteStream {
	return &RemoteStream{id: id, client: c, notify: make(chan struct{})}
}

// ID returns the server-assigned stream id.
func (s *RemoteStream) ID() uint64 {
	return s.id
}

func (s *RemoteStream) push(ev streamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	close(s.notify)
	s.notify = make(chan struct{})
}

// Next returns the next element, waiting for it to arrive if necessary.
// It returns io.EOF when the server reports the end of the stream, and the stream's
// failure (an *Error, or ErrConnClosed) exactly once if it fails.
func (s *RemoteStream) Next(ctx context.Context) (any, error) {
	for {
		s.mu.Lock()
		if s.done {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = streamEvent{}
			s.queue = s.queue[1:]
			if ev.final || ev.err != nil {
				s.done = true
				s.queue = nil
				s.mu.Unlock()
				if ev.err != nil {
					return nil, ev.err
				}
				return nil, io.EOF
			}

			s.unacked++
			var credit uint32
			if s.unacked >= creditBatch || len(s.queue) == 0 {
				credit, s.unacked = s.unacked, 0
			}
			s.mu.Unlock()

			if credit > 0 {
				s.client.sendControl(message{Type: msgCredit, ID: s.id, Credit: credit})
			}
			return ev.item, nil
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops consuming the stream and asks the server to stop producing it.
// Buffered elements are discarded. Closing an ended stream is a no-op.
func (s *RemoteStream) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	s.closed = true
	s.queue = nil
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	if s.client.Err() == nil {
		s.client.sendControl(message{Type: msgCancel, ID: s.id})
	}
	return nil
}
