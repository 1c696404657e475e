package stream

import (
	"context"
	"errors"
	"io"
)

// Side identifies which input of a merge produced an item.
type Side int

const (
	First Side = iota
	Second
)

func (s Side) String() string {
	if s == First {
		return "first"
	}
	return "second"
}

// Tagged is an item of a merged stream together with the input it came from.
type Tagged[T any] struct {
	From Side
	Item T
}

type pulled[T any] struct {
	item T
	err  error
}

// Merged interleaves two streams, yielding from whichever produces next.
// Next must not be called concurrently.
type Merged[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	srcs [2]Stream[T]
	// pulls holds one outstanding pull per live source. A retired source has a nil
	// channel, which never wins a select.
	pulls    [2]chan pulled[T]
	inflight [2]bool
	err      error
}

// Merge keeps a pull outstanding on both a and b at all times. Whichever resolves first
// is yielded and only that source is pulled again. A source reporting io.EOF is retired;
// the merge ends once both are retired. Ties are broken by the runtime's select.
// A non-EOF error from either source terminates the merge and closes both sources.
func Merge[T any](ctx context.Context, a, b Stream[T]) *Merged[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &Merged[T]{
		ctx:    ctx,
		cancel: cancel,
		srcs:   [2]Stream[T]{a, b},
		pulls:  [2]chan pulled[T]{make(chan pulled[T], 1), make(chan pulled[T], 1)},
	}
}

func (m *Merged[T]) pull(i int) {
	if m.inflight[i] || m.pulls[i] == nil {
		return
	}
	m.inflight[i] = true
	src, ch, ctx := m.srcs[i], m.pulls[i], m.ctx
	go func() {
		item, err := src.Next(ctx)
		ch <- pulled[T]{item: item, err: err}
	}()
}

func (m *Merged[T]) Next(ctx context.Context) (Tagged[T], error) {
	var zero Tagged[T]
	for {
		if m.err != nil {
			return zero, m.err
		}
		if m.pulls[0] == nil && m.pulls[1] == nil {
			m.cancel()
			return zero, io.EOF
		}
		m.pull(0)
		m.pull(1)

		var (
			side Side
			res  pulled[T]
		)
		select {
		case res = <-m.pulls[0]:
			side = First
		case res = <-m.pulls[1]:
			side = Second
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		m.inflight[side] = false

		if errors.Is(res.err, io.EOF) {
			m.pulls[side] = nil
			continue
		}
		if res.err != nil {
			m.err = res.err
			m.pulls = [2]chan pulled[T]{}
			_ = m.Close()
			return zero, res.err
		}
		return Tagged[T]{From: side, Item: res.item}, nil
	}
}

// Close stops outstanding pulls and closes both sources.
func (m *Merged[T]) Close() error {
	m.cancel()
	return errors.Join(Close(m.srcs[0]), Close(m.srcs[1]))
}
