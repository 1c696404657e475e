package stream

import (
	"context"
	"errors"
	"io"
	"iter"
)

// Stream is a lazily-produced, ordered sequence of items consumed one pull at a time.
// Next returns io.EOF exactly once the sequence is exhausted; any other error is terminal.
// Implementations may also implement io.Closer to release resources when a consumer stops early.
type Stream[T any] interface {
	Next(ctx context.Context) (T, error)
}

// Func adapts a pull function into a Stream.
type Func[T any] func(ctx context.Context) (T, error)

func (f Func[T]) Next(ctx context.Context) (T, error) { return f(ctx) }

type sliceStream[T any] struct {
	items []T
}

func (s *sliceStream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if len(s.items) == 0 {
		return zero, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}

// FromSlice returns a stream that yields items in order.
func FromSlice[T any](items ...T) Stream[T] {
	return &sliceStream[T]{items: items}
}

type mapStream[T, U any] struct {
	src Stream[T]
	fn  func(T) (U, error)
}

func (m *mapStream[T, U]) Next(ctx context.Context) (U, error) {
	var zero U
	item, err := m.src.Next(ctx)
	if err != nil {
		return zero, err
	}
	return m.fn(item)
}

func (m *mapStream[T, U]) Close() error { return Close(m.src) }

// Map transforms each item of src. An error from fn terminates the stream.
func Map[T, U any](src Stream[T], fn func(T) (U, error)) Stream[U] {
	return &mapStream[T, U]{src: src, fn: fn}
}

// Boxed erases the item type of s.
func Boxed[T any](s Stream[T]) Stream[any] {
	if b, ok := any(s).(Stream[any]); ok {
		return b
	}
	return Map(s, func(item T) (any, error) { return item, nil })
}

// Close closes s if it implements io.Closer.
func Close[T any](s Stream[T]) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// All exposes s as an iterator of (item, error) pairs.
// Iteration ends after io.EOF, or after yielding the first non-EOF error.
// Breaking out of the loop closes the stream.
func All[T any](ctx context.Context, s Stream[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(item, err)
				return
			}
			if !yield(item, nil) {
				_ = Close(s)
				return
			}
		}
	}
}

// Collect drains s into a slice.
func Collect[T any](ctx context.Context, s Stream[T]) ([]T, error) {
	var items []T
	for item, err := range All(ctx, s) {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}
