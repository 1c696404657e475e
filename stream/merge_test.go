package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMergeYieldsEveryItemOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	m := Merge(ctx, FromSlice("a1", "a2"), FromSlice("b1"))
	items, err := Collect[Tagged[string]](ctx, m)
	require.NoError(t, err)
	require.Len(t, items, 3)

	var fromFirst []string
	var fromSecond []string
	for _, it := range items {
		switch it.From {
		case First:
			fromFirst = append(fromFirst, it.Item)
		case Second:
			fromSecond = append(fromSecond, it.Item)
		}
	}
	assert.Equal(t, []string{"a1", "a2"}, fromFirst)
	assert.Equal(t, []string{"b1"}, fromSecond)

	_, err = m.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMergeAdvancesFasterSource(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	slow := NewPipe()
	fast := FromSlice("f1", "f2", "f3")
	m := Merge[string](ctx, slow, fast)

	// The slow source has nothing yet, so every fast item comes through first.
	for _, exp := range []string{"f1", "f2", "f3"} {
		it, err := m.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, Tagged[string]{From: Second, Item: exp}, it)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = slow.WriteString("s1")
		slow.End()
	}()

	it, err := m.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Tagged[string]{From: First, Item: "s1"}, it)

	_, err = m.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMergeWaitsForBothSources(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	a := NewPipe()
	m := Merge[string](ctx, a, FromSlice[string]())

	nextCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := m.Next(nextCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	a.End()
	_, err = m.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMergeSourceFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	boom := errors.New("boom")
	failing := Func[string](func(ctx context.Context) (string, error) { return "", boom })
	idle := NewPipe()
	m := Merge[string](ctx, failing, idle)

	_, err := m.Next(ctx)
	require.ErrorIs(t, err, boom)

	// the merge is terminal and the other source was closed
	_, err = m.Next(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = idle.WriteString("late")
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestMergeClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	a, b := NewPipe(), NewPipe()
	m := Merge[string](ctx, a, b)

	nextCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := m.Next(nextCtx)
	require.Error(t, err)

	require.NoError(t, m.Close())
	_, err = a.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
