package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversChunksBeforeEnd(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		// push delivers data("x"), data("y"), end, possibly interleaved with pulls
		push func(p *Pipe, pulled <-chan struct{})
	}{
		{
			name: "all events before first pull",
			push: func(p *Pipe, _ <-chan struct{}) {
				_, _ = p.Write([]byte("x"))
				_, _ = p.WriteString("y")
				p.End()
			},
		},
		{
			name: "events after pulls start",
			push: func(p *Pipe, _ <-chan struct{}) {
				go func() {
					time.Sleep(5 * time.Millisecond)
					_, _ = p.Write([]byte("x"))
					time.Sleep(5 * time.Millisecond)
					_, _ = p.WriteString("y")
					time.Sleep(5 * time.Millisecond)
					p.End()
				}()
			},
		},
		{
			name: "chunk and end land together",
			push: func(p *Pipe, pulled <-chan struct{}) {
				_, _ = p.Write([]byte("x"))
				go func() {
					<-pulled
					_, _ = p.Write([]byte("y"))
					p.End()
				}()
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := NewPipe()
			pulled := make(chan struct{})
			c.push(p, pulled)

			first, err := p.Next(ctx)
			require.NoError(t, err)
			close(pulled)
			second, err := p.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"x", "y"}, []string{first, second})

			_, err = p.Next(ctx)
			assert.ErrorIs(t, err, io.EOF)
			_, err = p.Next(ctx)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestPipeDecodesSplitRunes(t *testing.T) {
	ctx := context.Background()
	p := NewPipe()

	b := []byte("héllo")
	_, err := p.Write(b[:2]) // "h" plus the first byte of "é"
	require.NoError(t, err)
	_, err = p.Write(b[2:])
	require.NoError(t, err)
	_, err = p.Write([]byte{0xff})
	require.NoError(t, err)
	p.End()

	got, err := Collect[string](ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"h", "éllo", "�"}, got)
}

func TestPipeFail(t *testing.T) {
	ctx := context.Background()
	p := NewPipe()

	boom := errors.New("boom")
	_, _ = p.WriteString("partial output")
	p.Fail(boom)
	p.End()

	got, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "partial output", got)
	_, err = p.Next(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestPipeNextHonorsContext(t *testing.T) {
	p := NewPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeClose(t *testing.T) {
	p := NewPipe()
	_, _ = p.WriteString("dropped")
	require.NoError(t, p.Close())

	_, err := p.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
