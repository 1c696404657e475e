package stream

import (
	"context"
	"io"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	_ io.Writer       = (*Pipe)(nil)
	_ io.StringWriter = (*Pipe)(nil)
	_ Stream[string]  = (*Pipe)(nil)
)

// Pipe adapts a push source into a pull Stream of text chunks.
//
// The producer side calls Write (raw bytes, decoded as UTF-8) or WriteString (text, passed
// through unchanged) for each chunk, then End or Fail exactly once. Chunks are buffered
// until pulled, so a chunk pushed before End is always delivered before io.EOF.
// A rune split across two Writes is held back until it is complete.
type Pipe struct {
	mu      sync.Mutex
	chunks  []string
	partial []byte
	ended   bool
	closed  bool
	err     error
	// notify is closed and replaced whenever the buffer or state changes.
	notify chan struct{}
}

func NewPipe() *Pipe {
	return &Pipe{notify: make(chan struct{})}
}

func (p *Pipe) signal() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// splitUTF8 returns the longest prefix of b that does not end in a truncated rune.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if !utf8.RuneStart(b[len(b)-i]) {
			continue
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			return b[:len(b)-i], b[len(b)-i:]
		}
		break
	}
	return b, nil
}

func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.ended {
		return 0, io.ErrClosedPipe
	}
	data := append(p.partial, b...)
	complete, rest := splitUTF8(data)
	p.partial = append([]byte(nil), rest...)
	if len(complete) > 0 {
		p.chunks = append(p.chunks, decode(complete))
		p.signal()
	}
	return len(b), nil
}

func (p *Pipe) WriteString(s string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.ended {
		return 0, io.ErrClosedPipe
	}
	p.flushPartial()
	p.chunks = append(p.chunks, s)
	p.signal()
	return len(s), nil
}

// flushPartial enqueues a held-back truncated rune as replacement text.
func (p *Pipe) flushPartial() {
	if len(p.partial) == 0 {
		return
	}
	p.chunks = append(p.chunks, decode(p.partial))
	p.partial = nil
}

// End signals that the source has no more chunks.
func (p *Pipe) End() {
	p.finish(nil)
}

// Fail ends the source with err. Buffered chunks are still delivered before err.
func (p *Pipe) Fail(err error) {
	p.finish(err)
}

func (p *Pipe) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.flushPartial()
	p.ended = true
	p.err = err
	p.signal()
}

// Next returns the next buffered chunk, waits for one, or reports the end of the source.
func (p *Pipe) Next(ctx context.Context) (string, error) {
	for {
		p.mu.Lock()
		if len(p.chunks) > 0 {
			chunk := p.chunks[0]
			p.chunks = p.chunks[1:]
			p.mu.Unlock()
			return chunk, nil
		}
		if p.closed {
			p.mu.Unlock()
			return "", io.EOF
		}
		if p.ended {
			err := p.err
			if err == nil {
				err = io.EOF
			}
			p.mu.Unlock()
			return "", err
		}
		notify := p.notify
		p.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Close discards buffered chunks and makes further writes fail with io.ErrClosedPipe.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.chunks = nil
	p.partial = nil
	p.signal()
	return nil
}
