package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/guseggert/remotify/rpc"
	"github.com/guseggert/remotify/shell"
	"github.com/guseggert/remotify/stream"
)

// printer writes call results. Streams in a result are shown as placeholders and then
// drained in the order they appear, one item per line. Process output is written as raw
// text, with stderr in red when color is enabled.
type printer struct {
	out    io.Writer
	stderr *color.Color
}

func newPrinter(out io.Writer, useColor bool) *printer {
	stderr := color.New(color.FgRed)
	if useColor {
		stderr.EnableColor()
	} else {
		stderr.DisableColor()
	}
	return &printer{out: out, stderr: stderr}
}

func (p *printer) print(ctx context.Context, v any, indent bool) error {
	var streams []*rpc.RemoteStream
	shown := placeholders(v, &streams)

	if _, bare := v.(*rpc.RemoteStream); !bare {
		var (
			b   []byte
			err error
		)
		if indent {
			b, err = json.MarshalIndent(shown, "", "  ")
		} else {
			b, err = json.Marshal(shown)
		}
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		fmt.Fprintln(p.out, string(b))
	}

	for _, s := range streams {
		if err := p.drain(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) drain(ctx context.Context, s *rpc.RemoteStream) error {
	for item, err := range stream.All[any](ctx, s) {
		if err != nil {
			return fmt.Errorf("stream %d: %w", s.ID(), err)
		}
		if out, ok := processOutput(item); ok {
			if out.Stream == shell.Stderr {
				p.stderr.Fprint(p.out, out.Text)
			} else {
				fmt.Fprint(p.out, out.Text)
			}
			continue
		}
		if err := p.print(ctx, item, false); err != nil {
			return err
		}
	}
	return nil
}

func processOutput(item any) (shell.ProcessOutput, bool) {
	m, ok := item.(map[string]any)
	if !ok || len(m) != 2 {
		return shell.ProcessOutput{}, false
	}
	name, ok1 := m["stream"].(string)
	text, ok2 := m["text"].(string)
	if !ok1 || !ok2 || (name != shell.Stdout && name != shell.Stderr) {
		return shell.ProcessOutput{}, false
	}
	return shell.ProcessOutput{Stream: name, Text: text}, true
}

// placeholders copies v with every remote stream replaced by a short description, and
// collects the streams in order.
func placeholders(v any, streams *[]*rpc.RemoteStream) any {
	switch v := v.(type) {
	case *rpc.RemoteStream:
		*streams = append(*streams, v)
		return fmt.Sprintf("<stream %d>", v.ID())
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = placeholders(elem, streams)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = placeholders(elem, streams)
		}
		return out
	default:
		return v
	}
}
