package shell

import (
	"context"
	"fmt"

	"github.com/guseggert/remotify/rpc"
	"github.com/guseggert/remotify/stream"
)

var _ Service = (*Client)(nil)

// Client calls a remote Service.
type Client struct {
	RPC *rpc.Client
}

func NewClient(c *rpc.Client) *Client {
	return &Client{RPC: c}
}

func remoteStream(v any) (*rpc.RemoteStream, error) {
	s, ok := v.(*rpc.RemoteStream)
	if !ok {
		return nil, fmt.Errorf("expected a stream, got %T", v)
	}
	return s, nil
}

func (c *Client) List(ctx context.Context, path string) (stream.Stream[FileStat], error) {
	v, err := c.RPC.Call(ctx, MethodList, path)
	if err != nil {
		return nil, err
	}
	s, err := remoteStream(v)
	if err != nil {
		return nil, err
	}
	return rpc.Items[FileStat](s), nil
}

func (c *Client) Exec(ctx context.Context, command string, args []string) (*Process, error) {
	if args == nil {
		args = []string{}
	}
	v, err := c.RPC.Call(ctx, MethodExec, command, args)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a process, got %T", v)
	}
	output, err := remoteStream(m["output"])
	if err != nil {
		return nil, err
	}
	p := &Process{Output: rpc.Items[ProcessOutput](output)}
	if p.Command, err = rpc.As[string](m["command"]); err != nil {
		_ = output.Close()
		return nil, err
	}
	if p.PID, err = rpc.As[int](m["pid"]); err != nil {
		_ = output.Close()
		return nil, err
	}
	return p, nil
}

func (c *Client) Echo(ctx context.Context, words ...string) (string, error) {
	args := make([]any, len(words))
	for i, w := range words {
		args[i] = w
	}
	v, err := c.RPC.Call(ctx, MethodEcho, args...)
	if err != nil {
		return "", err
	}
	return rpc.As[string](v)
}
