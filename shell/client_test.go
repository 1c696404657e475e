package shell

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/remotify/rpc"
	"github.com/guseggert/remotify/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemote(t *testing.T, local *Local) *Client {
	t.Helper()
	srv := rpc.NewServer(rpc.WithServerLogger(log))
	require.NoError(t, Register(srv, local))
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	c, err := rpc.Dial(context.Background(), "ws"+strings.TrimPrefix(hs.URL, "http"), rpc.WithClientLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return NewClient(c)
}

func TestRemoteMethods(t *testing.T) {
	remote := newRemote(t, NewLocal(WithLogger(log)))
	methods, err := remote.RPC.Methods(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{MethodEcho, MethodExec, MethodList}, methods)
}

func TestRemoteList(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "1", "b": "22", "c": "333"})
	remote := newRemote(t, NewLocal(WithLogger(log), WithRoot(dir)))
	ctx := context.Background()

	entries, err := remote.List(ctx, ".")
	require.NoError(t, err)
	stats, err := stream.Collect(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, filenames(stats))
	for _, s := range stats {
		assert.Equal(t, int64(len(s.Filename)), s.Stat.Size, s.Filename)
		assert.False(t, s.Stat.ModTime.IsZero())
	}

	_, err = remote.List(ctx, "missing")
	var rerr *rpc.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, rpc.CodeApplication, rerr.Code)
}

func TestRemoteExec(t *testing.T) {
	remote := newRemote(t, NewLocal(WithLogger(log), WithRoot(t.TempDir())))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proc, err := remote.Exec(ctx, "sh", []string{"-c", "echo out; echo err >&2; exit 2"})
	require.NoError(t, err)
	assert.Equal(t, "sh", proc.Command)
	assert.NotZero(t, proc.PID)

	items, err := stream.Collect(ctx, proc.Output)
	var rerr *rpc.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, rpc.CodeStream, rerr.Code)
	assert.Contains(t, rerr.Message, "exit status 2")
	assert.Equal(t, map[string]string{Stdout: "out\n", Stderr: "err\n"}, joinOutput(items))

	proc, err = remote.Exec(ctx, "echo", nil)
	require.NoError(t, err)
	items, err = stream.Collect(ctx, proc.Output)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{Stdout: "\n"}, joinOutput(items))
}

func TestRemoteExecCancel(t *testing.T) {
	remote := newRemote(t, NewLocal(WithLogger(log)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proc, err := remote.Exec(ctx, "sh", []string{"-c", "echo ready; exec sleep 30"})
	require.NoError(t, err)
	item, err := proc.Output.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessOutput{Stream: Stdout, Text: "ready\n"}, item)

	require.NoError(t, stream.Close(proc.Output))
	_, err = proc.Output.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	// the connection is still usable
	s, err := remote.Echo(ctx, "still", "here")
	require.NoError(t, err)
	assert.Equal(t, "still here", s)
}

func TestRemoteEcho(t *testing.T) {
	remote := newRemote(t, NewLocal())
	s, err := remote.Echo(context.Background(), "hello", "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", s)
}
