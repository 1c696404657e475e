package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/remotify/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// startServer serves srv on a local HTTP server and returns a connected client.
func startServer(t *testing.T, srv *Server) *Client {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	client, err := Dial(context.Background(), wsURL(hs.URL), WithClientLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// fakeServer runs fn against each accepted WebSocket, standing in for a misbehaving server.
func fakeServer(t *testing.T, fn func(ctx context.Context, ws *websocket.Conn)) string {
	t.Helper()
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "")
		fn(r.Context(), ws)
	}))
	t.Cleanup(hs.Close)
	return wsURL(hs.URL)
}

// dialRaw opens a WebSocket to srv without an rpc client on top.
func dialRaw(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	ws, _, err := websocket.Dial(context.Background(), wsURL(hs.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

type fileStat struct {
	Dirname  string `json:"dirname"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

func TestServerRejectsReservedNames(t *testing.T) {
	srv := NewServer()
	err := srv.Register("$methods", func() int { return 1 })
	assert.ErrorIs(t, err, ErrReservedMethod)
	err = srv.Register("", func() int { return 1 })
	assert.ErrorIs(t, err, ErrReservedMethod)

	require.NoError(t, srv.Register("one", func() int { return 1 }))
	assert.Error(t, srv.Register("one", func() int { return 1 }))
	assert.Error(t, srv.Register("notafunc", 42))
}

func TestMethodFailureSendsNoStreamMessages(t *testing.T) {
	srv := NewServer(WithServerLogger(log))
	require.NoError(t, srv.Register("fail", func() (stream.Stream[int], error) {
		return nil, errors.New("no such directory")
	}))
	ws := dialRaw(t, srv)
	ctx := context.Background()

	require.NoError(t, wsjson.Write(ctx, ws, message{Type: msgCall, ID: 1, Method: "fail"}))

	var res message
	require.NoError(t, wsjson.Read(ctx, ws, &res))
	assert.Equal(t, msgResult, res.Type)
	assert.Equal(t, uint64(1), res.ID)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeApplication, res.Error.Code)
	assert.Equal(t, "no such directory", res.Error.Message)

	readCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	var stray message
	err := wsjson.Read(readCtx, ws, &stray)
	assert.Error(t, err, "unexpected message %+v", stray)
}

func TestServerStreamMessages(t *testing.T) {
	srv := NewServer(WithServerLogger(log))
	require.NoError(t, srv.Register("count", func(n int) stream.Stream[int] {
		items := make([]int, n)
		for i := range items {
			items[i] = i
		}
		return stream.FromSlice(items...)
	}))
	ws := dialRaw(t, srv)
	ctx := context.Background()

	require.NoError(t, wsjson.Write(ctx, ws, message{Type: msgCall, ID: 7, Method: "count", Args: []json.RawMessage{json.RawMessage("3")}}))

	var (
		result   *message
		items    []string
		finals   int
		streamID uint64
	)
	for finals == 0 || result == nil {
		var msg message
		require.NoError(t, wsjson.Read(ctx, ws, &msg))
		switch msg.Type {
		case msgResult:
			result = &msg
		case msgElement:
			streamID = msg.ID
			if msg.Final {
				finals++
				continue
			}
			items = append(items, string(msg.Item))
		default:
			t.Fatalf("unexpected message %+v", msg)
		}
	}

	assert.Equal(t, uint64(7), result.ID)
	assert.JSONEq(t, `{"marker":"stream","id":1}`, string(result.Value))
	assert.Equal(t, uint64(1), streamID)
	assert.Equal(t, []string{"0", "1", "2"}, items)
	assert.Equal(t, 1, finals)
}

func TestServerClosesOnProtocolViolation(t *testing.T) {
	cases := []struct {
		name string
		send func(ctx context.Context, ws *websocket.Conn) error
	}{
		{
			name: "malformed JSON",
			send: func(ctx context.Context, ws *websocket.Conn) error {
				return ws.Write(ctx, websocket.MessageText, []byte("{not json"))
			},
		},
		{
			name: "server-only message type",
			send: func(ctx context.Context, ws *websocket.Conn) error {
				return wsjson.Write(ctx, ws, message{Type: msgResult, ID: 1})
			},
		},
		{
			name: "missing id",
			send: func(ctx context.Context, ws *websocket.Conn) error {
				return wsjson.Write(ctx, ws, message{Type: msgCall, Method: "block"})
			},
		},
		{
			name: "call id reused while in flight",
			send: func(ctx context.Context, ws *websocket.Conn) error {
				if err := wsjson.Write(ctx, ws, message{Type: msgCall, ID: 1, Method: "block"}); err != nil {
					return err
				}
				return wsjson.Write(ctx, ws, message{Type: msgCall, ID: 1, Method: "block"})
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := NewServer(WithServerLogger(log))
			require.NoError(t, srv.Register("block", func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}))
			ws := dialRaw(t, srv)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			require.NoError(t, c.send(ctx, ws))

			var msg message
			err := wsjson.Read(ctx, ws, &msg)
			for err == nil {
				// results for blocked calls may be flushed before the close frame
				err = wsjson.Read(ctx, ws, &msg)
			}
			assert.Equal(t, websocket.StatusProtocolError, websocket.CloseStatus(err))
		})
	}
}

type countingStream struct {
	produced atomic.Int64
	closed   chan struct{}
}

func newCountingStream() *countingStream {
	return &countingStream{closed: make(chan struct{})}
}

func (c *countingStream) Next(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.produced.Add(1), nil
}

func (c *countingStream) Close() error {
	close(c.closed)
	return nil
}

func TestStreamWindowBoundsProduction(t *testing.T) {
	src := newCountingStream()
	srv := NewServer(WithServerLogger(log), WithStreamWindow(2))
	require.NoError(t, srv.Register("numbers", func() *countingStream { return src }))
	client := startServer(t, srv)
	ctx := context.Background()

	v, err := client.Call(ctx, "numbers")
	require.NoError(t, err)
	numbers, ok := v.(*RemoteStream)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), src.produced.Load())

	for i := 1; i <= 5; i++ {
		item, err := numbers.Next(ctx)
		require.NoError(t, err)
		n, err := As[int64](item)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}

	require.NoError(t, numbers.Close())
	select {
	case <-src.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("closing the remote stream did not close its source")
	}
	_, err = numbers.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnectionLossFailsPumpsAndCalls(t *testing.T) {
	srv := NewServer(WithServerLogger(log))
	src := newCountingStream()
	require.NoError(t, srv.Register("numbers", func() *countingStream { return src }))

	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = srv.ServeConn(serveCtx, ws)
	}))
	t.Cleanup(hs.Close)

	client, err := Dial(context.Background(), wsURL(hs.URL), WithClientLogger(log))
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	v, err := client.Call(ctx, "numbers")
	require.NoError(t, err)
	numbers := v.(*RemoteStream)
	_, err = numbers.Next(ctx)
	require.NoError(t, err)

	stopServing()

	select {
	case <-src.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("pump source was not closed when the connection ended")
	}
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the connection ending")
	}
	assert.ErrorIs(t, client.Err(), ErrConnClosed)
}
