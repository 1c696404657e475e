package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client is the calling end of one rpc connection. It correlates results with calls by id
// and turns stream markers in results into live RemoteStreams.
// A Client is safe for concurrent use.
type Client struct {
	conn *conn

	readLimit  int64
	httpClient *http.Client

	nextCallID atomic.Uint64

	mu      sync.Mutex
	calls   map[uint64]*Call
	streams map[uint64]*RemoteStream
	// finished holds ids of streams that were materialized and reached their end.
	// Any further message for them is a protocol violation.
	finished map[uint64]struct{}
	err      error
	done     chan struct{}
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.conn.log = l
	}
}

// WithClientReadLimit sets the maximum size of an incoming message.
func WithClientReadLimit(n int64) ClientOption {
	return func(c *Client) {
		c.readLimit = n
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = h
	}
}

// Dial opens a connection to the rpc endpoint at url and returns once it is ready for calls.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := newClient(opts...)
	c.conn.log.Debugw("dialing WebSocket", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      c.httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	c.start(wsConn)
	return c, nil
}

// NewClient runs a client over an already established WebSocket.
func NewClient(wsConn *websocket.Conn, opts ...ClientOption) *Client {
	c := newClient(opts...)
	c.start(wsConn)
	return c
}

func newClient(opts ...ClientOption) *Client {
	c := &Client{
		conn:      &conn{log: zap.NewNop().Sugar()},
		readLimit: defaultReadLimit,
		calls:     map[uint64]*Call{},
		streams:   map[uint64]*RemoteStream{},
		finished:  map[uint64]struct{}{},
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) start(wsConn *websocket.Conn) {
	c.conn = newConn(context.Background(), c.conn.log.Named("rpc_client"), wsConn, c.readLimit)
	go c.readMessages()
}

// Call is an outstanding remote call. It completes exactly once.
type Call struct {
	ID     uint64
	Method string

	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newCall(method string) *Call {
	return &Call{Method: method, done: make(chan struct{})}
}

func (c *Call) resolve(value any, err error) {
	c.once.Do(func() {
		c.value, c.err = value, err
		close(c.done)
	})
}

// Done is closed once the call has completed.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome of a completed call.
func (c *Call) Result() (any, error) {
	<-c.done
	return c.value, c.err
}

// Wait waits for the call to complete or for ctx to be done.
// Giving up on a call does not cancel it on the server.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Go sends a call for method and returns without waiting for its result.
// Reserved method names are never sent; the returned call fails with ErrReservedMethod.
func (c *Client) Go(method string, args ...any) *Call {
	if IsReserved(method) {
		call := newCall(method)
		call.resolve(nil, fmt.Errorf("calling %q: %w", method, ErrReservedMethod))
		return call
	}
	return c.send(method, args)
}

// Call invokes method and waits for its result. Streams anywhere in the result are
// returned as *RemoteStream values.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	return c.Go(method, args...).Wait(ctx)
}

// Methods asks the server which methods it serves.
func (c *Client) Methods(ctx context.Context) ([]string, error) {
	v, err := c.send(methodsMethod, nil).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return As[[]string](v)
}

func (c *Client) send(method string, args []any) *Call {
	call := newCall(method)

	msg := message{Type: msgCall, Method: method, Args: make([]json.RawMessage, 0, len(args))}
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			call.resolve(nil, fmt.Errorf("encoding argument %d: %w", i, err))
			return call
		}
		msg.Args = append(msg.Args, b)
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		call.resolve(nil, err)
		return call
	}
	call.ID = c.nextCallID.Add(1)
	msg.ID = call.ID
	c.calls[call.ID] = call
	c.mu.Unlock()

	c.conn.log.Debugw("calling", "call", call.ID, "method", method)
	if err := c.conn.write(msg); err != nil {
		c.mu.Lock()
		delete(c.calls, call.ID)
		c.mu.Unlock()
		call.resolve(nil, fmt.Errorf("%w: %w", ErrConnClosed, err))
	}
	return call
}

func (c *Client) readMessages() {
	for {
		msg, err := c.conn.read()
		if err == nil {
			err = c.handle(msg)
		}
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) handle(msg message) error {
	switch msg.Type {
	case msgResult:
		c.mu.Lock()
		call, ok := c.calls[msg.ID]
		delete(c.calls, msg.ID)
		c.mu.Unlock()
		if !ok {
			return protocolErrorf("result for call %d which is not pending", msg.ID)
		}
		if msg.Error != nil {
			call.resolve(nil, msg.Error)
			return nil
		}
		value, err := c.decode(msg.Value)
		if err != nil {
			call.resolve(nil, err)
			return err
		}
		call.resolve(value, nil)
		return nil

	case msgElement:
		s, err := c.streamFor(msg.ID)
		if err != nil {
			return err
		}
		if msg.Final {
			c.deliver(s, streamEvent{final: true})
			return nil
		}
		item, err := c.decode(msg.Item)
		if err != nil {
			return err
		}
		c.deliver(s, streamEvent{item: item})
		return nil

	case msgFailure:
		s, err := c.streamFor(msg.ID)
		if err != nil {
			return err
		}
		rerr := msg.Error
		if rerr == nil {
			rerr = &Error{Code: CodeStream}
		}
		c.deliver(s, streamEvent{err: rerr})
		return nil

	default:
		return protocolErrorf("unexpected %q message from server", msg.Type)
	}
}

// decode parses a value, materializing every stream marker in it.
func (c *Client) decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, protocolErrorf("decoding value: %s", err)
	}
	return c.revive(v)
}

func (c *Client) revive(v any) (any, error) {
	switch v := v.(type) {
	case map[string]any:
		if id, ok := markerID(v); ok {
			return c.materialize(id)
		}
		for k, elem := range v {
			r, err := c.revive(elem)
			if err != nil {
				return nil, err
			}
			v[k] = r
		}
	case []any:
		for i, elem := range v {
			r, err := c.revive(elem)
			if err != nil {
				return nil, err
			}
			v[i] = r
		}
	}
	return v, nil
}

// streamFor returns the table entry for stream id, creating it if elements arrive before
// the marker naming it.
func (c *Client) streamFor(id uint64) (*RemoteStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.finished[id]; ok {
		return nil, protocolErrorf("message for stream %d after it ended", id)
	}
	s, ok := c.streams[id]
	if !ok {
		s = newRemoteStream(c, id)
		c.streams[id] = s
	}
	return s, nil
}

func (c *Client) materialize(id uint64) (*RemoteStream, error) {
	s, err := c.streamFor(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.materialized {
		return nil, protocolErrorf("stream %d referenced twice", id)
	}
	s.materialized = true
	if s.ended {
		c.retire(s)
	}
	return s, nil
}

// deliver queues ev on s. Terminal events retire s from the table once its marker has been seen.
func (c *Client) deliver(s *RemoteStream, ev streamEvent) {
	s.push(ev)
	if ev.final || ev.err != nil {
		c.mu.Lock()
		s.ended = true
		if s.materialized {
			c.retire(s)
		}
		c.mu.Unlock()
	}
}

// retire must be called with c.mu held.
func (c *Client) retire(s *RemoteStream) {
	delete(c.streams, s.id)
	c.finished[s.id] = struct{}{}
}

// shutdown fails every pending call and stream. It runs once, when the read loop ends.
func (c *Client) shutdown(cause error) {
	err := fmt.Errorf("%w: %w", ErrConnClosed, cause)
	if errors.Is(cause, ErrProtocolViolation) {
		c.conn.log.Debugf("closing connection: %s", cause)
	}
	c.conn.closeWithError(cause)

	c.mu.Lock()
	c.err = err
	calls, streams := c.calls, c.streams
	c.calls, c.streams = map[uint64]*Call{}, map[uint64]*RemoteStream{}
	c.mu.Unlock()

	for _, call := range calls {
		call.resolve(nil, err)
	}
	for _, s := range streams {
		s.push(streamEvent{err: err})
	}
	close(c.done)
}

// Close closes the connection. Pending calls and streams fail with ErrConnClosed.
func (c *Client) Close() error {
	c.conn.close(websocket.StatusNormalClosure, "")
	<-c.done
	return nil
}

// Done is closed once the connection has gone away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection went away, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) sendControl(msg message) {
	if err := c.conn.write(msg); err != nil {
		c.conn.log.Debugf("error sending %s for stream %d: %s", msg.Type, msg.ID, err)
	}
}
