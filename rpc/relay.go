package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/guseggert/remotify/stream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// serverConn holds the per-connection state of a Server: in-flight call ids and the pumps
// relaying streams found in outgoing values.
type serverConn struct {
	*conn
	srv    *Server
	window uint32

	// group runs the read loop, every call handler and every pump. Its context is
	// canceled when the read loop ends, which stops all of them.
	group *errgroup.Group
	gctx  context.Context

	nextStreamID atomic.Uint64

	mu    sync.Mutex
	calls map[uint64]struct{}
	pumps map[uint64]*pump
}

func (c *serverConn) serve() error {
	c.group, c.gctx = errgroup.WithContext(c.ctx)
	c.group.Go(c.readMessages)

	err := c.group.Wait()
	c.closeWithError(err)
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return nil
	}
	return err
}

func (c *serverConn) readMessages() error {
	for {
		msg, err := c.read()
		if err != nil {
			return err
		}
		switch msg.Type {
		case msgCall:
			if err := c.startCall(msg); err != nil {
				return err
			}
		case msgCancel:
			c.cancelPump(msg.ID)
		case msgCredit:
			c.grantCredit(msg.ID, msg.Credit)
		default:
			return protocolErrorf("unexpected %q message from client", msg.Type)
		}
	}
}

func (c *serverConn) startCall(msg message) error {
	c.mu.Lock()
	if _, ok := c.calls[msg.ID]; ok {
		c.mu.Unlock()
		return protocolErrorf("call id %d is already in flight", msg.ID)
	}
	c.calls[msg.ID] = struct{}{}
	c.mu.Unlock()

	c.group.Go(func() error {
		c.dispatch(msg)
		return nil
	})
	return nil
}

func (c *serverConn) dispatch(msg message) {
	defer func() {
		c.mu.Lock()
		delete(c.calls, msg.ID)
		c.mu.Unlock()
	}()
	log := c.log.With("call", msg.ID, "method", msg.Method)
	log.Debug("calling")

	res := message{Type: msgResult, ID: msg.ID}
	value, err := c.invoke(msg)
	if err != nil {
		log.Debugf("call failed: %s", err)
		res.Error = toWireError(CodeApplication, err)
	} else {
		raw, err := c.encode(value)
		if err != nil {
			log.Debugf("encoding result: %s", err)
			res.Error = errorf(CodeEncoding, "encoding result: %s", err)
		} else {
			res.Value = raw
		}
	}

	if err := c.write(res); err != nil {
		log.Debugf("error sending result: %s", err)
	}
}

func (c *serverConn) invoke(msg message) (value any, err error) {
	h, ok := c.srv.lookup(msg.Method)
	if !ok {
		return nil, errorf(CodeUnknownMethod, "unknown method %q", msg.Method)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method %q panicked: %v", msg.Method, r)
		}
	}()
	return h(c.gctx, msg.Args)
}

// encode serializes v, replacing each embedded stream with a marker. Pumps for those
// streams are registered and started before encode returns, so every marker is backed by a
// pump by the time it is sent. On failure no pump is started and the sources are closed.
func (c *serverConn) encode(v any) (json.RawMessage, error) {
	enc := &encoder{nextID: func() uint64 { return c.nextStreamID.Add(1) }}
	raw, err := enc.encode(v)
	if err != nil {
		for _, f := range enc.found {
			_ = closeSource(f.src)
		}
		return nil, err
	}
	for _, f := range enc.found {
		c.startPump(f)
	}
	return raw, nil
}

// pump relays one stream to the client.
type pump struct {
	id     uint64
	src    stream.Stream[any]
	ctx    context.Context
	cancel context.CancelFunc

	// canceled is set when the consumer asked to stop.
	canceled atomic.Bool

	window        atomic.Uint32
	windowUpdates chan struct{}
}

// acquire takes one unit of credit, waiting for the client to grant more if none is left.
func (p *pump) acquire() error {
	for {
		w := p.window.Load()
		if w == 0 {
			select {
			case <-p.windowUpdates:
			case <-p.ctx.Done():
				return p.ctx.Err()
			}
			continue
		}
		if p.window.CompareAndSwap(w, w-1) {
			return nil
		}
	}
}

// next pulls one item from the source. A panicking source fails only its own stream.
func (p *pump) next() (item any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream source panicked: %v", r)
		}
	}()
	return p.src.Next(p.ctx)
}

func closeSource(src stream.Stream[any]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("closing stream source panicked: %v", r)
		}
	}()
	return stream.Close(src)
}

func (p *pump) grant(n uint32) {
	if n == 0 {
		return
	}
	prev := p.window.Add(n) - n
	if prev == 0 {
		select {
		case p.windowUpdates <- struct{}{}:
		default:
		}
	}
}

func (c *serverConn) startPump(f found) {
	ctx, cancel := context.WithCancel(c.gctx)
	p := &pump{
		id:            f.id,
		src:           f.src,
		ctx:           ctx,
		cancel:        cancel,
		windowUpdates: make(chan struct{}, 1),
	}
	p.window.Store(c.window)

	c.mu.Lock()
	c.pumps[p.id] = p
	c.mu.Unlock()

	c.group.Go(func() error {
		c.runPump(p)
		return nil
	})
}

func (c *serverConn) runPump(p *pump) {
	log := c.log.With("stream", p.id)
	defer func() {
		c.mu.Lock()
		delete(c.pumps, p.id)
		c.mu.Unlock()
		p.cancel()
		if err := closeSource(p.src); err != nil {
			log.Debugf("error closing stream source: %s", err)
		}
	}()

	for {
		err := p.acquire()
		var item any
		if err == nil {
			item, err = p.next()
		}

		switch {
		case errors.Is(err, io.EOF):
			log.Debug("stream exhausted")
			c.send(log, message{Type: msgElement, ID: p.id, Final: true})
			return
		case err != nil && p.canceled.Load():
			log.Debug("stream canceled by consumer")
			c.send(log, message{Type: msgFailure, ID: p.id, Error: errorf(CodeCanceled, "stream canceled by consumer")})
			return
		case err != nil && p.ctx.Err() != nil:
			log.Debugf("connection closing, abandoning stream: %s", err)
			return
		case err != nil:
			log.Debugf("stream failed: %s", err)
			c.send(log, message{Type: msgFailure, ID: p.id, Error: toWireError(CodeStream, err)})
			return
		}

		raw, err := c.encode(item)
		if err != nil {
			c.send(log, message{Type: msgFailure, ID: p.id, Error: errorf(CodeEncoding, "encoding stream item: %s", err)})
			return
		}
		if err := c.write(message{Type: msgElement, ID: p.id, Item: raw}); err != nil {
			log.Debugf("error sending stream element: %s", err)
			return
		}
	}
}

func (c *serverConn) send(log *zap.SugaredLogger, msg message) {
	if err := c.write(msg); err != nil {
		log.Debugf("error sending %s: %s", msg.Type, err)
	}
}

func (c *serverConn) lookupPump(id uint64) *pump {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pumps[id]
}

// cancelPump stops the pump for id. Unknown ids belong to streams that already ended.
func (c *serverConn) cancelPump(id uint64) {
	if p := c.lookupPump(id); p != nil {
		p.canceled.Store(true)
		p.cancel()
	}
}

func (c *serverConn) grantCredit(id uint64, n uint32) {
	if p := c.lookupPump(id); p != nil {
		p.grant(n)
	}
}
