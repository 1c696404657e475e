package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const defaultReadLimit = 1 << 20

// conn is one end of a WebSocket carrying rpc messages.
type conn struct {
	log    *zap.SugaredLogger
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	closeConnOnce sync.Once
}

func newConn(ctx context.Context, log *zap.SugaredLogger, ws *websocket.Conn, readLimit int64) *conn {
	ws.SetReadLimit(readLimit)
	ctx, cancel := context.WithCancel(ctx)
	return &conn{log: log, ws: ws, ctx: ctx, cancel: cancel}
}

// write sends msg. The WebSocket serializes concurrent writers, and a single goroutine
// writes all messages of a given stream, so per-id order is preserved.
func (c *conn) write(msg message) error {
	err := wsjson.Write(c.ctx, c.ws, msg)
	if err != nil {
		return fmt.Errorf("writing %s message %d: %w", msg.Type, msg.ID, err)
	}
	return nil
}

// read returns the next message. Undecodable input is reported as ErrProtocolViolation,
// anything else as a transport error.
func (c *conn) read() (message, error) {
	typ, b, err := c.ws.Read(c.ctx)
	if err != nil {
		return message{}, err
	}
	if typ != websocket.MessageText {
		return message{}, protocolErrorf("unexpected %v frame", typ)
	}
	var msg message
	if err := json.Unmarshal(b, &msg); err != nil {
		return message{}, protocolErrorf("decoding message: %s", err)
	}
	if msg.ID == 0 {
		return message{}, protocolErrorf("%s message without id", msg.Type)
	}
	return msg, nil
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	c.closeConnOnce.Do(func() {
		err := c.ws.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
		c.cancel()
	})
}

// closeWithError closes the connection with a status matching why it ended.
func (c *conn) closeWithError(err error) {
	switch {
	case err == nil:
		c.close(websocket.StatusNormalClosure, "")
	case errors.Is(err, ErrProtocolViolation):
		c.close(websocket.StatusProtocolError, err.Error())
	case websocket.CloseStatus(err) != -1:
		// the peer already closed
		c.close(websocket.StatusNormalClosure, "")
	default:
		c.close(websocket.StatusInternalError, err.Error())
	}
}
