package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// DefaultStreamWindow is the number of elements a stream may have in flight before the
// server waits for the client to grant more credit.
const DefaultStreamWindow = 64

// methodsMethod lists the registered method names. It is answered by every server and is
// only reachable through Client.Methods.
const methodsMethod = "$methods"

// Server dispatches calls arriving on WebSocket connections to registered handlers.
// Each connection has its own id namespaces and its own set of stream pumps; closing the
// connection cancels every call context and every pump started on it.
type Server struct {
	log       *zap.SugaredLogger
	window    uint32
	readLimit int64

	mu      sync.RWMutex
	methods map[string]Handler
}

type ServerOption func(s *Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithStreamWindow sets how many elements of one stream may be sent ahead of the consumer.
func WithStreamWindow(n uint32) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithReadLimit sets the maximum size of an incoming message.
func WithReadLimit(n int64) ServerOption {
	return func(s *Server) {
		s.readLimit = n
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		log:       zap.NewNop().Sugar(),
		window:    DefaultStreamWindow,
		readLimit: defaultReadLimit,
		methods:   map[string]Handler{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("rpc_server")
	return s
}

// Handle registers h under name. Reserved names and duplicates are rejected.
func (s *Server) Handle(name string, h Handler) error {
	if IsReserved(name) {
		return fmt.Errorf("registering %q: %w", name, ErrReservedMethod)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.methods[name]; ok {
		return fmt.Errorf("method %q already registered", name)
	}
	s.methods[name] = h
	return nil
}

// Register adapts fn with Func and registers it under name.
func (s *Server) Register(name string, fn any) error {
	h, err := Func(fn)
	if err != nil {
		return fmt.Errorf("registering %q: %w", name, err)
	}
	return s.Handle(name, h)
}

// Methods returns the registered method names in sorted order.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) lookup(name string) (Handler, bool) {
	if name == methodsMethod {
		return func(context.Context, []json.RawMessage) (any, error) { return s.Methods(), nil }, true
	}
	if IsReserved(name) {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.methods[name]
	return h, ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	s.log.Debug("accepted WebSocket conn")

	err = s.ServeConn(r.Context(), wsConn)
	if err != nil {
		s.log.Debugf("connection ended: %s", err)
	}
}

// ServeConn serves calls on an accepted WebSocket until it closes or ctx is done.
func (s *Server) ServeConn(ctx context.Context, wsConn *websocket.Conn) error {
	id := uuid.NewString()
	log := s.log.With("conn", id)
	sc := &serverConn{
		conn:   newConn(ctx, log, wsConn, s.readLimit),
		srv:    s,
		window: s.window,
		calls:  map[uint64]struct{}{},
		pumps:  map[uint64]*pump{},
	}
	return sc.serve()
}
