package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/remotify/rpc"
	"github.com/guseggert/remotify/shell"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NodeAgent is an HTTP agent that serves the shell service over an rpc WebSocket.
type NodeAgent struct {
	logger *zap.SugaredLogger

	listenAddr   string
	root         string
	streamWindow uint32
	readLimit    int64

	httpServer *http.Server
	rpcServer  *rpc.Server

	// ctx is the base context of every request; it is canceled by Stop so that hijacked
	// WebSocket connections end with the server.
	ctx    context.Context
	cancel context.CancelFunc

	listening    chan struct{}
	listenerAddr net.Addr

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(n *NodeAgent)

func WithListenAddr(s string) Option {
	return func(n *NodeAgent) {
		n.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(n *NodeAgent) {
		n.logger = l.Named("nodeagent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(n *NodeAgent) {
		n.logger = n.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithRoot sets the directory that relative paths and commands are resolved in.
func WithRoot(dir string) Option {
	return func(n *NodeAgent) {
		n.root = dir
	}
}

func WithStreamWindow(w uint32) Option {
	return func(n *NodeAgent) {
		n.streamWindow = w
	}
}

func WithReadLimit(l int64) Option {
	return func(n *NodeAgent) {
		n.readLimit = l
	}
}

// NewNodeAgent constructs a new node agent.
func NewNodeAgent(opts ...Option) (*NodeAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	n := &NodeAgent{
		logger:       logger.Named("nodeagent").Sugar(),
		listenAddr:   "0.0.0.0:8080",
		streamWindow: rpc.DefaultStreamWindow,
		listening:    make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}

	serverOpts := []rpc.ServerOption{
		rpc.WithServerLogger(n.logger),
		rpc.WithStreamWindow(n.streamWindow),
	}
	if n.readLimit > 0 {
		serverOpts = append(serverOpts, rpc.WithReadLimit(n.readLimit))
	}
	n.rpcServer = rpc.NewServer(serverOpts...)

	svc := shell.NewLocal(shell.WithLogger(n.logger), shell.WithRoot(n.root))
	if err := shell.Register(n.rpcServer, svc); err != nil {
		return nil, err
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	router := httprouter.New()
	router.GET("/heartbeat", n.heartbeat)
	router.GET("/rpc", n.serveRPC)
	n.httpServer = &http.Server{
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return n.ctx },
	}
	return n, nil
}

// Run runs the node agent and returns once the node agent has stopped.
func (a *NodeAgent) Run() error {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	a.listenerAddr = listener.Addr()
	close(a.listening)
	a.logger.Infow("serving", "Addr", a.listenerAddr.String(), "Methods", a.rpcServer.Methods())

	err = a.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr waits for Run to start listening and returns the bound address.
func (a *NodeAgent) Addr(ctx context.Context) (string, error) {
	select {
	case <-a.listening:
		return a.listenerAddr.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *NodeAgent) serveRPC(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.rpcServer.ServeHTTP(w, r)
}

func (a *NodeAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := HeartbeatResponse{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
		Methods:       a.rpcServer.Methods(),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

type HeartbeatResponse struct {
	LastHeartbeat string
	Methods       []string
}

// Stop closes the listener and every open rpc connection.
func (a *NodeAgent) Stop() error {
	a.cancel()
	return a.httpServer.Close()
}
