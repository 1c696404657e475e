package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/guseggert/remotify/rpc"
	"github.com/guseggert/remotify/shell"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Client talks to a NodeAgent: heartbeats over plain HTTP, and shell calls over the rpc
// WebSocket.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	rpcURL                   string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
	dialMin      time.Duration
	dialMax      time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("nodeagent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithDialBackoff bounds the delay between attempts to open the rpc connection.
func WithDialBackoff(min, max time.Duration) ClientOption {
	return func(c *Client) {
		c.dialMin, c.dialMax = min, max
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent listening on addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("nodeagent_client"),
		baseURL:      "http://" + addr,
		rpcURL:       "ws://" + addr + "/rpc",
		waitInterval: 100 * time.Millisecond,
		dialMin:      50 * time.Millisecond,
		dialMax:      2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) SendHeartbeat(ctx context.Context) (*HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	var hb HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		return nil, fmt.Errorf("decoding heartbeat response: %w", err)
	}
	return &hb, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Dial opens the rpc connection, retrying with backoff until it succeeds or ctx is done.
func (c *Client) Dial(ctx context.Context) (*shell.Client, error) {
	b := &backoff.Backoff{
		Factor: 1.25,
		Jitter: true,
		Min:    c.dialMin,
		Max:    c.dialMax,
	}
	for {
		rc, err := rpc.Dial(ctx, c.rpcURL, rpc.WithClientLogger(c.Logger))
		if err == nil {
			return shell.NewClient(rc), nil
		}
		d := b.Duration()
		c.Logger.Debugf("error dialing rpc, retrying in %s: %s", d, err)

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("dialing %s: %w", c.rpcURL, err)
		case <-t.C:
		}
	}
}
