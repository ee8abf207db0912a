// Package websocket maintains the live channel to the mesh service: one
// websocket connection kept open with pings and re-dialed with backoff until
// its context is cancelled.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/meshclient/internal/version"
	"github.com/bhandras/meshclient/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteWait    = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second

	// stableAfter is how long a connection must stay up before the reconnect
	// backoff starts over.
	stableAfter = 30 * time.Second
)

// Message is a server-pushed event.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler receives server messages on the read goroutine.
type Handler func(Message)

// Option configures a Client.
type Option func(*Client)

// WithHandler installs the message handler.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithOnConnect installs a callback invoked after every successful dial.
func WithOnConnect(fn func()) Option {
	return func(c *Client) { c.onConnect = fn }
}

// WithPingInterval overrides the keepalive ping interval. The read deadline
// is twice the interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.backoffInitial = initial
		}
		if maxDelay >= c.backoffInitial {
			c.backoffMax = maxDelay
		}
	}
}

// WithEndpointFunc resolves the endpoint before every dial, so a reconnect
// picks up a refreshed api token.
func WithEndpointFunc(fn func() (string, error)) Option {
	return func(c *Client) { c.endpointFn = fn }
}

// WithDialTimeout bounds each handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialer.HandshakeTimeout = d
		}
	}
}

// Client is a reconnecting websocket client. Run drives it; Close tears down
// the current connection and prevents further dials.
type Client struct {
	endpoint   string
	endpointFn func() (string, error)
	header     http.Header
	dialer   *websocket.Dialer

	handler   Handler
	onConnect func()

	pingInterval   time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// URLFor derives the live channel endpoint from the service base URL:
// http becomes ws, https becomes wss, and the path is /ws with the account
// passed as query parameters.
func URLFor(baseURL, email, apiToken string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("email", strings.ToLower(email))
	q.Set("api_token", apiToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewClient creates a client for endpoint (a ws:// or wss:// URL). endpoint
// may be empty when WithEndpointFunc is used.
func NewClient(endpoint string, opts ...Option) *Client {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	c := &Client{
		endpoint: endpoint,
		header:   header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultDialTimeout,
		},
		pingInterval:   defaultPingInterval,
		backoffInitial: time.Second,
		backoffMax:     time.Minute,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close closes the current connection and makes Run return. It is safe to
// call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// Run keeps the channel open until ctx is cancelled or Close is called, and
// then returns nil. Connection failures are logged and retried with
// exponential backoff; they are never returned.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffInitial
	b.MaxInterval = c.backoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if c.stopped(ctx) {
			return nil
		}

		started := time.Now()
		err := c.serve(ctx)
		if c.stopped(ctx) {
			return nil
		}
		if time.Since(started) >= stableAfter {
			b.Reset()
		}

		wait := b.NextBackOff()
		logger.Debugf("live channel: %v; reconnecting in %s", err, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.closed:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// serve dials once and reads until the connection fails.
func (c *Client) serve(ctx context.Context) error {
	endpoint := c.endpoint
	if c.endpointFn != nil {
		var err error
		if endpoint, err = c.endpointFn(); err != nil {
			return fmt.Errorf("resolve endpoint: %w", err)
		}
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("client closed")
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	logger.Infof("live channel connected")
	if c.onConnect != nil {
		c.onConnect()
	}

	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	pongWait := 2 * c.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.ping(conn, pingDone)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("closed by server")
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Tracef("live channel: ignoring non-JSON message: %v", err)
			continue
		}
		logger.Tracef("live channel: received %q", msg.Type)
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

func (c *Client) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(defaultWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
