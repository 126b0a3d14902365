// Package wsclient is the agent end of the transport: one websocket per client
// id, fire-and-forget sends and a single inbound callback.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/logger"
	"github.com/aristosando/tabcarbon/internal/protocol"
)

const (
	bootstrapPath       = "/api/start-process"
	defaultCloseTimeout = 5 * time.Second
	writeWait           = 10 * time.Second
)

var ErrNotConnected = errors.New("transport not connected")

type Client struct {
	baseURL      *url.URL
	http         *retryablehttp.Client
	dialer       *websocket.Dialer
	closeTimeout time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	clientID string

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onMessage func(protocol.Inbound)
}

type Option func(*Client)

func WithHTTPClient(client *retryablehttp.Client) Option {
	return func(c *Client) { c.http = client }
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = dialer }
}

// WithCloseTimeout bounds how long Disconnect waits for the final report.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Client) { c.closeTimeout = d }
}

func New(baseURL string, logger *zap.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.Logger = nil

	c := &Client{
		baseURL:      u,
		http:         httpClient,
		dialer:       websocket.DefaultDialer,
		closeTimeout: defaultCloseTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// OnMessage sets the callback for every inbound frame. It runs on the read
// goroutine.
func (c *Client) OnMessage(fn func(protocol.Inbound)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	c.onMessage = fn
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil
}

// Connect bootstraps clientID and opens the socket. While a connection is
// open further calls do nothing.
func (c *Client) Connect(ctx context.Context, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	if err := c.bootstrap(ctx, clientID); err != nil {
		return err
	}

	conn, _, err := c.dialer.DialContext(ctx, c.socketURL(clientID), nil)
	if err != nil {
		return fmt.Errorf("dial transport: %w", err)
	}

	c.conn = conn
	c.done = make(chan struct{})
	c.clientID = clientID

	go c.readLoop(conn, c.done)

	c.logger.Info("transport connected", logger.WithClientID(clientID))

	return nil
}

func (c *Client) bootstrap(ctx context.Context, clientID string) error {
	u := *c.baseURL
	u.Path += bootstrapPath
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create bootstrap request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bootstrap: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}

func (c *Client) socketURL(clientID string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()

	return u.String()
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("transport read failed", zap.Error(err))
			}
			return
		}

		c.handlerMu.RLock()
		fn := c.onMessage
		c.handlerMu.RUnlock()

		if fn != nil {
			fn(protocol.ParseInbound(data))
		}
	}
}

// Send writes msg without waiting for any reply. It returns ErrNotConnected
// when no socket is open.
func (c *Client) Send(msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug("dropping message, transport not connected", logger.WithMessageType(string(msg.Type())))
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}

	return nil
}

// Disconnect announces the end of the session and waits, up to the close
// timeout, for the server to send its report and close. The socket is closed
// in every case.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}

	if err := c.Send(protocol.New(protocol.FromBackground, protocol.PrepareToClose{})); err != nil {
		c.logger.Warn("close intent failed", zap.Error(err))
		return c.Close()
	}

	timer := time.NewTimer(c.closeTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("server did not close the session in time")
	case <-ctx.Done():
	}

	return c.Close()
}

// Close drops the socket without waiting for the server. It must not be
// called from the OnMessage callback.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()

	err := conn.Close()
	<-done

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
