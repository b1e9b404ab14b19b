// Package client is the reconnecting edge of the relay protocol. It keeps
// one WebSocket connection open, authenticates it with a session token,
// and dials again after unexpected disconnects.
package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-relay/internal/er"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

var (
	// ErrNotConnected is returned by writes while no connection is open.
	ErrNotConnected = errors.New("not connected")
	// ErrAuthRejected ends Run when the relay refuses the token.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrSuperseded ends Run when another connection signed in as the same user.
	ErrSuperseded = errors.New("signed in from another connection")
)

type Config struct {
	URL    string
	Token  string
	Origin string

	ReconnectInterval time.Duration
	KeepAliveInterval time.Duration
	HandshakeTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Client owns at most one live connection at a time. Frames read from it
// are handed to onFrame on the Run goroutine.
type Client struct {
	cfg     Config
	log     *slog.Logger
	onFrame func(protocol.ServerFrame)
	dialer  websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, log *slog.Logger, onFrame func(protocol.ServerFrame)) *Client {
	cfg = cfg.withDefaults()
	if onFrame == nil {
		onFrame = func(protocol.ServerFrame) {}
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		onFrame: onFrame,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		stop:    make(chan struct{}),
	}
}

// Run connects and keeps reconnecting until ctx ends, Logout is called,
// or the relay rejects the session. Only the last case returns an error.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connectOnce(ctx)
		if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrSuperseded) {
			return err
		}
		if c.stopped() || ctx.Err() != nil {
			return nil
		}

		c.log.Warn("Disconnected from relay; reconnecting", "in", c.cfg.ReconnectInterval, "error", err)
		timer := time.NewTimer(c.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Logout closes the connection and stops reconnecting.
func (c *Client) Logout() {
	c.stopOnce.Do(func() { close(c.stop) })

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
}

func (c *Client) Send(receiver, text string) error {
	return c.write(protocol.NewMessageRequest(receiver, text))
}

func (c *Client) RequestOnlineUsers() error {
	return c.write(protocol.NewOnlineUsersRequest())
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) write(frame any) error {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

// connectOnce runs one connection from dial to close.
func (c *Client) connectOnce(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	if c.stopped() {
		_ = conn.Close()
		return nil
	}

	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		_ = conn.Close()
	}()

	if err := c.write(protocol.NewAuthRequest(c.cfg.Token)); err != nil {
		return err
	}
	c.log.Info("Connected to relay", "url", c.cfg.URL)

	done := make(chan struct{})
	defer close(done)
	go c.watch(ctx, conn, done)
	go c.keepAlive(done)

	return c.readLoop(conn)
}

// watch closes conn when the caller goes away so readLoop unblocks.
func (c *Client) watch(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		_ = conn.Close()
	case <-c.stop:
		_ = conn.Close()
	case <-done:
	}
}

func (c *Client) keepAlive(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.RequestOnlineUsers(); err != nil {
				c.log.Debug("Keep-alive failed", "error", err)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := protocol.DecodeServerFrame(raw)
		if err != nil {
			c.log.Warn("Ignoring unreadable frame", "error", err)
			continue
		}
		c.onFrame(frame)

		switch {
		case frame.Type == protocol.TypeAuth && frame.Status == protocol.StatusError:
			return er.Wrap("Client", ErrAuthRejected, errors.New(frame.Message))
		case frame.Type == protocol.TypeError && frame.Message == protocol.MsgSessionSuperseded:
			return ErrSuperseded
		}
	}
}
