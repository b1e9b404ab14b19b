// Package server runs one relay session per WebSocket connection: the
// read/write pumps, rate limiting, and the handshake, dispatch and
// teardown state machine.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-relay/internal/er"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// State is the position of a session in its lifecycle.
type State int32

const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the server side of one WebSocket connection. Frames from
// the connection are handled one at a time by readPump; everything
// written to the connection goes through the send queue and writePump.
type Session struct {
	conn        *websocket.Conn
	hub         *Hub
	addr        string
	log         *slog.Logger
	send        chan []byte
	quit        chan struct{}
	done        chan struct{}
	rateLimiter *rateLimiter
	rateLimit   RateLimitConfig

	mu        sync.Mutex
	state     State
	identity  string
	closing   bool // set by eviction or auth timeout; no further frames are handled
	authTimer *time.Timer

	quitOnce  sync.Once
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, hub *Hub, addr string) *Session {
	if conn != nil {
		conn.SetReadLimit(hub.cfg.MaxMessageSize)
	}

	return &Session{
		conn:        conn,
		hub:         hub,
		addr:        addr,
		log:         hub.log.With("addr", addr),
		send:        make(chan []byte, hub.cfg.SendBufferSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		rateLimiter: newRateLimiter(hub.cfg.RateLimit),
		rateLimit:   hub.cfg.RateLimit,
		state:       StateConnected,
	}
}

// GetSendChan returns the session's outbound queue.
func (s *Session) GetSendChan() <-chan []byte {
	return s.send
}

// Identity returns the bound identity and whether the session is
// authenticated.
func (s *Session) Identity() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.state == StateAuthenticated
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deliver queues payload without blocking. It reports false once the
// session is closed or while its queue is full.
func (s *Session) Deliver(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Evict is called when a newer connection registers the same identity.
// The session stops handling frames, tells the client why, and closes.
func (s *Session) Evict() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.replyError(protocol.MsgSessionSuperseded)
	s.stop()
}

// stop asks writePump to flush the queue and close the connection.
func (s *Session) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *Session) armAuthTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	s.authTimer = time.AfterFunc(timeout, s.expireAuth)
	s.mu.Unlock()
}

func (s *Session) expireAuth() {
	s.mu.Lock()
	if s.state != StateConnected || s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	s.log.Info("Closing session that never authenticated")
	s.replyError(protocol.MsgAuthTimeout)
	s.stop()
}

// handleFrame runs one inbound frame through the state machine.
// Protocol and auth failures are answered with a frame; none of them
// close the connection.
func (s *Session) handleFrame(raw []byte) {
	s.mu.Lock()
	ignore := s.closing || s.state == StateClosed
	s.mu.Unlock()
	if ignore {
		return
	}

	frame, err := protocol.DecodeClientFrame(raw)
	if err != nil {
		s.log.Warn("Invalid frame", "error", err)
		s.replyError(protocol.MsgInvalidRequest)
		return
	}

	switch f := frame.(type) {
	case *protocol.AuthRequest:
		s.authenticate(f.Token)
	case *protocol.MessageRequest:
		s.relay(f)
	case *protocol.OnlineUsersRequest:
		s.replyOnlineUsers()
	}
}

func (s *Session) authenticate(token string) {
	identity, err := s.hub.verifier.VerifyToken(token)
	if err != nil {
		message := protocol.MsgInvalidToken
		if errors.Is(err, er.ErrTokenExpired) {
			message = protocol.MsgTokenExpired
		}
		s.log.Info("Authentication failed", "error", er.Wrap("Session", er.ErrAuth, err))
		s.reply(protocol.NewAuthError(message))
		return
	}

	s.mu.Lock()
	if s.closing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	previous := s.identity
	s.identity = identity
	s.state = StateAuthenticated
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()

	if previous != "" && previous != identity {
		s.hub.registry.Release(previous, s)
	}

	// Success goes out before registering so the client always sees it
	// ahead of the first presence push.
	s.reply(protocol.NewAuthSuccess(identity))

	if superseded := s.hub.registry.Register(identity, s); superseded != nil && superseded != Peer(s) {
		s.log.Info("Evicting superseded session", "identity", identity)
		superseded.Evict()
	}
	s.log.Info("Session authenticated", "identity", identity)
	s.hub.presence.Notify()
}

// relay persists the message, then delivers it to the receiver when
// online and echoes it to the sender. Nothing is delivered unless the
// store accepted it.
func (s *Session) relay(req *protocol.MessageRequest) {
	identity, ok := s.Identity()
	if !ok {
		s.replyError(protocol.MsgAuthRequired)
		return
	}

	ctx, cancel := context.WithTimeout(s.hub.ctx, s.hub.cfg.PersistTimeout)
	defer cancel()

	saved, err := s.hub.messages.Append(ctx, store.Message{
		Sender:    identity,
		Receiver:  req.Receiver,
		Text:      req.Text,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.log.Error("Message not persisted", "identity", identity, "receiver", req.Receiver,
			"error", er.Wrap("Session", er.ErrPersistence, err))
		s.replyError(protocol.MsgSendFailed)
		return
	}

	payload, err := protocol.Encode(protocol.NewMessageFrame(saved.Sender, saved.Receiver, saved.Text, saved.Timestamp))
	if err != nil {
		s.log.Error("Error encoding message frame", "error", err)
		return
	}

	if saved.Receiver != identity {
		if peer, online := s.hub.registry.Lookup(saved.Receiver); online && !peer.Deliver(payload) {
			s.log.Warn("Message delivery dropped", "receiver", saved.Receiver, "error", er.ErrDelivery)
		}
	}
	if !s.Deliver(payload) {
		s.log.Warn("Message echo dropped", "error", er.ErrDelivery)
	}
}

func (s *Session) replyOnlineUsers() {
	identity, ok := s.Identity()
	if !ok {
		s.replyError(protocol.MsgAuthRequired)
		return
	}
	s.reply(protocol.NewOnlineUsersFrame(lo.Without(s.hub.registry.Identities(), identity)))
}

func (s *Session) replyError(message string) {
	s.reply(protocol.NewErrorFrame(message))
}

func (s *Session) reply(frame any) {
	payload, err := protocol.Encode(frame)
	if err != nil {
		s.log.Error("Error encoding reply", "error", err)
		return
	}
	if !s.Deliver(payload) {
		s.log.Warn("Reply dropped", "error", er.ErrDelivery)
	}
}

// teardown runs once, whichever path closed the session. It releases the
// registry entry only if this session still owns it.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		identity := s.identity
		s.identity = ""
		s.state = StateClosed
		if s.authTimer != nil {
			s.authTimer.Stop()
		}
		s.mu.Unlock()

		if identity != "" && s.hub.registry.Release(identity, s) {
			s.hub.presence.Notify()
		}
		s.hub.forget(s)
		s.log.Info("Session closed", "identity", identity)
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Warn("Error setting initial read deadline", "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.log.Warn("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the reason the read loop is ending.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("Frame exceeded maximum size", "limit", s.hub.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.log.Info("Client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Info("Connection closed", "reason", err)
	default:
		s.log.Warn("WebSocket read error", "error", err)
	}
}

// checkRateLimit answers over-limit frames with an error frame and
// returns false when the frame should be discarded.
func (s *Session) checkRateLimit() bool {
	if s.rateLimiter != nil && !s.rateLimiter.allow() {
		s.log.Warn("Rate limit exceeded; discarding frame", "burst", s.rateLimit.Burst, "interval", s.rateLimit.RefillInterval)
		s.replyError(protocol.MsgRateLimited)
		return false
	}
	return true
}

func (s *Session) readPump() {
	defer func() {
		s.teardown()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn("Error closing connection in readPump", "error", err)
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if !s.checkRateLimit() {
			continue
		}

		s.handleFrame(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-s.send:
		return s.writeTextMessage(message)
	case <-s.quit:
		s.flushQueued()
		return s.writeCloseMessage()
	case <-s.done:
		return s.writeCloseMessage()
	case <-ticker.C:
		return s.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("Error closing connection in writePump", "error", err)
	}
}

// flushQueued writes whatever is already queued, one frame per message.
func (s *Session) flushQueued() {
	n := len(s.send)
	for i := 0; i < n; i++ {
		if !s.writeTextMessage(<-s.send) {
			return
		}
	}
}

func (s *Session) writeTextMessage(message []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout)); err != nil {
		s.log.Warn("Error setting write deadline", "error", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warn("Error writing frame", "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (s *Session) writeCloseMessage() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout)); err != nil {
		return false
	}
	err := s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		s.log.Warn("Error writing close message", "error", err)
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout)); err != nil {
		s.log.Warn("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.log.Warn("Error writing ping message", "error", err)
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
