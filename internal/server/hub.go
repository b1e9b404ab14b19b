// Package server coordinates session lifecycle, presence broadcasting, and
// graceful shutdown for the relay via the Hub type.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-relay/internal/store"
)

// ErrHubClosed is returned when a connection arrives after shutdown began.
var ErrHubClosed = errors.New("hub is shutting down")

// Hub owns the connection registry, the presence broadcaster, and every
// live session including those that have not authenticated yet.
type Hub struct {
	cfg      Config
	log      *slog.Logger
	verifier TokenVerifier
	messages store.MessageStore
	registry *Registry
	presence *Presence
	origins  *originPolicy
	upgrader websocket.Upgrader

	mutex    sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	done     chan struct{}
}

// NewHub creates a Hub ready to accept connections once Run is started.
func NewHub(cfg Config, verifier TokenVerifier, messages store.MessageStore, log *slog.Logger) *Hub {
	cfg = sanitizeConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()

	h := &Hub{
		cfg:      cfg,
		log:      log,
		verifier: verifier,
		messages: messages,
		registry: registry,
		presence: NewPresence(registry, log),
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.checkOrigin,
	}
	return h
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// SessionCount includes sessions that have not authenticated.
func (h *Hub) SessionCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.sessions)
}

// Run broadcasts presence whenever membership changes, until Shutdown.
// It should be called in its own goroutine.
func (h *Hub) Run() {
	h.started.Store(true)
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return
		case <-h.presence.Pending():
			h.presence.Broadcast()
		}
	}
}

// Attach starts a session for an upgraded connection.
func (h *Hub) Attach(conn *websocket.Conn, addr string) (*Session, error) {
	h.mutex.Lock()
	if h.ctx.Err() != nil {
		h.mutex.Unlock()
		return nil, ErrHubClosed
	}
	s := newSession(conn, h, addr)
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.wg.Add(2)
	h.mutex.Unlock()

	h.log.Info("Session opened", "addr", addr, "sessions", count)
	s.armAuthTimeout(h.cfg.AuthTimeout)

	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		s.readPump()
	}()
	return s, nil
}

func (h *Hub) forget(s *Session) {
	h.mutex.Lock()
	delete(h.sessions, s)
	h.mutex.Unlock()
}

// shutdownSessions closes every live connection; each read pump then
// tears its session down.
func (h *Hub) shutdownSessions() {
	h.log.Info("Shutting down all sessions...")

	h.mutex.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mutex.Unlock()

	for _, s := range sessions {
		if s.conn == nil {
			continue
		}
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Warn("Error closing session connection", "addr", s.addr, "error", err)
		}
	}

	h.log.Info("Closed session connections", "count", len(sessions))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.mutex.Lock()
	h.cancel()
	h.mutex.Unlock()

	if h.started.Load() {
		<-h.done
	} else {
		h.shutdownSessions()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
