// Package server exposes the WebSocket upgrade and health check handlers.
package server

import (
	"fmt"
	"net/http"
)

// ServeWS upgrades GET requests to WebSocket and hands the connection to
// a new session. Authentication happens in-band with the first auth frame.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	if _, err := h.Attach(conn, r.RemoteAddr); err != nil {
		h.log.Warn("Rejected connection", "addr", r.RemoteAddr, "error", err)
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat Relay is running!")
}
