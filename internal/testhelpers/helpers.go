// Package testhelpers provides common utilities for tests that talk to the
// relay over real HTTP and WebSocket connections.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

// DefaultOrigin matches the server's default allow-list.
const DefaultOrigin = "http://localhost:8080"

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket creates a WebSocket connection to the specified URL with
// the given Origin header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials with the default origin and closes the connection
// when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, DefaultOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame writes one JSON frame.
func SendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	payload, err := protocol.Encode(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

// ReadFrame reads the next server frame, failing after timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	frame, err := protocol.DecodeServerFrame(raw)
	require.NoError(t, err)
	return frame
}

// ReadUntil skips frames until match accepts one.
func ReadUntil(t *testing.T, conn *websocket.Conn, timeout time.Duration, match func(protocol.ServerFrame) bool) protocol.ServerFrame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatal("no matching frame before timeout")
		}
		frame := ReadFrame(t, conn, remaining)
		if match(frame) {
			return frame
		}
	}
}

// AwaitOnlineUsers waits for a presence frame listing exactly users.
func AwaitOnlineUsers(t *testing.T, conn *websocket.Conn, users ...string) {
	t.Helper()
	if users == nil {
		users = []string{}
	}
	ReadUntil(t, conn, 2*time.Second, func(f protocol.ServerFrame) bool {
		if f.Type != protocol.TypeOnlineUsers {
			return false
		}
		got := f.Users
		if got == nil {
			got = []string{}
		}
		return slices.Equal(got, users)
	})
}

// ExpectNoFrame ensures no frame arrives within the timeout.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", raw)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// Authenticate sends the auth frame and waits for its success reply.
func Authenticate(t *testing.T, conn *websocket.Conn, token, username string) {
	t.Helper()
	SendFrame(t, conn, protocol.NewAuthRequest(token))
	frame := ReadFrame(t, conn, 2*time.Second)
	require.Equal(t, protocol.TypeAuth, frame.Type)
	require.Equal(t, protocol.StatusSuccess, frame.Status, frame.Message)
	require.Equal(t, username, frame.Username)
}

// PostJSON sends body as JSON and decodes the response into out when
// out is non-nil.
func PostJSON(t *testing.T, url string, body, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// GetJSON performs an authenticated GET when token is non-empty.
func GetJSON(t *testing.T, url, token string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}
