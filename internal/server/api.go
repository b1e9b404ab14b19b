// Package server serves the HTTP API around the relay: account
// registration and login, conversation history, and presence queries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/er"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// Authenticator is the credential store as seen by the HTTP API.
type Authenticator interface {
	TokenVerifier
	Register(ctx context.Context, c auth.Credentials) error
	Login(ctx context.Context, c auth.Credentials) (string, error)
}

type API struct {
	auth     Authenticator
	messages store.MessageStore
	registry *Registry
	log      *slog.Logger
}

func NewAPI(authenticator Authenticator, messages store.MessageStore, registry *Registry, log *slog.Logger) *API {
	return &API{auth: authenticator, messages: messages, registry: registry, log: log}
}

type recentChat struct {
	Username      string    `json:"username"`
	LastMessage   string    `json:"lastMessage"`
	LastTimestamp time.Time `json:"lastTimestamp"`
	IsOnline      bool      `json:"isOnline"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

const maxBodyBytes = 1 << 12

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	creds, ok := a.decodeCredentials(w, r)
	if !ok {
		return
	}

	err := a.auth.Register(r.Context(), creds)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "User registered successfully"})
	case errors.Is(err, er.ErrUserExists):
		writeError(w, http.StatusBadRequest, "Username already exists")
	case errors.Is(err, er.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, "Username must be 3-32 letters or digits and password 6-72 characters")
	default:
		a.log.Error("Registration failed", "username", creds.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "Registration failed")
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	creds, ok := a.decodeCredentials(w, r)
	if !ok {
		return
	}

	token, err := a.auth.Login(r.Context(), creds)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, loginResponse{Token: token, Username: creds.Username})
	case errors.Is(err, er.ErrUserNotFound):
		writeError(w, http.StatusBadRequest, "User not found")
	case errors.Is(err, er.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, "Invalid credentials")
	default:
		a.log.Error("Login failed", "username", creds.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
	}
}

func (a *API) decodeCredentials(w http.ResponseWriter, r *http.Request) (auth.Credentials, bool) {
	var creds auth.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&creds); err != nil ||
		creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return auth.Credentials{}, false
	}
	return creds, true
}

// authenticated resolves the bearer token before calling next.
func (a *API) authenticated(next func(w http.ResponseWriter, r *http.Request, username string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "No token provided")
			return
		}

		username, err := a.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next(w, r, username)
	}
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request, username string) {
	other := r.PathValue("otherUser")
	if err := protocol.ValidateIdentity(other); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid username")
		return
	}
	messages, err := a.messages.Conversation(r.Context(), username, other)
	if err != nil {
		a.log.Error("Failed to fetch messages", "username", username, "peer", other, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (a *API) handleOnlineUsers(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, a.registry.Identities())
}

func (a *API) handleRecentChats(w http.ResponseWriter, r *http.Request, username string) {
	chats, err := a.messages.RecentChats(r.Context(), username)
	if err != nil {
		a.log.Error("Failed to fetch recent chats", "username", username, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch recent chats")
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(chats, func(c store.ChatSummary, _ int) recentChat {
		_, online := a.registry.Lookup(c.Peer)
		return recentChat{
			Username:      c.Peer,
			LastMessage:   c.LastMessage,
			LastTimestamp: c.LastTimestamp,
			IsOnline:      online,
		}
	}))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
