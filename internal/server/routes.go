// Package server wires HTTP handlers into a ServeMux for the relay
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
func SetupRoutes(hub *Hub, api *API) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", HealthHandler)
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("POST /register", api.handleRegister)
	mux.HandleFunc("POST /login", api.handleLogin)
	mux.HandleFunc("GET /messages/{otherUser}", api.authenticated(api.handleHistory))
	mux.HandleFunc("GET /users/online", api.authenticated(api.handleOnlineUsers))
	mux.HandleFunc("GET /users/recent", api.authenticated(api.handleRecentChats))
	return mux
}
