// Package server implements the real-time presence and message-relay
// engine for GoChat Relay, together with its HTTP surface.
//
// The implementation is organized into specialized files: the connection
// registry, the presence broadcaster, per-connection relay sessions, the
// hub that owns them, configuration, and the HTTP handlers and routes.
package server
