// Package server keeps the connection registry: the live mapping from
// identity to the one authenticated peer currently holding it.
package server

import (
	"maps"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Peer is what the registry stores for an identity. Deliver must never
// block; it reports false when the frame was dropped.
type Peer interface {
	Deliver(payload []byte) bool
	Evict()
}

// Registry maps identity to peer. Every method holds the lock for its
// whole body, so readers never observe a half-applied change.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Register binds identity to peer and returns the peer it replaced, if
// any. The caller decides what happens to the superseded peer.
func (r *Registry) Register(identity string, peer Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.peers[identity]
	r.peers[identity] = peer
	return previous
}

// Unregister removes identity. Absent identities are a no-op.
func (r *Registry) Unregister(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, identity)
}

// Release removes identity only while it is still bound to peer, so a
// superseded session tearing down cannot evict its replacement.
func (r *Registry) Release(identity string, peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.peers[identity]
	if !ok || current != peer {
		return false
	}
	delete(r.peers, identity)
	return true
}

func (r *Registry) Lookup(identity string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[identity]
	return peer, ok
}

// Identities returns the online identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	identities := lo.Keys(r.peers)
	r.mu.RUnlock()

	sort.Strings(identities)
	return identities
}

// Snapshot copies the whole mapping under one read lock.
func (r *Registry) Snapshot() map[string]Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.peers)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
