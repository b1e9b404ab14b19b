// Package server pushes the online-user view to every registered peer
// whenever registry membership changes.
package server

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-relay/internal/er"
	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

// Presence is the broadcaster. Notify records that membership changed;
// the hub's run loop drains Pending and calls Broadcast. Several
// notifications before a broadcast collapse into one.
type Presence struct {
	registry *Registry
	log      *slog.Logger
	pending  chan struct{}
	mu       sync.Mutex
}

func NewPresence(registry *Registry, log *slog.Logger) *Presence {
	return &Presence{
		registry: registry,
		log:      log,
		pending:  make(chan struct{}, 1),
	}
}

// Notify never blocks.
func (p *Presence) Notify() {
	select {
	case p.pending <- struct{}{}:
	default:
	}
}

func (p *Presence) Pending() <-chan struct{} {
	return p.pending
}

// Broadcast snapshots the registry and sends each peer the online set
// minus itself. It returns how many peers accepted the frame. Peers with
// a full queue lose this push only; the next broadcast carries the full
// state again.
func (p *Presence) Broadcast() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := p.registry.Snapshot()
	identities := lo.Keys(snapshot)
	sort.Strings(identities)

	delivered := 0
	for _, identity := range identities {
		payload, err := protocol.Encode(protocol.NewOnlineUsersFrame(lo.Without(identities, identity)))
		if err != nil {
			p.log.Error("Error encoding online users", "identity", identity, "error", err)
			continue
		}
		if !snapshot[identity].Deliver(payload) {
			p.log.Warn("Presence update dropped", "identity", identity, "error", er.ErrDelivery)
			continue
		}
		delivered++
	}

	p.log.Debug("Broadcast online users", "online", len(identities), "delivered", delivered)
	return delivered
}
