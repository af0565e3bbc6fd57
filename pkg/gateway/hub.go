package gateway

import (
	"sync"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

// Hub hands out one Session per stored client, keyed by primary key, so all
// calcjobs of a client share its token and connection pool.
type Hub struct {
	cfg Config

	mu       sync.Mutex
	sessions map[uint]*Session
}

// NewHub creates a hub that builds sessions with cfg.
func NewHub(cfg Config) *Hub {
	return &Hub{
		cfg:      cfg,
		sessions: make(map[uint]*Session),
	}
}

// SessionFor returns the shared session for client, creating it on first
// use. Clients without a primary key get a fresh, uncached session.
func (h *Hub) SessionFor(client *core.Client) (core.RemoteClient, error) {
	if client.PK == 0 {
		return NewSession(client, h.cfg)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if session, ok := h.sessions[client.PK]; ok {
		return session, nil
	}
	session, err := NewSession(client, h.cfg)
	if err != nil {
		return nil, err
	}
	h.sessions[client.PK] = session
	return session, nil
}
