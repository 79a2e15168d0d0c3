// Package registry tracks live connections and indexes them by connection
// id, authenticated principal id, and declared client id.
package registry

import (
	"sync"

	"github.com/rs/zerolog"
)

// Connection is the registry's view of a live session.
type Connection interface {
	ID() string
	ClientID() string
	PrincipalID() string
	// Send queues an encoded frame; returns false when the connection is
	// gone or its buffer is full.
	Send(frame []byte) bool
	// Close initiates teardown with a WebSocket close code.
	Close(code int, reason string)
}

// Registry is the connection table plus secondary indexes. All methods are
// safe for concurrent use; broadcast paths receive snapshot copies.
type Registry struct {
	mu          sync.RWMutex
	byConn      map[string]Connection
	byPrincipal map[string]map[string]struct{}
	byClient    map[string]string
	logger      zerolog.Logger
}

// New builds an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		byConn:      make(map[string]Connection),
		byPrincipal: make(map[string]map[string]struct{}),
		byClient:    make(map[string]string),
		logger:      logger.With().Str("component", "registry").Logger(),
	}
}

// Add registers a new connection under its connection id.
func (r *Registry) Add(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[c.ID()] = c
}

// Remove drops a connection and cascades cleanup of every index entry that
// references it.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byConn[connectionID]
	if !ok {
		return
	}
	delete(r.byConn, connectionID)

	if pid := c.PrincipalID(); pid != "" {
		if set, ok := r.byPrincipal[pid]; ok {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.byPrincipal, pid)
			}
		}
	}
	if cid := c.ClientID(); cid != "" {
		if r.byClient[cid] == connectionID {
			delete(r.byClient, cid)
		}
	}
}

// LinkPrincipal indexes a connection under its authenticated principal.
func (r *Registry) LinkPrincipal(connectionID, principalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[connectionID]; !ok {
		return
	}
	set, ok := r.byPrincipal[principalID]
	if !ok {
		set = make(map[string]struct{})
		r.byPrincipal[principalID] = set
	}
	set[connectionID] = struct{}{}
}

// LinkClient indexes a connection under its declared client id. A client id
// maps to at most one connection; a newer connection takes the slot.
func (r *Registry) LinkClient(connectionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[connectionID]; !ok {
		return
	}
	r.byClient[clientID] = connectionID
}

// ByConnection looks up a connection by id.
func (r *Registry) ByConnection(connectionID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[connectionID]
	return c, ok
}

// ByPrincipal returns every connection authenticated as principalID.
func (r *Registry) ByPrincipal(principalID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byPrincipal[principalID]
	out := make([]Connection, 0, len(set))
	for id := range set {
		if c, ok := r.byConn[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ByClient looks up the connection that declared clientID.
func (r *Registry) ByClient(clientID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byClient[clientID]
	if !ok {
		return nil, false
	}
	c, ok := r.byConn[id]
	return c, ok
}

// Send delivers a frame to one connection by id.
func (r *Registry) Send(connectionID string, frame []byte) bool {
	c, ok := r.ByConnection(connectionID)
	if !ok {
		return false
	}
	return c.Send(frame)
}

// Counts returns totals for the health payload: open connections, distinct
// principals, distinct client ids.
func (r *Registry) Counts() (connections, users, clients int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn), len(r.byPrincipal), len(r.byClient)
}

// CloseAll closes every live connection, used on graceful shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	conns := make([]Connection, 0, len(r.byConn))
	for _, c := range r.byConn {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
}
