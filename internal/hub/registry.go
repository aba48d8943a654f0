// Package hub tracks live duplex connections and fans events out to them.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mattjoyce/agentstream/internal/event"
)

// Conn is a live duplex channel as seen by the hub. Send must not block on a
// slow peer; implementations return an error instead.
type Conn interface {
	ID() string
	Send(ctx context.Context, ev event.Event) error
	Close() error
}

// Registry is the set of live connections.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]Conn),
		logger: logger.With("component", "registry"),
	}
}

// Register adds conn. Registering a connection twice is a no-op.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	if _, ok := r.conns[conn.ID()]; ok {
		r.mu.Unlock()
		return
	}
	r.conns[conn.ID()] = conn
	n := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered", "conn_id", conn.ID(), "active_connections", n)
}

// Unregister removes conn. Removing an unknown connection is a no-op.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	if _, ok := r.conns[conn.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.ID())
	n := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection unregistered", "conn_id", conn.ID(), "active_connections", n)
}

// Snapshot returns a point-in-time copy of the live connections. Later
// registrations and removals do not affect the returned slice.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and removes every connection.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		r.Unregister(c)
		_ = c.Close()
	}
}
