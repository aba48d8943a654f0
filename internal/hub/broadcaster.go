package hub

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/agentstream/internal/event"
)

// Broadcaster fans events out to every registered connection.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster over registry. Pass nil logger for default.
func NewBroadcaster(registry *Registry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry: registry,
		logger:   logger.With("component", "broadcaster"),
	}
}

// Broadcast sends ev to every connection in the current snapshot. A failed
// send never interrupts delivery to the others; failed connections are
// removed and closed once the pass is over.
func (b *Broadcaster) Broadcast(ctx context.Context, ev event.Event) {
	var failed []Conn
	for _, conn := range b.registry.Snapshot() {
		if err := conn.Send(ctx, ev); err != nil {
			b.logger.Warn("send failed, dropping connection",
				"conn_id", conn.ID(),
				"event_type", ev.Type,
				"error", err)
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		b.registry.Unregister(conn)
		_ = conn.Close()
	}
}

// Emit returns a function that broadcasts with ctx bound.
func (b *Broadcaster) Emit(ctx context.Context) func(event.Event) {
	return func(ev event.Event) {
		b.Broadcast(ctx, ev)
	}
}

// ActiveConnections reports how many connections are registered.
func (b *Broadcaster) ActiveConnections() int {
	return b.registry.Len()
}
