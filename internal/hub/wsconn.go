package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/mattjoyce/agentstream/internal/event"
)

var (
	// ErrConnClosed is returned by Send after the connection has been closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Send when the outbox is full and the
	// writer has made no progress for a whole write timeout.
	ErrSlowConsumer = errors.New("connection writer stalled")
)

const (
	defaultOutboxSize   = 64
	defaultWriteTimeout = 10 * time.Second
)

// WSConn adapts a WebSocket to Conn. Outbound events are queued in a bounded
// outbox and written by a single writer goroutine, so per-connection ordering
// is preserved. A full outbox makes Send wait for the writer; only a writer
// that stops making progress gets the connection dropped.
type WSConn struct {
	id           string
	ws           *websocket.Conn
	outbox       chan event.Event
	writeTimeout time.Duration
	logger       *slog.Logger

	// progress is the unix-nano time the writer last dequeued or finished
	// writing an event, or of construction before that.
	progress atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewWSConn wraps ws. Zero outboxSize or writeTimeout select defaults.
func NewWSConn(ws *websocket.Conn, outboxSize int, writeTimeout time.Duration, logger *slog.Logger) *WSConn {
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	c := &WSConn{
		id:           id,
		ws:           ws,
		outbox:       make(chan event.Event, outboxSize),
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "wsconn", "conn_id", id),
		done:         make(chan struct{}),
	}
	c.markProgress()
	return c
}

// ID returns the connection's unique identity.
func (c *WSConn) ID() string {
	return c.id
}

// Send queues ev for delivery. When the outbox is full it waits for room
// as long as the writer keeps completing writes, and returns
// ErrSlowConsumer once the writer has made no progress for the write timeout.
func (c *WSConn) Send(_ context.Context, ev event.Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.outbox <- ev:
		return nil
	default:
	}

	ticker := time.NewTicker(c.stallCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case c.outbox <- ev:
			return nil
		case <-c.done:
			return ErrConnClosed
		case <-ticker.C:
			if c.stalled() {
				return ErrSlowConsumer
			}
		}
	}
}

func (c *WSConn) stallCheckInterval() time.Duration {
	d := c.writeTimeout / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (c *WSConn) markProgress() {
	c.progress.Store(time.Now().UnixNano())
}

// stalled reports whether the writer has gone a full write timeout without
// taking or finishing an event.
func (c *WSConn) stalled() bool {
	last := time.Unix(0, c.progress.Load())
	return time.Since(last) > c.writeTimeout
}

// WriteLoop drains the outbox until the connection closes or ctx is done.
// A write error closes the connection.
func (c *WSConn) WriteLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			_ = c.Close()
			return
		case ev := <-c.outbox:
			c.markProgress()
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := wsjson.Write(wctx, c.ws, ev)
			cancel()
			if err != nil {
				c.logger.Debug("write failed", "error", err)
				_ = c.Close()
				return
			}
			c.markProgress()
		}
	}
}

// Read returns the next inbound message. It blocks until a message arrives,
// ctx is done, or the peer disconnects. Decoding is left to the caller so a
// malformed payload does not tear the socket down.
func (c *WSConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

// Done is closed once the connection has been closed.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down. Safe to call more than once.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.CloseNow()
	})
	return err
}
