package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agentstream/internal/event"
)

// serveWS starts a server that hands each accepted socket to fn and returns a
// dialled client connection.
func serveWS(t *testing.T, outbox int, writeTimeout time.Duration, fn func(*WSConn)) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fn(NewWSConn(ws, outbox, writeTimeout, testLogger()))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.CloseNow() })
	return client
}

// readUntilComplete collects events from client up to and including the
// first complete event.
func readUntilComplete(t *testing.T, client *websocket.Conn) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []event.Event
	for {
		var ev event.Event
		require.NoError(t, wsjson.Read(ctx, client, &ev))
		got = append(got, ev)
		if ev.Type == event.TypeComplete {
			return got
		}
	}
}

func TestWSConn_SendWithoutWriterReportsSlowConsumer(t *testing.T) {
	errs := make(chan error, 3)
	waited := make(chan time.Duration, 1)
	serveWS(t, 1, 50*time.Millisecond, func(c *WSConn) {
		errs <- c.Send(context.Background(), event.AssistantMessage("a"))
		start := time.Now()
		errs <- c.Send(context.Background(), event.AssistantMessage("b"))
		waited <- time.Since(start)
		_ = c.Close()
		errs <- c.Send(context.Background(), event.AssistantMessage("c"))
	})

	assert.NoError(t, <-errs)
	assert.ErrorIs(t, <-errs, ErrSlowConsumer)
	assert.GreaterOrEqual(t, <-waited, 40*time.Millisecond)
	assert.ErrorIs(t, <-errs, ErrConnClosed)
}

func TestWSConn_WriteLoopDeliversInOrder(t *testing.T) {
	client := serveWS(t, 1, time.Second, func(c *WSConn) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go c.WriteLoop(ctx)
		for _, s := range []string{"one", "two", "three"} {
			if err := c.Send(ctx, event.AssistantMessage(s)); err != nil {
				return
			}
		}
		_ = c.Send(ctx, event.Complete())
		_, _ = c.Read(context.Background())
		_ = c.Close()
	})

	var got []string
	for _, ev := range readUntilComplete(t, client) {
		if ev.Type == event.TypeAssistantMessage {
			got = append(got, ev.Content)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestBroadcaster_BurstLargerThanOutboxReachesReadingClient(t *testing.T) {
	const outbox, k = 4, 200
	reg := NewRegistry(testLogger())
	b := NewBroadcaster(reg, testLogger())

	registered := make(chan struct{})
	client := serveWS(t, outbox, 2*time.Second, func(c *WSConn) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go c.WriteLoop(ctx)
		reg.Register(c)
		close(registered)
		_, _ = c.Read(context.Background())
	})
	<-registered

	go func() {
		for i := 1; i <= k; i++ {
			b.Broadcast(context.Background(), event.AssistantMessage(fmt.Sprintf("fragment-%d", i)))
		}
		b.Broadcast(context.Background(), event.Complete())
	}()

	got := readUntilComplete(t, client)
	require.Len(t, got, k+1)
	for i := 1; i <= k; i++ {
		assert.Equal(t, fmt.Sprintf("fragment-%d", i), got[i-1].Content)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestBroadcaster_StalledConnectionEvictedHealthyOneKeepsEverything(t *testing.T) {
	const outbox, k = 4, 50
	reg := NewRegistry(testLogger())
	b := NewBroadcaster(reg, testLogger())

	ready := make(chan struct{}, 2)
	healthy := serveWS(t, outbox, 2*time.Second, func(c *WSConn) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go c.WriteLoop(ctx)
		reg.Register(c)
		ready <- struct{}{}
		_, _ = c.Read(context.Background())
	})
	// No write loop: this connection never drains its outbox.
	serveWS(t, outbox, 100*time.Millisecond, func(c *WSConn) {
		reg.Register(c)
		ready <- struct{}{}
		<-c.Done()
	})
	<-ready
	<-ready
	require.Equal(t, 2, reg.Len())

	go func() {
		for i := 1; i <= k; i++ {
			b.Broadcast(context.Background(), event.Progress(i, k, "step"))
		}
		b.Broadcast(context.Background(), event.Complete())
	}()

	got := readUntilComplete(t, healthy)
	require.Len(t, got, k+1)
	for i := 1; i <= k; i++ {
		assert.Equal(t, i, got[i-1].Current)
	}
	assert.Eventually(t, func() bool { return reg.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
}
