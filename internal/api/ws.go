package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/mattjoyce/agentstream/internal/event"
	"github.com/mattjoyce/agentstream/internal/hub"
	"github.com/mattjoyce/agentstream/internal/pipeline"
)

const (
	connQueueSize          = 16
	defaultMaxMessageBytes = 4 << 20
)

// handleWS handles GET /ws. Each connection gets a writer goroutine and a
// worker that processes its requests in arrival order; the worker keeps
// going after the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.config.MaxMessageBytes)

	conn := hub.NewWSConn(ws, s.config.OutboxSize, s.config.WriteTimeout, s.logger)
	s.registry.Register(conn)
	defer func() {
		s.registry.Unregister(conn)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go conn.WriteLoop(ctx)

	queue := make(chan pipeline.InboundRequest, connQueueSize)
	defer close(queue)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		for req := range queue {
			s.processor.HandleInbound(s.runCtx, req)
		}
	}()

	logger := s.logger.With("conn_id", conn.ID())
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				logger.Debug("websocket closed", "status", status)
			} else {
				logger.Info("websocket read ended", "error", err)
			}
			return
		}

		var req pipeline.InboundRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("invalid websocket request", "error", err)
			_ = conn.Send(ctx, event.Error("invalid request: "+err.Error()))
			continue
		}

		select {
		case queue <- req:
		default:
			logger.Warn("connection request queue full")
			_ = conn.Send(ctx, event.Error("too many pending requests"))
		}
	}
}
