// Package pipeline turns inbound requests into engine runs and broadcasts
// the resulting events.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/agentstream/internal/engine"
	"github.com/mattjoyce/agentstream/internal/event"
	"github.com/mattjoyce/agentstream/internal/store"
	"github.com/mattjoyce/agentstream/internal/stream"
)

// Emitter delivers events to clients.
type Emitter interface {
	Broadcast(ctx context.Context, ev event.Event)
}

// Ledger records runs for later inspection.
type Ledger interface {
	StartRun(ctx context.Context, source, message string) (string, error)
	FinishRun(ctx context.Context, runID string, runErr error) error
	RecordTool(ctx context.Context, runID string, step store.ToolStep) error
}

// Pipeline drives engine runs for connection messages, external triggers
// and scheduled jobs.
type Pipeline struct {
	engine     engine.Engine
	translator *stream.Translator
	emitter    Emitter
	ledger     Ledger
	logger     *slog.Logger
}

// New creates a Pipeline. ledger may be nil.
func New(eng engine.Engine, translator *stream.Translator, emitter Emitter, ledger Ledger, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		engine:     eng,
		translator: translator,
		emitter:    emitter,
		ledger:     ledger,
		logger:     logger.With("component", "pipeline"),
	}
}

// HandleInbound echoes req to every client and then processes it, as a
// batch when case_data is a list.
func (p *Pipeline) HandleInbound(ctx context.Context, req InboundRequest) {
	p.emitter.Broadcast(ctx, event.UserMessage(req.Echo()))

	if !req.CaseData.Empty() && req.CaseData.Batch {
		items := make([]BatchItem, 0, len(req.CaseData.Cases))
		for i := range req.CaseData.Cases {
			c := &req.CaseData.Cases[i]
			msg := req.Message
			if msg == "" {
				msg = c.Query
			}
			history := req.History
			if len(c.Turns) > 0 {
				history = c.Turns
			}
			items = append(items, BatchItem{Message: msg, History: history, Case: c})
		}
		p.RunBatch(ctx, items)
		return
	}

	var c *Case
	if !req.CaseData.Empty() {
		c = &req.CaseData.Cases[0]
	}
	_ = p.run(ctx, "websocket", req.Message, BuildMessages(req.History, req.Message, c), runOptions{})
}

// HandleTrigger runs a connectionless request. Unless silent, clients see
// an external_trigger event first. It returns ErrMessageRequired before
// doing anything when the message is empty.
func (p *Pipeline) HandleTrigger(ctx context.Context, trig Trigger) error {
	if err := trig.Normalize(); err != nil {
		return err
	}
	p.logger.Info("external trigger", "source", trig.Source, "silent", trig.Silent)
	if !trig.Silent {
		p.emitter.Broadcast(ctx, event.ExternalTrigger(trig.Source, trig.Message))
	}
	_ = p.run(ctx, trig.Source, trig.Message, BuildMessages(nil, trig.Message, nil), runOptions{})
	return nil
}

type runOptions struct {
	suppressComplete bool
	errorPrefix      string
}

// run performs one engine call and forwards its events. It returns the
// run's failure, if any, after the error event has been broadcast.
func (p *Pipeline) run(ctx context.Context, source, message string, msgs []*schema.Message, opts runOptions) error {
	start := time.Now()
	runID := p.startRun(ctx, source, message)
	logger := p.logger.With("run_id", runID, "source", source)

	var runErr error
	defer func() {
		p.finishRun(ctx, runID, runErr)
		if runErr != nil {
			logger.Warn("run failed", "error", runErr, "duration", time.Since(start))
			return
		}
		logger.Info("run completed", "duration", time.Since(start))
	}()

	sr, err := p.engine.Stream(ctx, msgs)
	if err != nil {
		runErr = err
		p.emitter.Broadcast(ctx, event.Error(opts.errorPrefix+err.Error()))
		return runErr
	}

	onTool := func(inv stream.ToolInvocation, result string, failed bool) {
		if p.ledger == nil || runID == "" {
			return
		}
		step := store.ToolStep{
			Tool:       inv.Name,
			ToolCallID: inv.ID,
			Input:      inv.RawArguments,
			Output:     result,
			Failed:     failed,
		}
		if err := p.ledger.RecordTool(ctx, runID, step); err != nil {
			logger.Warn("failed to record tool step", "tool", inv.Name, "error", err)
		}
	}

	for ev := range p.translator.Translate(sr, onTool) {
		switch ev.Type {
		case event.TypeComplete:
			if opts.suppressComplete {
				continue
			}
		case event.TypeError:
			ev.Content = opts.errorPrefix + ev.Content
			runErr = errors.New(ev.Content)
		}
		p.emitter.Broadcast(ctx, ev)
	}
	return runErr
}

func (p *Pipeline) startRun(ctx context.Context, source, message string) string {
	if p.ledger == nil {
		return ""
	}
	id, err := p.ledger.StartRun(ctx, source, message)
	if err != nil {
		p.logger.Warn("failed to record run start", "error", err)
		return ""
	}
	return id
}

func (p *Pipeline) finishRun(ctx context.Context, runID string, runErr error) {
	if p.ledger == nil || runID == "" {
		return
	}
	// The run context may already be cancelled; the ledger update must still land.
	if err := p.ledger.FinishRun(context.WithoutCancel(ctx), runID, runErr); err != nil {
		p.logger.Warn("failed to record run finish", "run_id", runID, "error", err)
	}
}
