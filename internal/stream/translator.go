// Package stream turns the engine's increment stream into client events.
package stream

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/agentstream/internal/engine"
	"github.com/mattjoyce/agentstream/internal/event"
)

// ToolObserver is told about every tool result as it is translated.
type ToolObserver func(inv ToolInvocation, result string, failed bool)

// Translator maps increments to events. It holds no per-run state and may
// be shared; each Translate call gets its own Tracker.
type Translator struct {
	errorLimit int
	logger     *slog.Logger
}

// NewTranslator creates a Translator that truncates tool error text to
// errorLimit runes. Pass nil logger for default.
func NewTranslator(errorLimit int, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	if errorLimit <= 0 {
		errorLimit = 100
	}
	return &Translator{
		errorLimit: errorLimit,
		logger:     logger.With("component", "translator"),
	}
}

// Translate lazily converts sr into events. The sequence ends with a
// complete event when sr is exhausted, or with an error event when sr
// fails or an increment cannot be translated. The reader is closed when
// iteration stops. onTool may be nil.
func (t *Translator) Translate(sr *schema.StreamReader[*engine.Increment], onTool ToolObserver) iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		defer sr.Close()
		tracker := NewTracker()

		for {
			inc, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				if tracker.Len() > 0 {
					t.logger.Debug("stream ended with unresolved tool calls", "pending", tracker.Len())
				}
				yield(event.Complete())
				return
			}
			if err != nil {
				t.logger.Error("engine stream failed", "error", err)
				yield(event.Error(err.Error()))
				return
			}

			evs, err := t.translate(inc, tracker, onTool)
			for _, ev := range evs {
				if !yield(ev) {
					return
				}
			}
			if err != nil {
				t.logger.Error("translation failed", "error", err)
				yield(event.Error(err.Error()))
				return
			}
		}
	}
}

// translate converts one increment. A panic while doing so is returned as
// an error together with the events produced before it.
func (t *Translator) translate(inc *engine.Increment, tracker *Tracker, onTool ToolObserver) (out []event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("translate %s increment: %v", inc.Stage, r)
		}
	}()

	if inc == nil {
		t.logger.Debug("skipping empty increment")
		return nil, nil
	}

	switch inc.Stage {
	case engine.StageModel:
		for _, msg := range inc.Messages {
			out = append(out, t.modelEvents(msg, tracker)...)
		}
	case engine.StageTools:
		for _, msg := range inc.Messages {
			out = append(out, t.toolEvents(msg, tracker, onTool)...)
		}
	default:
		t.logger.Debug("skipping increment with unknown stage", "stage", inc.Stage)
	}
	return out, nil
}

func (t *Translator) modelEvents(msg *schema.Message, tracker *Tracker) []event.Event {
	if msg == nil {
		return nil
	}
	var out []event.Event
	if msg.Content != "" {
		out = append(out, event.AssistantMessage(msg.Content))
	}
	for _, part := range msg.MultiContent {
		if part.Type == schema.ChatMessagePartTypeText && part.Text != "" {
			out = append(out, event.AssistantMessage(part.Text))
		}
	}
	for _, call := range msg.ToolCalls {
		inv := tracker.Record(call.ID, call.Function.Name, call.Function.Arguments)
		t.logger.Debug("tool call", "tool", inv.Name, "tool_call_id", inv.ID)
		out = append(out, event.AssistantMessage(invocationNotice(inv)))
	}
	return out
}

func (t *Translator) toolEvents(msg *schema.Message, tracker *Tracker, onTool ToolObserver) []event.Event {
	if msg == nil {
		return nil
	}
	result := msg.Content

	inv, ok := tracker.Resolve(msg.ToolCallID)
	if !ok {
		inv = ToolInvocation{ID: msg.ToolCallID, Name: unknownTool}
	}

	failed := isToolError(result)
	if onTool != nil {
		onTool(inv, result, failed)
	}

	switch {
	case failed:
		t.logger.Warn("tool returned error", "tool", inv.Name, "tool_call_id", inv.ID, "result", truncateRunes(result, 200))
		return []event.Event{event.AssistantMessage(errorNotice(result, t.errorLimit))}
	case !ok:
		t.logger.Warn("tool result without matching call", "tool_call_id", msg.ToolCallID)
		return []event.Event{event.AssistantMessage(orphanNotice())}
	case followupSent(inv, result):
		return []event.Event{event.AssistantMessage(followupNotice)}
	default:
		t.logger.Debug("tool succeeded", "tool", inv.Name, "tool_call_id", inv.ID)
		return nil
	}
}
