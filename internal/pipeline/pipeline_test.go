package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/agentstream/internal/engine"
	"github.com/mattjoyce/agentstream/internal/event"
	"github.com/mattjoyce/agentstream/internal/store"
	"github.com/mattjoyce/agentstream/internal/stream"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (e *recordingEmitter) Broadcast(_ context.Context, ev event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) types() []event.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]event.Type, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

// scriptedEngine answers each Stream call with the next script entry. An
// entry with err set fails mid-stream after its increments.
type scriptedEngine struct {
	mu     sync.Mutex
	script []scriptedRun
	inputs [][]*schema.Message
}

type scriptedRun struct {
	incs     []*engine.Increment
	err      error
	startErr error
}

func (s *scriptedEngine) Stream(_ context.Context, msgs []*schema.Message) (*schema.StreamReader[*engine.Increment], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, msgs)
	if len(s.script) == 0 {
		return nil, errors.New("no scripted run")
	}
	run := s.script[0]
	s.script = s.script[1:]
	if run.startErr != nil {
		return nil, run.startErr
	}

	sr, sw := schema.Pipe[*engine.Increment](len(run.incs) + 1)
	for _, inc := range run.incs {
		sw.Send(inc, nil)
	}
	if run.err != nil {
		sw.Send(nil, run.err)
	}
	sw.Close()
	return sr, nil
}

type memoryLedger struct {
	mu       sync.Mutex
	started  []string
	finished map[string]error
	steps    []store.ToolStep
}

func (l *memoryLedger) StartRun(_ context.Context, source, _ string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, source)
	return source + "-run", nil
}

func (l *memoryLedger) FinishRun(_ context.Context, runID string, runErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished == nil {
		l.finished = map[string]error{}
	}
	l.finished[runID] = runErr
	return nil
}

func (l *memoryLedger) RecordTool(_ context.Context, _ string, step store.ToolStep) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step)
	return nil
}

func text(s string) *engine.Increment {
	return &engine.Increment{Stage: engine.StageModel, Messages: []*schema.Message{schema.AssistantMessage(s, nil)}}
}

func newTestPipeline(eng engine.Engine, ledger Ledger) (*Pipeline, *recordingEmitter) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	em := &recordingEmitter{}
	return New(eng, stream.NewTranslator(100, logger), em, ledger, logger), em
}

func TestRunBatchContinuesAfterFailure(t *testing.T) {
	eng := &scriptedEngine{script: []scriptedRun{
		{incs: []*engine.Increment{text("one")}},
		{err: errors.New("boom")},
		{incs: []*engine.Increment{text("three")}},
	}}
	p, em := newTestPipeline(eng, nil)

	p.RunBatch(context.Background(), []BatchItem{{Message: "a"}, {Message: "b"}, {Message: "c"}})

	assert.Equal(t, []event.Type{
		event.TypeProgress, event.TypeAssistantMessage,
		event.TypeProgress, event.TypeError,
		event.TypeProgress, event.TypeAssistantMessage,
		event.TypeComplete,
	}, em.types())

	var progress []int
	for _, ev := range em.events {
		if ev.Type == event.TypeProgress {
			progress = append(progress, ev.Current)
			assert.Equal(t, 3, ev.Total)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Equal(t, "Processing case 1/3", em.events[0].Content)
	assert.Equal(t, "case 2/3: boom", em.events[3].Content)
	assert.Len(t, eng.inputs, 3)
}

func TestRunBatchEngineStartFailureIsScoped(t *testing.T) {
	eng := &scriptedEngine{script: []scriptedRun{
		{startErr: errors.New("no model")},
		{incs: []*engine.Increment{text("ok")}},
	}}
	ledger := &memoryLedger{}
	p, em := newTestPipeline(eng, ledger)

	p.RunBatch(context.Background(), []BatchItem{{Message: "a"}, {Message: "b"}})

	types := em.types()
	assert.Equal(t, event.TypeComplete, types[len(types)-1])
	assert.Equal(t, "case 1/2: no model", em.events[1].Content)
	assert.Len(t, ledger.started, 2)
}

func TestHandleInboundSingleRun(t *testing.T) {
	eng := &scriptedEngine{script: []scriptedRun{{incs: []*engine.Increment{text("hi there")}}}}
	p, em := newTestPipeline(eng, nil)

	p.HandleInbound(context.Background(), InboundRequest{Message: "hello", History: []Turn{{Role: "assistant", Content: "earlier"}}})

	require.Len(t, em.events, 3)
	assert.Equal(t, event.UserMessage("hello"), em.events[0])
	assert.Equal(t, event.AssistantMessage("hi there"), em.events[1])
	assert.Equal(t, event.Complete(), em.events[2])

	require.Len(t, eng.inputs, 1)
	in := eng.inputs[0]
	require.Len(t, in, 2)
	assert.Equal(t, schema.Assistant, in[0].Role)
	assert.Equal(t, "hello", in[1].Content)
}

func TestHandleInboundBatchFromCaseList(t *testing.T) {
	eng := &scriptedEngine{script: []scriptedRun{
		{incs: []*engine.Increment{text("r1")}},
		{incs: []*engine.Increment{text("r2")}},
	}}
	p, em := newTestPipeline(eng, nil)

	var req InboundRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"message": "",
		"case_data": [{"id": 1, "query": "q1"}, {"id": 2, "query": "q2", "image_url": "http://img/2.png"}],
		"case_index": 1,
		"total_cases": 2
	}`), &req))

	p.HandleInbound(context.Background(), req)

	assert.Equal(t, "\n\n[batch mode] - Case 1/2", em.events[0].Content)
	types := em.types()
	assert.Equal(t, []event.Type{
		event.TypeUserMessage,
		event.TypeProgress, event.TypeAssistantMessage,
		event.TypeProgress, event.TypeAssistantMessage,
		event.TypeComplete,
	}, types)

	require.Len(t, eng.inputs, 2)
	second := eng.inputs[1][0]
	require.Len(t, second.MultiContent, 3)
	assert.Equal(t, "q2", second.MultiContent[0].Text)
	assert.Equal(t, "\nCase info: ID: 2, query: q2", second.MultiContent[1].Text)
	assert.Equal(t, "http://img/2.png", second.MultiContent[2].ImageURL.URL)
}

func TestHandleInboundBatchUsesCaseTurnsWhenPresent(t *testing.T) {
	eng := &scriptedEngine{script: []scriptedRun{
		{incs: []*engine.Increment{text("r1")}},
		{incs: []*engine.Increment{text("r2")}},
	}}
	p, _ := newTestPipeline(eng, nil)

	var req InboundRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"message": "assess",
		"history": [{"role": "user", "content": "outer"}],
		"case_data": [
			{"id": 1, "history": [{"role": "assistant", "content": "case one said"}]},
			{"id": 2, "history": "smoker, 40 years"}
		]
	}`), &req))

	p.HandleInbound(context.Background(), req)

	require.Len(t, eng.inputs, 2)
	first := eng.inputs[0]
	require.Len(t, first, 2)
	assert.Equal(t, schema.Assistant, first[0].Role)
	assert.Equal(t, "case one said", first[0].Content)
	assert.Equal(t, "\nCase info: ID: 1", first[1].MultiContent[1].Text)

	second := eng.inputs[1]
	require.Len(t, second, 2)
	assert.Equal(t, "outer", second[0].Content)
	assert.Equal(t, "\nCase info: ID: 2, history: smoker, 40 years", second[1].MultiContent[1].Text)
}

func TestHandleTrigger(t *testing.T) {
	eng := &scriptedEngine{script: []scriptedRun{
		{incs: []*engine.Increment{text("loud")}},
		{incs: []*engine.Increment{text("quiet")}},
	}}
	ledger := &memoryLedger{}
	p, em := newTestPipeline(eng, ledger)
	ctx := context.Background()

	require.NoError(t, p.HandleTrigger(ctx, Trigger{Message: "ping"}))
	assert.Equal(t, event.ExternalTrigger("external", "ping"), em.events[0])

	require.NoError(t, p.HandleTrigger(ctx, Trigger{Message: "ping", Source: "cron", Silent: true}))
	for _, ev := range em.events[3:] {
		assert.NotEqual(t, event.TypeExternalTrigger, ev.Type)
	}

	err := p.HandleTrigger(ctx, Trigger{Message: "  "})
	assert.ErrorIs(t, err, ErrMessageRequired)
	assert.Equal(t, []string{"external", "cron"}, ledger.started)
	assert.NoError(t, ledger.finished["cron-run"])
}

func TestRunRecordsToolStepsAndFailure(t *testing.T) {
	call := &engine.Increment{Stage: engine.StageModel, Messages: []*schema.Message{
		schema.AssistantMessage("", []schema.ToolCall{{ID: "c1", Function: schema.FunctionCall{Name: "shell", Arguments: `{"command":"ls"}`}}}),
	}}
	result := &engine.Increment{Stage: engine.StageTools, Messages: []*schema.Message{schema.ToolMessage("a.txt", "c1")}}
	eng := &scriptedEngine{script: []scriptedRun{{incs: []*engine.Increment{call, result}, err: errors.New("cut off")}}}
	ledger := &memoryLedger{}
	p, em := newTestPipeline(eng, ledger)

	p.HandleInbound(context.Background(), InboundRequest{Message: "list"})

	require.Len(t, ledger.steps, 1)
	assert.Equal(t, "shell", ledger.steps[0].Tool)
	assert.Equal(t, `{"command":"ls"}`, ledger.steps[0].Input)
	assert.False(t, ledger.steps[0].Failed)
	assert.EqualError(t, ledger.finished["websocket-run"], "cut off")
	assert.Equal(t, event.TypeError, em.events[len(em.events)-1].Type)
}
