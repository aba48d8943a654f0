package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/agentstream/internal/config"
)

// Agent is a ReAct loop over a tool-calling chat model.
type Agent struct {
	model        model.ToolCallingChatModel
	byName       map[string]tool.InvokableTool
	cfg          config.AgentConfig
	systemPrompt string
	logger       *slog.Logger
}

// NewAgent binds tools to chatModel and returns an Agent ready to stream runs.
func NewAgent(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.InvokableTool, cfg config.AgentConfig, systemPrompt string, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	infos := make([]*schema.ToolInfo, 0, len(tools))
	byName := make(map[string]tool.InvokableTool, len(tools))
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		if _, dup := byName[info.Name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", info.Name)
		}
		infos = append(infos, info)
		byName[info.Name] = t
	}

	bound := chatModel
	if len(infos) > 0 {
		var err error
		bound, err = chatModel.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
	}

	return &Agent{
		model:        bound,
		byName:       byName,
		cfg:          cfg,
		systemPrompt: systemPrompt,
		logger:       logger.With("component", "engine"),
	}, nil
}

// Stream starts a run in the background and returns the reader its
// increments arrive on. The reader ends with io.EOF on success or with the
// run's error.
func (a *Agent) Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*Increment], error) {
	if len(messages) == 0 {
		return nil, errors.New("no input messages")
	}

	sr, sw := schema.Pipe[*Increment](16)
	go func() {
		defer sw.Close()
		if err := a.run(ctx, messages, sw); err != nil {
			sw.Send(nil, err)
		}
	}()
	return sr, nil
}

func (a *Agent) run(ctx context.Context, input []*schema.Message, sw *schema.StreamWriter[*Increment]) error {
	timeout := a.cfg.RunTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxSteps := a.cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 25
	}

	conversation := make([]*schema.Message, 0, len(input)+1)
	if a.systemPrompt != "" {
		conversation = append(conversation, schema.SystemMessage(a.systemPrompt))
	}
	conversation = append(conversation, input...)

	start := time.Now()
	for step := 1; step <= maxSteps; step++ {
		reply, err := a.reason(ctx, conversation, sw)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		conversation = append(conversation, reply)

		if len(reply.ToolCalls) == 0 {
			a.logger.Info("run completed", "steps", step, "duration", time.Since(start))
			return nil
		}

		results := a.act(ctx, reply.ToolCalls)
		conversation = append(conversation, results...)
		if sw.Send(&Increment{Stage: StageTools, Messages: results}, nil) {
			return nil
		}
	}
	return ErrMaxSteps
}

// reason performs one model call and forwards its output. In streaming mode
// every text chunk is forwarded as soon as it arrives and the tool calls of
// the assembled reply follow in one increment.
func (a *Agent) reason(ctx context.Context, conversation []*schema.Message, sw *schema.StreamWriter[*Increment]) (*schema.Message, error) {
	if !a.cfg.Stream {
		reply, err := a.model.Generate(ctx, conversation)
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
		sw.Send(&Increment{Stage: StageModel, Messages: []*schema.Message{reply}}, nil)
		return reply, nil
	}

	stream, err := a.model.Stream(ctx, conversation)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("recv: %w", err)
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			sw.Send(&Increment{Stage: StageModel, Messages: []*schema.Message{schema.AssistantMessage(chunk.Content, nil)}}, nil)
		}
	}
	if len(chunks) == 0 {
		return nil, errors.New("empty model stream")
	}

	reply, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("concat stream: %w", err)
	}
	if len(reply.ToolCalls) > 0 {
		sw.Send(&Increment{Stage: StageModel, Messages: []*schema.Message{schema.AssistantMessage("", reply.ToolCalls)}}, nil)
	}
	return reply, nil
}

// act runs each requested tool in order. Failures become tool messages so
// the model can see and react to them.
func (a *Agent) act(ctx context.Context, calls []schema.ToolCall) []*schema.Message {
	results := make([]*schema.Message, 0, len(calls))
	for _, call := range calls {
		name := call.Function.Name
		var content string

		t, ok := a.byName[name]
		if !ok {
			content = fmt.Sprintf("Error: unknown tool %q", name)
			a.logger.Warn("model requested unknown tool", "tool", name, "tool_call_id", call.ID)
		} else {
			out, err := t.InvokableRun(ctx, call.Function.Arguments)
			if err != nil {
				content = "Error: " + err.Error()
				a.logger.Warn("tool failed", "tool", name, "tool_call_id", call.ID, "error", err)
			} else {
				content = out
				a.logger.Debug("tool completed", "tool", name, "tool_call_id", call.ID)
			}
		}

		msg := schema.ToolMessage(content, call.ID)
		msg.ToolName = name
		results = append(results, msg)
	}
	return results
}
