package pipeline

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/agentstream/internal/event"
)

// RunBatch processes items one at a time. Each item is announced with a
// progress event; a failing item reports a scoped error and the loop moves
// on. A single complete event closes the batch.
func (p *Pipeline) RunBatch(ctx context.Context, items []BatchItem) {
	total := len(items)
	failed := 0
	for i, item := range items {
		n := i + 1
		label := fmt.Sprintf("case %d/%d", n, total)
		p.emitter.Broadcast(ctx, event.Progress(n, total, fmt.Sprintf("Processing case %d/%d", n, total)))

		err := p.run(ctx, "batch", item.Message, BuildMessages(item.History, item.Message, item.Case), runOptions{
			suppressComplete: true,
			errorPrefix:      label + ": ",
		})
		if err != nil {
			failed++
		}
	}
	p.logger.Info("batch finished", "cases", total, "failed", failed)
	p.emitter.Broadcast(ctx, event.Complete())
}

// BuildMessages assembles the engine input: prior turns followed by the
// new user message. Case fields and image references become extra parts
// of that message.
func BuildMessages(history []Turn, text string, c *Case) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+1)
	for _, turn := range history {
		switch turn.Role {
		case "assistant":
			msgs = append(msgs, schema.AssistantMessage(turn.Content, nil))
		case "system":
			msgs = append(msgs, schema.SystemMessage(turn.Content))
		default:
			msgs = append(msgs, schema.UserMessage(turn.Content))
		}
	}

	if c == nil {
		return append(msgs, schema.UserMessage(text))
	}

	parts := []schema.ChatMessagePart{{Type: schema.ChatMessagePartTypeText, Text: text}}
	if info := c.Info(); info != "" {
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeText,
			Text: "\nCase info: " + info,
		})
	}
	for _, ref := range c.ImageURLs {
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{
				URL:    ref,
				Detail: schema.ImageURLDetailAuto,
			},
		})
	}
	return append(msgs, &schema.Message{Role: schema.User, MultiContent: parts})
}
