// Package event defines the client-facing events broadcast to every live
// connection. Each event serializes with a "type" discriminator.
package event

// Type discriminates event variants on the wire.
type Type string

const (
	TypeUserMessage      Type = "user_message"
	TypeAssistantMessage Type = "assistant_message"
	TypeProgress         Type = "progress"
	TypeComplete         Type = "complete"
	TypeError            Type = "error"
	TypeExternalTrigger  Type = "external_trigger"
)

// Event is an immutable, self-describing client message. Only the fields
// relevant to Type are populated; the rest are omitted from JSON.
type Event struct {
	Type    Type   `json:"type"`
	Content string `json:"content,omitempty"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message,omitempty"`
}

// UserMessage echoes an inbound message.
func UserMessage(content string) Event {
	return Event{Type: TypeUserMessage, Content: content}
}

// AssistantMessage carries one fragment of the assistant's reply. Consumers
// concatenate consecutive fragments.
func AssistantMessage(content string) Event {
	return Event{Type: TypeAssistantMessage, Content: content}
}

// Progress reports batch position, 1-based.
func Progress(current, total int, content string) Event {
	return Event{Type: TypeProgress, Current: current, Total: total, Content: content}
}

// Complete marks the end of a run or batch.
func Complete() Event {
	return Event{Type: TypeComplete}
}

// Error reports a pipeline failure.
func Error(content string) Event {
	return Event{Type: TypeError, Content: content}
}

// ExternalTrigger echoes a message that arrived without a connection.
func ExternalTrigger(source, message string) Event {
	return Event{Type: TypeExternalTrigger, Source: source, Message: message}
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}
