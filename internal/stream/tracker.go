package stream

import "github.com/tidwall/gjson"

// ToolInvocation is a tool call announced by the model, kept until its
// result arrives.
type ToolInvocation struct {
	ID           string
	Name         string
	RawArguments string
}

// Arg returns a top-level string argument, or "" when absent.
func (inv ToolInvocation) Arg(key string) string {
	if !gjson.Valid(inv.RawArguments) {
		return ""
	}
	return gjson.Get(inv.RawArguments, gjson.Escape(key)).String()
}

// Tracker correlates tool results with the invocations that produced them.
// It belongs to a single run and is not safe for concurrent use.
type Tracker struct {
	pending map[string]ToolInvocation
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]ToolInvocation)}
}

// Record stores an invocation under id, replacing any earlier one.
func (t *Tracker) Record(id, name, rawArgs string) ToolInvocation {
	inv := ToolInvocation{
		ID:           id,
		Name:         name,
		RawArguments: rawArgs,
	}
	t.pending[id] = inv
	return inv
}

// Resolve returns and forgets the invocation recorded under id.
func (t *Tracker) Resolve(id string) (ToolInvocation, bool) {
	inv, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return inv, ok
}

// Len reports how many invocations are awaiting results.
func (t *Tracker) Len() int {
	return len(t.pending)
}
