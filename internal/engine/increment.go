// Package engine runs the reasoning loop behind every pipeline request and
// exposes its progress as a stream of increments.
package engine

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/schema"
)

// Stage identifies which part of the reasoning loop produced an increment.
type Stage string

const (
	StageModel Stage = "model"
	StageTools Stage = "tools"
)

// Increment is one fragment of engine output. Model increments carry
// assistant messages (text and tool calls); tool increments carry tool
// result messages.
type Increment struct {
	Stage    Stage
	Messages []*schema.Message
}

// Engine streams the increments of a single reasoning run.
type Engine interface {
	Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*Increment], error)
}

// ErrMaxSteps ends a run whose model still requests tools after the
// configured number of steps.
var ErrMaxSteps = errors.New("engine exceeded max steps")
