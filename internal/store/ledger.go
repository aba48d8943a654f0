package store

import (
	"context"
	"fmt"
)

// Ledger records pipeline runs and their tool steps.
type Ledger struct {
	runs  *RunStore
	steps *StepStore
}

// NewLedger creates a Ledger over the given stores.
func NewLedger(runs *RunStore, steps *StepStore) *Ledger {
	return &Ledger{runs: runs, steps: steps}
}

// StartRun creates a run and marks it running. It returns the run id.
func (l *Ledger) StartRun(ctx context.Context, source, message string) (string, error) {
	run, err := l.runs.Create(ctx, source, message)
	if err != nil {
		return "", err
	}
	if err := l.runs.UpdateStatus(ctx, run.ID, RunStatusRunning, nil); err != nil {
		return "", fmt.Errorf("mark run running: %w", err)
	}
	return run.ID, nil
}

// FinishRun marks a run done, or failed with runErr's message.
func (l *Ledger) FinishRun(ctx context.Context, runID string, runErr error) error {
	if runErr != nil {
		msg := runErr.Error()
		return l.runs.UpdateStatus(ctx, runID, RunStatusFailed, &msg)
	}
	return l.runs.UpdateStatus(ctx, runID, RunStatusDone, nil)
}

// RecordTool appends a tool step to a run.
func (l *Ledger) RecordTool(ctx context.Context, runID string, ts ToolStep) error {
	_, err := l.steps.Append(ctx, runID, ts)
	return err
}

// Run returns a run with its steps.
func (l *Ledger) Run(ctx context.Context, runID string) (*Run, []*Step, error) {
	run, err := l.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := l.steps.GetByRunID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

// Recent lists the newest runs.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*Run, error) {
	return l.runs.ListRecent(ctx, limit)
}
