package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepStatus records whether a tool invocation succeeded.
type StepStatus string

const (
	StepStatusOK    StepStatus = "ok"
	StepStatusError StepStatus = "error"
)

// Step is one tool invocation within a run.
type Step struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	StepNum    int        `json:"step_num"`
	Tool       string     `json:"tool"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolInput  string     `json:"tool_input,omitempty"`
	ToolOutput string     `json:"tool_output,omitempty"`
	Status     StepStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ToolStep is the caller-supplied part of a Step.
type ToolStep struct {
	Tool       string
	ToolCallID string
	Input      string
	Output     string
	Failed     bool
}

// StepStore provides operations on the steps table.
type StepStore struct {
	db *sql.DB
}

// NewStepStore creates a new StepStore.
func NewStepStore(db *sql.DB) *StepStore {
	return &StepStore{db: db}
}

// Append records a tool step after the run's last step.
func (s *StepStore) Append(ctx context.Context, runID string, ts ToolStep) (*Step, error) {
	stepNum, err := s.MaxStepNum(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	step := &Step{
		ID:         uuid.New().String(),
		RunID:      runID,
		StepNum:    stepNum + 1,
		Tool:       ts.Tool,
		ToolCallID: ts.ToolCallID,
		ToolInput:  ts.Input,
		ToolOutput: ts.Output,
		Status:     StepStatusOK,
		CreatedAt:  now,
	}
	if ts.Failed {
		step.Status = StepStatusError
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, step_num, tool, tool_call_id, tool_input, tool_output, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepNum, step.Tool, step.ToolCallID,
		step.ToolInput, step.ToolOutput, string(step.Status), now.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}
	return step, nil
}

// GetByRunID retrieves all steps for a run, ordered by step_num.
func (s *StepStore) GetByRunID(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_num, tool, tool_call_id, tool_input, tool_output, status, created_at
		 FROM steps WHERE run_id = ? ORDER BY step_num ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get steps by run: %w", err)
	}
	defer rows.Close()

	steps := []*Step{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// MaxStepNum returns the highest step_num for a run, or 0 if none.
func (s *StepStore) MaxStepNum(ctx context.Context, runID string) (int, error) {
	var maxNum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(step_num) FROM steps WHERE run_id = ?`, runID).Scan(&maxNum)
	if err != nil {
		return 0, fmt.Errorf("max step num: %w", err)
	}
	if !maxNum.Valid {
		return 0, nil
	}
	return int(maxNum.Int64), nil
}

func scanStep(s scanner) (*Step, error) {
	var step Step
	var status string
	var callID, input, output sql.NullString
	var createdAt *string

	err := s.Scan(&step.ID, &step.RunID, &step.StepNum, &step.Tool,
		&callID, &input, &output, &status, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	step.ToolCallID = callID.String
	step.ToolInput = input.String
	step.ToolOutput = output.String
	step.Status = StepStatus(status)
	if t := parseTime(createdAt); t != nil {
		step.CreatedAt = *t
	}
	return &step, nil
}
