package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Run is one pipeline invocation: a connection message, an external
// trigger, or a fired scheduled job.
type Run struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Message     string     `json:"message"`
	Status      RunStatus  `json:"status"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RunStore provides operations on the runs table.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, source, message, status, error, started_at, completed_at, updated_at, created_at`

// Create inserts a queued run.
func (s *RunStore) Create(ctx context.Context, source, message string) (*Run, error) {
	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.New().String(),
		Source:    source,
		Message:   message,
		Status:    RunStatusQueued,
		UpdatedAt: now,
		CreatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source, message, status, updated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.Message, string(run.Status),
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetByID retrieves a run by its ID. It returns ErrNotFound when absent.
func (s *RunStore) GetByID(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRecent returns up to limit runs, newest first.
func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateStatus moves a run to status, stamping start and completion times.
func (s *RunStore) UpdateStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	now := time.Now().UTC().Format(timeLayout)

	var startedAt, completedAt *string
	if status == RunStatusRunning {
		startedAt = &now
	}
	if status == RunStatusDone || status == RunStatusFailed {
		completedAt = &now
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = COALESCE(?, error),
		 started_at = COALESCE(?, started_at), completed_at = COALESCE(?, completed_at), updated_at = ?
		 WHERE id = ?`,
		string(status), errMsg, startedAt, completedAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var status string
	var errMsg sql.NullString
	var startedAt, completedAt, updatedAt, createdAt *string

	err := s.Scan(&r.ID, &r.Source, &r.Message, &status, &errMsg,
		&startedAt, &completedAt, &updatedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if errMsg.Valid {
		v := errMsg.String
		r.Error = &v
	}
	r.Status = RunStatus(status)
	r.StartedAt = parseTime(startedAt)
	r.CompletedAt = parseTime(completedAt)
	if t := parseTime(updatedAt); t != nil {
		r.UpdatedAt = *t
	}
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	return &r, nil
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
