// Package scheduler runs one-shot delayed jobs that re-enter the pipeline
// as external triggers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNegativeDelay is returned when a job is scheduled in the past.
var ErrNegativeDelay = errors.New("delay must not be negative")

// Payload is what a fired job hands to the Runner.
type Payload struct {
	Message string `json:"message"`
	Source  string `json:"source"`
	Silent  bool   `json:"silent"`
}

// Runner is invoked when a job fires.
type Runner func(ctx context.Context, p Payload)

// Scheduler holds pending one-shot jobs keyed by caller-chosen id. Jobs
// live in memory only.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*pendingJob
	ctx  context.Context
}

type pendingJob struct {
	entry   cron.EntryID
	payload Payload
	at      time.Time
}

// New creates a Scheduler that hands fired jobs to runner. Pass nil logger
// for default.
func New(runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		runner: runner,
		logger: logger,
		jobs:   make(map[string]*pendingJob),
		ctx:    context.Background(),
	}
}

// Start begins firing jobs. Fired jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts firing and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped", "pending", s.Pending())
}

// Schedule arranges for p to run after delay. A pending job with the same
// id is replaced.
func (s *Scheduler) Schedule(id string, delay time.Duration, p Payload) error {
	if delay < 0 {
		return ErrNegativeDelay
	}
	at := time.Now().Add(delay)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[id]; ok {
		s.cron.Remove(old.entry)
		s.logger.Info("replacing scheduled job", "job_id", id)
	}

	job := &pendingJob{payload: p, at: at}
	job.entry = s.cron.Schedule(&onceSchedule{at: at}, cron.FuncJob(func() { s.fire(id, job) }))
	s.jobs[id] = job
	s.logger.Info("job scheduled", "job_id", id, "delay", delay, "source", p.Source, "silent", p.Silent)
	return nil
}

// Cancel removes a pending job. It reports whether a job was pending; an
// unknown id is not an error. Once Cancel returns the job cannot start.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		s.logger.Debug("cancel for unknown job", "job_id", id)
		return false
	}
	delete(s.jobs, id)
	s.cron.Remove(job.entry)
	s.logger.Info("job cancelled", "job_id", id)
	return true
}

// Pending reports how many jobs are waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) fire(id string, job *pendingJob) {
	s.mu.Lock()
	if s.jobs[id] != job {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, id)
	s.cron.Remove(job.entry)
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Info("job firing", "job_id", id, "late_by", time.Since(job.at))
	s.runner(ctx, job.payload)
}

// onceSchedule fires a single time at a fixed instant. A zero time from
// Next tells cron the entry will not run again.
type onceSchedule struct {
	at   time.Time
	used atomic.Bool
}

func (o *onceSchedule) Next(time.Time) time.Time {
	if o.used.Swap(true) {
		return time.Time{}
	}
	return o.at
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
