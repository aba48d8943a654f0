package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firing struct {
	payload Payload
	at      time.Time
}

type recorder struct {
	mu    sync.Mutex
	fired []firing
}

func (r *recorder) run(_ context.Context, p Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, firing{payload: p, at: time.Now()})
}

func (r *recorder) snapshot() []firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]firing(nil), r.fired...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := New(rec.run, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, rec
}

func TestScheduleFiresOnceAfterDelay(t *testing.T) {
	s, rec := newTestScheduler(t)

	start := time.Now()
	require.NoError(t, s.Schedule("job-1", 100*time.Millisecond, Payload{Message: "remind", Source: "followup"}))
	assert.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	fired := rec.snapshot()[0]
	assert.GreaterOrEqual(t, fired.at.Sub(start), 100*time.Millisecond)
	assert.Equal(t, "remind", fired.payload.Message)
	assert.Equal(t, 0, s.Pending())

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestCancelBeforeFiringPreventsRun(t *testing.T) {
	s, rec := newTestScheduler(t)

	require.NoError(t, s.Schedule("job-1", 100*time.Millisecond, Payload{Message: "never"}))
	assert.True(t, s.Cancel("job-1"))
	assert.Equal(t, 0, s.Pending())

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestCancelUnknownIsNoop(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.False(t, s.Cancel("missing"))
}

func TestRescheduleReplacesPendingJob(t *testing.T) {
	s, rec := newTestScheduler(t)

	require.NoError(t, s.Schedule("job-1", 100*time.Millisecond, Payload{Message: "old"}))
	require.NoError(t, s.Schedule("job-1", 150*time.Millisecond, Payload{Message: "new"}))
	assert.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)

	fired := rec.snapshot()
	require.Len(t, fired, 1)
	assert.Equal(t, "new", fired[0].payload.Message)
}

func TestZeroDelayFiresImmediately(t *testing.T) {
	s, rec := newTestScheduler(t)
	require.NoError(t, s.Schedule("now", 0, Payload{Message: "go"}))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNegativeDelayRejected(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.ErrorIs(t, s.Schedule("bad", -time.Second, Payload{}), ErrNegativeDelay)
	assert.Equal(t, 0, s.Pending())
}

func TestOnceScheduleYieldsSingleInstant(t *testing.T) {
	at := time.Now().Add(time.Minute)
	o := &onceSchedule{at: at}
	assert.Equal(t, at, o.Next(time.Now()))
	assert.True(t, o.Next(time.Now()).IsZero())
}
