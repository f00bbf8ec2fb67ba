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
	"go.uber.org/goleak"
)

var t0 = time.Date(2026, 10, 18, 21, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type counter struct {
	mu  sync.Mutex
	at  []time.Time
	ids []string
}

func (c *counter) fn(id string) func(context.Context) {
	return func(ctx context.Context) {
		c.mu.Lock()
		defer c.mu.Unlock()
		at, _ := ScheduledAt(ctx)
		c.at = append(c.at, at)
		c.ids = append(c.ids, id)
	}
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.at)
}

func TestRunDue_OneShot(t *testing.T) {
	s := New(quietLogger(), time.Second)
	c := &counter{}
	require.NoError(t, s.ScheduleAt("once", t0, c.fn("once")))

	assert.Equal(t, 0, s.RunDue(context.Background(), t0.Add(-time.Second)))
	assert.Equal(t, 1, s.RunDue(context.Background(), t0))
	assert.Equal(t, 0, s.RunDue(context.Background(), t0.Add(time.Hour)))

	_, ok := s.Next("once")
	assert.False(t, ok)
	assert.Equal(t, []time.Time{t0}, c.at)
}

func TestRunDue_RepeatingUntil(t *testing.T) {
	// GIVEN: a job every minute for three minutes
	s := New(quietLogger(), time.Second)
	c := &counter{}
	require.NoError(t, s.ScheduleRepeating("remind", t0, time.Minute, t0.Add(3*time.Minute), c.fn("remind")))
	ctx := context.Background()

	// WHEN: checking each minute
	for i := range 6 {
		s.RunDue(ctx, t0.Add(time.Duration(i)*time.Minute))
	}

	// THEN: it ran at 0, 1, 2 and 3 minutes and is gone
	assert.Equal(t, 4, c.count())
	assert.True(t, c.at[3].Equal(t0.Add(3*time.Minute)))
	assert.Empty(t, s.Jobs())
}

func TestRunDue_MissedInstantsFireOnce(t *testing.T) {
	s := New(quietLogger(), time.Second)
	c := &counter{}
	require.NoError(t, s.ScheduleRepeating("tick", t0, time.Minute, time.Time{}, c.fn("tick")))

	// No check ran for ten minutes.
	ran := s.RunDue(context.Background(), t0.Add(10*time.Minute+time.Second))

	assert.Equal(t, 1, ran)
	assert.True(t, c.at[0].Equal(t0), "callback sees the instant it was due at")
	next, ok := s.Next("tick")
	require.True(t, ok)
	assert.True(t, next.Equal(t0.Add(11*time.Minute)))
}

func TestRunDue_Recurring(t *testing.T) {
	s := New(quietLogger(), time.Second)
	c := &counter{}
	weekly := func(prev time.Time) time.Time { return prev.AddDate(0, 0, 7) }
	require.NoError(t, s.ScheduleRecurring("weekly", t0, weekly, c.fn("weekly")))

	s.RunDue(context.Background(), t0)
	s.RunDue(context.Background(), t0.AddDate(0, 0, 7))

	assert.Equal(t, 2, c.count())
	next, ok := s.Next("weekly")
	require.True(t, ok)
	assert.True(t, next.Equal(t0.AddDate(0, 0, 14)))
}

func TestRunDue_RunsInInstantOrder(t *testing.T) {
	s := New(quietLogger(), time.Second)
	c := &counter{}
	require.NoError(t, s.ScheduleAt("late", t0.Add(2*time.Second), c.fn("late")))
	require.NoError(t, s.ScheduleAt("early", t0, c.fn("early")))
	require.NoError(t, s.ScheduleAt("middle", t0.Add(time.Second), c.fn("middle")))

	assert.Equal(t, []string{"early", "middle", "late"}, s.Jobs())
	s.RunDue(context.Background(), t0.Add(time.Minute))

	assert.Equal(t, []string{"early", "middle", "late"}, c.ids)
}

func TestRunDue_CallbackMayCancelItself(t *testing.T) {
	s := New(quietLogger(), time.Second)
	runs := 0
	require.NoError(t, s.ScheduleRepeating("self", t0, time.Minute, time.Time{}, func(context.Context) {
		runs++
		s.Cancel("self")
	}))

	s.RunDue(context.Background(), t0)
	s.RunDue(context.Background(), t0.Add(time.Minute))

	assert.Equal(t, 1, runs)
}

func TestRunDue_RecoversPanics(t *testing.T) {
	s := New(quietLogger(), time.Second)
	c := &counter{}
	require.NoError(t, s.ScheduleAt("bad", t0, func(context.Context) { panic("boom") }))
	require.NoError(t, s.ScheduleAt("good", t0.Add(time.Second), c.fn("good")))

	assert.NotPanics(t, func() { s.RunDue(context.Background(), t0.Add(time.Minute)) })
	assert.Equal(t, 1, c.count())
}

func TestCancel(t *testing.T) {
	s := New(quietLogger(), time.Second)
	c := &counter{}
	require.NoError(t, s.ScheduleAt("x", t0, c.fn("x")))

	assert.True(t, s.Cancel("x"))
	assert.False(t, s.Cancel("x"))
	assert.Equal(t, 0, s.RunDue(context.Background(), t0))
}

func TestSchedule_Validation(t *testing.T) {
	s := New(quietLogger(), time.Second)
	noop := func(context.Context) {}

	assert.ErrorIs(t, s.ScheduleRepeating("r", t0, 0, time.Time{}, noop), ErrInvalidSchedule)
	assert.ErrorIs(t, s.ScheduleRepeating("r", t0, time.Minute, t0.Add(-time.Minute), noop), ErrInvalidSchedule)
	assert.ErrorIs(t, s.ScheduleRecurring("r", t0, nil, noop), ErrInvalidSchedule)
	assert.ErrorIs(t, s.ScheduleAt("", t0, noop), ErrInvalidSchedule)
	assert.ErrorIs(t, s.ScheduleAt("x", t0, nil), ErrInvalidSchedule)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	// GIVEN: a job that is already due
	s := New(quietLogger(), 10*time.Millisecond).WithClock(func() time.Time { return t0 })
	done := make(chan struct{})
	require.NoError(t, s.ScheduleAt("due", t0.Add(-time.Minute), func(context.Context) { close(done) }))

	// WHEN: the loop starts
	s.Start()
	s.Start()

	// THEN: it runs promptly and Stop leaves no goroutine behind
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	s.Stop()
	s.Stop()
}

func TestStop_CancelsRunningJobContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(quietLogger(), 10*time.Millisecond).WithClock(func() time.Time { return t0 })
	started := make(chan struct{})
	require.NoError(t, s.ScheduleAt("long", t0, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))

	s.Start()
	<-started
	s.Stop()
}
