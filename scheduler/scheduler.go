/*
scheduler.go - In-process job scheduler

PURPOSE:
  Fires callbacks at wall-clock instants: one-shot jobs, repeating jobs with
  an end bound (reminders), and recurring jobs driven by a next-instant
  function (the weekly confirmation request and period tick).

DESIGN:
  - One background goroutine wakes every CheckInterval and runs due jobs
  - Due jobs run inline in that goroutine, one after another, so a job never
    overlaps with itself
  - A job's next instant is advanced before its callback runs; a callback may
    cancel or reschedule jobs, itself included
  - Instants missed while the loop was not checking fire once on the next
    check; PeriodJobs replays a missed confirmed tick after a restart
  - Panics in callbacks are recovered and logged

USAGE:
  s := scheduler.New(logger, time.Second)
  s.ScheduleRecurring("tick", first, cal.NextAnchor, fn)
  s.Start()
  defer s.Stop()
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

type scheduledKey struct{}

// ScheduledAt returns the instant a running job was due at. Jobs run a little
// after that instant, so anything derived from "when" should use this.
func ScheduledAt(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(scheduledKey{}).(time.Time)
	return t, ok
}

type job struct {
	id    string
	next  time.Time
	until time.Time                     // zero means unbounded
	step  func(prev time.Time) time.Time // nil for one-shot jobs
	fn    func(context.Context)
}

// Scheduler runs jobs registered by id. Registering an id that already
// exists replaces the job.
type Scheduler struct {
	CheckInterval time.Duration

	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*job

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger, checkInterval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	return &Scheduler{
		CheckInterval: checkInterval,
		logger:        logger.With("component", "scheduler"),
		now:           time.Now,
		jobs:          make(map[string]*job),
	}
}

// WithClock replaces the clock used by the background loop.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// =============================================================================
// REGISTRATION
// =============================================================================

// ScheduleAt runs fn once at at.
func (s *Scheduler) ScheduleAt(id string, at time.Time, fn func(context.Context)) error {
	return s.add(&job{id: id, next: at, fn: fn})
}

// ScheduleRepeating runs fn at start and every interval after that, until
// the next instant would pass until. A zero until never ends.
func (s *Scheduler) ScheduleRepeating(id string, start time.Time, interval time.Duration, until time.Time, fn func(context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %v", ErrInvalidSchedule, interval)
	}
	if !until.IsZero() && start.After(until) {
		return fmt.Errorf("%w: start %v after end %v", ErrInvalidSchedule, start, until)
	}
	return s.add(&job{
		id:    id,
		next:  start,
		until: until,
		step:  func(prev time.Time) time.Time { return prev.Add(interval) },
		fn:    fn,
	})
}

// ScheduleRecurring runs fn at first and then at next(previous) forever.
// next must return an instant after its argument.
func (s *Scheduler) ScheduleRecurring(id string, first time.Time, next func(time.Time) time.Time, fn func(context.Context)) error {
	if next == nil {
		return fmt.Errorf("%w: recurring job %s needs a next function", ErrInvalidSchedule, id)
	}
	return s.add(&job{id: id, next: first, step: next, fn: fn})
}

func (s *Scheduler) add(j *job) error {
	if j.id == "" || j.fn == nil {
		return fmt.Errorf("%w: job needs an id and a callback", ErrInvalidSchedule)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.id] = j
	s.logger.Debug("job scheduled", "job", j.id, "next", j.next)
	return nil
}

// Cancel removes a job. It reports whether the job existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	s.logger.Debug("job cancelled", "job", id)
	return true
}

// Next returns the next instant of a job.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return time.Time{}, false
	}
	return j.next, true
}

// Jobs lists registered job ids in order of their next instant.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].next.Before(all[k].next) })
	ids := make([]string, len(all))
	for i, j := range all {
		ids[i] = j.id
	}
	return ids
}

// =============================================================================
// EXECUTION
// =============================================================================

// RunDue runs every job whose next instant is at or before now and returns
// how many ran.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	due := s.collect(now)
	for _, j := range due {
		s.runJob(ctx, j)
	}
	return len(due)
}

// collect advances or removes due jobs and returns them in instant order.
func (s *Scheduler) collect(now time.Time) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*job
	for id, j := range s.jobs {
		if j.next.After(now) {
			continue
		}
		due = append(due, &job{id: j.id, next: j.next, fn: j.fn})

		if j.step == nil {
			delete(s.jobs, id)
			continue
		}
		next := j.step(j.next)
		for !next.After(now) {
			next = j.step(next)
		}
		if !j.until.IsZero() && next.After(j.until) {
			delete(s.jobs, id)
			continue
		}
		j.next = next
	}
	sort.Slice(due, func(i, k int) bool { return due[i].next.Before(due[k].next) })
	return due
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", j.id, "panic", r)
		}
	}()
	start := time.Now()
	j.fn(context.WithValue(ctx, scheduledKey{}, j.next))
	s.logger.Debug("job ran", "job", j.id, "scheduled", j.next, "duration", time.Since(start))
}

// Start begins the background loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run(s.ctx, s.ticker, s.stop)

	s.logger.Info("scheduler started", "check_interval", s.CheckInterval, "jobs", len(s.jobs))
}

// Stop ends the loop and waits for a running job to return. The job's
// context is cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunDue(ctx, s.now())
	for {
		select {
		case <-ticker.C:
			s.RunDue(ctx, s.now())
		case <-stop:
			return
		}
	}
}
