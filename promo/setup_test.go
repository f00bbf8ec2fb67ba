package promo_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/warp/promo-engine/promo"
	memstore "github.com/warp/promo-engine/promo/store"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================

// Wednesday; the period ends on Sunday 2026-10-18 21:08 UTC.
var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

const testPeriod = promo.PeriodKey("2026-10-18")

var testCalendar = promo.Calendar{Location: time.UTC, Weekday: time.Sunday, Hour: 21, Minute: 8}

type fixture struct {
	engine   *promo.Engine
	store    *memstore.TxMemory
	sched    *fakeScheduler
	notes    *recorder
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.NewTxMemory(),
		sched:    newFakeScheduler(),
		notes:    &recorder{},
		registry: prometheus.NewRegistry(),
	}
	f.engine = promo.NewEngine(f.store, promo.Options{
		Calendar:  testCalendar,
		Scheduler: f.sched,
		Notifier:  f.notes,
		Operators: f.notes,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:   promo.NewMetrics(f.registry),
		Now:       func() time.Time { return testNow },
	})
	return f
}

// seed adds codes with the given budget and a roster of participants p1..pn.
func (f *fixture) seed(t *testing.T, codes []promo.CodeID, budget, reserve, participants int) {
	t.Helper()
	ctx := context.Background()
	if len(codes) > 0 {
		_, err := f.engine.AddCodes(ctx, true, codes, budget, reserve)
		require.NoError(t, err)
	}
	entries := make([]promo.RosterEntry, participants)
	for i := range participants {
		entries[i] = promo.RosterEntry{Label: "slot", Participant: participant(i + 1)}
	}
	_, err := f.engine.SetRoster(ctx, true, testPeriod, entries)
	require.NoError(t, err)
}

func (f *fixture) confirm(t *testing.T, period promo.PeriodKey) {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.RequestConfirmation(ctx, period)
	require.NoError(t, err)
	require.NoError(t, f.engine.Confirm(ctx, true, period))
}

func participant(i int) promo.ParticipantID {
	return promo.ParticipantID("p" + strconv.Itoa(i))
}

// =============================================================================
// FAKE SCHEDULER
// =============================================================================

type fakeJob struct {
	start    time.Time
	interval time.Duration
	until    time.Time
	fn       func(context.Context)
}

type fakeScheduler struct {
	mu        sync.Mutex
	jobs      map[string]fakeJob
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]fakeJob)}
}

func (s *fakeScheduler) ScheduleRepeating(id string, start time.Time, interval time.Duration, until time.Time, fn func(context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = fakeJob{start: start, interval: interval, until: until, fn: fn}
	return nil
}

func (s *fakeScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok
}

func (s *fakeScheduler) job(id string) (fakeJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// =============================================================================
// RECORDING NOTIFIER
// =============================================================================

type recorder struct {
	mu        sync.Mutex
	delivered map[promo.ParticipantID][]promo.CodeID
	requests  []promo.ConfirmationRequest
	reminders []promo.PeriodKey
	fail      bool
}

func (r *recorder) Notify(_ context.Context, p promo.ParticipantID, codes []promo.CodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("delivery failed")
	}
	if r.delivered == nil {
		r.delivered = make(map[promo.ParticipantID][]promo.CodeID)
	}
	r.delivered[p] = append(r.delivered[p], codes...)
	return nil
}

func (r *recorder) ConfirmationRequested(_ context.Context, req promo.ConfirmationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

func (r *recorder) ConfirmationReminder(_ context.Context, period promo.PeriodKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reminders = append(r.reminders, period)
	return nil
}
