package promo

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Scheduler runs reminder callbacks. The engine only needs repeating jobs
// with an end bound and cancellation by id.
type Scheduler interface {
	ScheduleRepeating(id string, start time.Time, interval time.Duration, until time.Time, fn func(context.Context)) error
	Cancel(id string) bool
}

// Notifier delivers issued codes to a participant. Best-effort: errors are
// logged and never roll back an issuance.
type Notifier interface {
	Notify(ctx context.Context, participant ParticipantID, codes []CodeID) error
}

// OperatorNotifier tells operators about pending confirmations.
type OperatorNotifier interface {
	ConfirmationRequested(ctx context.Context, req ConfirmationRequest) error
	ConfirmationReminder(ctx context.Context, period PeriodKey) error
}

// =============================================================================
// ENGINE
// =============================================================================

type Options struct {
	Policy           Policy
	Calendar         Calendar
	ReminderInterval time.Duration
	ReminderWindow   time.Duration
	NotifyTimeout    time.Duration

	Scheduler Scheduler
	Notifier  Notifier
	Operators OperatorNotifier
	Logger    *slog.Logger
	Metrics   *Metrics
	Now       func() time.Time
}

// Engine is the allocation and confirmation engine. All state lives in the
// store; the engine holds only collaborators and a mutex that serializes
// period runs within the process.
type Engine struct {
	store   TxStore
	pool    *Pool
	reserve *Reserve
	opts    Options
	logger  *slog.Logger
	metrics *Metrics

	runMu sync.Mutex
}

func NewEngine(store TxStore, opts Options) *Engine {
	opts.Policy = opts.Policy.orDefault()
	if opts.Calendar.Location == nil {
		opts.Calendar = DefaultCalendar()
	}
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = time.Minute
	}
	if opts.ReminderWindow <= 0 {
		opts.ReminderWindow = 7 * time.Minute
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if opts.Scheduler == nil {
		opts.Scheduler = nopScheduler{}
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Operators == nil {
		opts.Operators = nopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:   store,
		pool:    NewPool(store),
		reserve: NewReserve(store),
		opts:    opts,
		logger:  opts.Logger.With("component", "engine"),
		metrics: opts.Metrics,
	}
}

// Calendar returns the period calendar in use.
func (e *Engine) Calendar() Calendar { return e.opts.Calendar }

// CurrentPeriod returns the period the current instant belongs to.
func (e *Engine) CurrentPeriod() PeriodKey {
	return e.opts.Calendar.Key(e.opts.Now())
}

// Pool exposes the code pool view.
func (e *Engine) Pool() *Pool { return e.pool }

// Reserve exposes the reserve counter.
func (e *Engine) Reserve() *Reserve { return e.reserve }

// =============================================================================
// PREVIEW
// =============================================================================

// Preview recomputes the allocation for display. Read-only, safe to call
// from any state and concurrently with anything.
func (e *Engine) Preview(ctx context.Context, period PeriodKey) (Allocation, error) {
	if period == "" {
		return Allocation{}, ErrInvalidPeriod
	}
	return e.plan(ctx, e.store, period)
}

// plan loads fresh snapshots through s and runs Allocate.
func (e *Engine) plan(ctx context.Context, s Store, period PeriodKey) (Allocation, error) {
	slots, err := s.ListSlots(ctx, period)
	if err != nil {
		return Allocation{}, err
	}
	codes, err := s.ListCodes(ctx)
	if err != nil {
		return Allocation{}, err
	}
	reserve, err := NewReserve(s).Value(ctx)
	if err != nil {
		return Allocation{}, err
	}

	var participants []ParticipantID
	for _, sl := range slots {
		if sl.Occupied() {
			participants = append(participants, sl.Participant)
		}
	}
	issued, err := LoadIssued(ctx, s, participants)
	if err != nil {
		return Allocation{}, err
	}

	return Allocate(AllocationInput{
		Slots:   slots,
		Codes:   codes,
		Reserve: reserve,
		Issued:  issued,
		Policy:  e.opts.Policy,
	}), nil
}

// =============================================================================
// NOTIFICATION HELPERS
// =============================================================================

// notifyIssued delivers entries grouped by participant, in entry order.
func (e *Engine) notifyIssued(ctx context.Context, entries []Entry) {
	var order []ParticipantID
	grouped := make(map[ParticipantID][]CodeID)
	for _, en := range entries {
		if _, ok := grouped[en.Participant]; !ok {
			order = append(order, en.Participant)
		}
		grouped[en.Participant] = append(grouped[en.Participant], en.Code)
	}
	for _, p := range order {
		nctx, cancel := context.WithTimeout(ctx, e.opts.NotifyTimeout)
		err := e.opts.Notifier.Notify(nctx, p, grouped[p])
		cancel()
		if err != nil {
			e.metrics.notifyFailures.Inc()
			e.logger.Warn("participant notification failed",
				"participant", p, "codes", len(grouped[p]), "error", err)
		}
	}
}

// =============================================================================
// NO-OP COLLABORATORS
// =============================================================================

type nopScheduler struct{}

func (nopScheduler) ScheduleRepeating(string, time.Time, time.Duration, time.Time, func(context.Context)) error {
	return nil
}
func (nopScheduler) Cancel(string) bool { return false }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, ParticipantID, []CodeID) error { return nil }

func (nopNotifier) ConfirmationRequested(context.Context, ConfirmationRequest) error { return nil }

func (nopNotifier) ConfirmationReminder(context.Context, PeriodKey) error { return nil }
