/*
confirmation.go - Operator confirmation state machine

PURPOSE:
  Gates the scheduled execution behind an explicit, authorized acknowledgment.

STATES:
  idle ──request──▶ awaiting_confirmation ──confirm──▶ confirmed ──tick──▶ executed
                         │        ▲                        │
                         │        └────────request─────────┘
                         └──report──▶ error_reported ──acknowledge──▶ idle

  "executed" is never entered here: only the period trigger writes it.

PERSISTENCE:
  The current state is one settings row, "<state>|<period>|<reason>". A record
  for another period reads as idle for this one. The separate "confirmed" flag
  is what the trigger gates on; it is kept in step with the record inside the
  same transaction.

REMINDERS:
  RequestConfirmation schedules a repeating job "reminder:<period>" that pings
  operators until the window closes. The job cancels itself once the period is
  confirmed or executed; Confirm and the trigger also cancel it directly.
*/
package promo

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// =============================================================================
// STATES
// =============================================================================

type State string

const (
	StateIdle          State = "idle"
	StateAwaiting      State = "awaiting_confirmation"
	StateConfirmed     State = "confirmed"
	StateExecuted      State = "executed"
	StateErrorReported State = "error_reported"
)

type stateRecord struct {
	State  State
	Period PeriodKey
	Reason string
}

func (r stateRecord) encode() string {
	if r.Period == "" {
		return string(r.State)
	}
	return string(r.State) + "|" + string(r.Period) + "|" + r.Reason
}

func decodeState(raw string) stateRecord {
	parts := strings.SplitN(raw, "|", 3)
	rec := stateRecord{State: State(parts[0])}
	if len(parts) > 1 {
		rec.Period = PeriodKey(parts[1])
	}
	if len(parts) > 2 {
		rec.Reason = parts[2]
	}
	if rec.State == "" {
		rec.State = StateIdle
	}
	return rec
}

// stateFor resolves the state of period from the persisted marker and record.
func stateFor(period PeriodKey, lastExecuted string, rec stateRecord) State {
	if lastExecuted == string(period) {
		return StateExecuted
	}
	if rec.Period != period {
		return StateIdle
	}
	return rec.State
}

// =============================================================================
// ACTIONS - Callback identifiers handed to operators
// =============================================================================

type Action string

const (
	ActionConfirm     Action = "confirm"
	ActionReportError Action = "error"
	ActionInspectPlan Action = "plan"
)

// ActionID returns the callback identifier for action on period.
func ActionID(action Action, period PeriodKey) string {
	return string(action) + ":" + string(period)
}

// ParseActionID splits a callback identifier produced by ActionID.
func ParseActionID(id string) (Action, PeriodKey, error) {
	action, period, ok := strings.Cut(id, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: action %q", ErrInvalidPeriod, id)
	}
	key, err := ParsePeriodKey(period)
	if err != nil {
		return "", "", err
	}
	switch a := Action(action); a {
	case ActionConfirm, ActionReportError, ActionInspectPlan:
		return a, key, nil
	}
	return "", "", fmt.Errorf("unknown action %q", action)
}

type Actions struct {
	Confirm     string
	ReportError string
	InspectPlan string
}

// ConfirmationRequest is what operators receive when a period awaits approval.
type ConfirmationRequest struct {
	Period        PeriodKey
	State         State
	Preview       Allocation
	Actions       Actions
	RemindersStop time.Time
}

// =============================================================================
// REMEDIATION
// =============================================================================

type Remediation string

const (
	RemediationRefreshPool         Remediation = "refresh_code_pool"
	RemediationRefreshRoster       Remediation = "refresh_roster"
	RemediationReexamineAllocation Remediation = "reexamine_allocation"
)

// Remediations lists the hints offered after an error report.
func Remediations() []Remediation {
	return []Remediation{RemediationRefreshPool, RemediationRefreshRoster, RemediationReexamineAllocation}
}

func (r Remediation) Valid() bool {
	return slices.Contains(Remediations(), r)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// ReminderJobID names the reminder job of a period.
func ReminderJobID(period PeriodKey) string {
	return "reminder:" + string(period)
}

// State returns the confirmation state of period.
func (e *Engine) State(ctx context.Context, period PeriodKey) (State, error) {
	last, err := settingOr(ctx, e.store, SettingLastExecutedPeriod, "")
	if err != nil {
		return "", err
	}
	raw, err := settingOr(ctx, e.store, SettingConfirmationState, string(StateIdle))
	if err != nil {
		return "", err
	}
	return stateFor(period, last, decodeState(raw)), nil
}

// RequestConfirmation moves period to awaiting_confirmation, shows operators
// the preview and starts reminders. An executed period is returned as is.
func (e *Engine) RequestConfirmation(ctx context.Context, period PeriodKey) (ConfirmationRequest, error) {
	if period == "" {
		return ConfirmationRequest{}, ErrInvalidPeriod
	}
	req := ConfirmationRequest{
		Period: period,
		Actions: Actions{
			Confirm:     ActionID(ActionConfirm, period),
			ReportError: ActionID(ActionReportError, period),
			InspectPlan: ActionID(ActionInspectPlan, period),
		},
	}

	_, err := e.transition(ctx, period,
		[]State{StateIdle, StateAwaiting, StateConfirmed, StateErrorReported},
		StateAwaiting, false, "")
	if err != nil {
		if st, serr := e.State(ctx, period); serr == nil && st == StateExecuted {
			req.State = StateExecuted
			return req, nil
		}
		return ConfirmationRequest{}, err
	}
	req.State = StateAwaiting

	preview, err := e.Preview(ctx, period)
	if err != nil {
		return ConfirmationRequest{}, err
	}
	req.Preview = preview

	now := e.opts.Now()
	req.RemindersStop = now.Add(e.opts.ReminderWindow)
	id := ReminderJobID(period)
	e.opts.Scheduler.Cancel(id)
	if err := e.opts.Scheduler.ScheduleRepeating(id, now.Add(e.opts.ReminderInterval),
		e.opts.ReminderInterval, req.RemindersStop, e.reminder(period)); err != nil {
		e.logger.Error("failed to schedule reminders", "period", period, "error", err)
	}

	if err := e.opts.Operators.ConfirmationRequested(ctx, req); err != nil {
		e.logger.Warn("operator notification failed", "period", period, "error", err)
	}

	e.logger.Info("confirmation requested",
		"period", period,
		"participants", len(preview.Grants),
		"units", preview.Units(),
		"distributable", preview.Distributable)
	return req, nil
}

// reminder returns the repeating callback for period.
func (e *Engine) reminder(period PeriodKey) func(context.Context) {
	return func(ctx context.Context) {
		st, err := e.State(ctx, period)
		if err != nil {
			e.logger.Error("reminder state lookup failed", "period", period, "error", err)
			return
		}
		if st != StateAwaiting {
			e.opts.Scheduler.Cancel(ReminderJobID(period))
			return
		}
		e.metrics.reminders.Inc()
		if err := e.opts.Operators.ConfirmationReminder(ctx, period); err != nil {
			e.logger.Warn("reminder delivery failed", "period", period, "error", err)
		}
	}
}

// Confirm approves the period's execution. Confirming twice is a no-op.
func (e *Engine) Confirm(ctx context.Context, authorized bool, period PeriodKey) error {
	if !authorized {
		return ErrUnauthorized
	}
	if period == "" {
		return ErrInvalidPeriod
	}
	from, err := e.transition(ctx, period, []State{StateAwaiting, StateConfirmed}, StateConfirmed, true, "")
	if err != nil {
		return err
	}
	e.opts.Scheduler.Cancel(ReminderJobID(period))
	if from != StateConfirmed {
		e.logger.Info("period confirmed", "period", period)
	}
	return nil
}

// ReportError records that the operator found the plan wrong. The confirmed
// flag is cleared and remediation hints are returned.
func (e *Engine) ReportError(ctx context.Context, authorized bool, period PeriodKey, reason string) ([]Remediation, error) {
	if !authorized {
		return nil, ErrUnauthorized
	}
	if period == "" {
		return nil, ErrInvalidPeriod
	}
	_, err := e.transition(ctx, period,
		[]State{StateAwaiting, StateConfirmed, StateErrorReported},
		StateErrorReported, false, reason)
	if err != nil {
		return nil, err
	}
	e.logger.Warn("plan error reported", "period", period, "reason", reason)
	return Remediations(), nil
}

// AcknowledgeRemediation returns an error-reported period to idle. The fix
// itself happens through the pool and roster admin operations.
func (e *Engine) AcknowledgeRemediation(ctx context.Context, authorized bool, period PeriodKey, hint Remediation) error {
	if !authorized {
		return ErrUnauthorized
	}
	if !hint.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRemediation, hint)
	}
	_, err := e.transition(ctx, period, []State{StateErrorReported}, StateIdle, false, "")
	if err != nil {
		return err
	}
	e.logger.Info("remediation acknowledged", "period", period, "hint", hint)
	return nil
}

// transition moves period from one of allowed to to, writing the state
// record and the confirmed flag in one transaction.
func (e *Engine) transition(ctx context.Context, period PeriodKey, allowed []State, to State, confirmed bool, reason string) (State, error) {
	var from State
	err := e.store.WithTx(ctx, func(s Store) error {
		last, err := settingOr(ctx, s, SettingLastExecutedPeriod, "")
		if err != nil {
			return err
		}
		raw, err := settingOr(ctx, s, SettingConfirmationState, string(StateIdle))
		if err != nil {
			return err
		}
		from = stateFor(period, last, decodeState(raw))
		if !slices.Contains(allowed, from) {
			return &TransitionError{Period: period, From: from, To: to}
		}

		next := stateRecord{State: to, Period: period, Reason: reason}
		ok, err := s.CompareAndSwapSetting(ctx, SettingConfirmationState, raw, next.encode())
		if err != nil {
			return err
		}
		if !ok {
			return ErrConcurrentModification
		}
		return s.SetSetting(ctx, SettingConfirmed, boolSetting(confirmed))
	})
	if err != nil {
		return from, err
	}
	if from != to {
		e.metrics.transitions.WithLabelValues(string(to)).Inc()
	}
	return from, nil
}

// confirmedFor reports whether the trigger may execute period.
func confirmedFor(ctx context.Context, s SettingsStore, period PeriodKey) (bool, error) {
	flag, err := settingOr(ctx, s, SettingConfirmed, "0")
	if err != nil {
		return false, err
	}
	if flag != "1" {
		return false, nil
	}
	raw, err := settingOr(ctx, s, SettingConfirmationState, string(StateIdle))
	if err != nil {
		return false, err
	}
	rec := decodeState(raw)
	return rec.Period == period && rec.State == StateConfirmed, nil
}

func boolSetting(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
