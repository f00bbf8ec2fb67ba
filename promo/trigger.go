/*
trigger.go - Period execution and idempotency guard

PURPOSE:
  Converts a confirmed period's allocation into ledger entries, at most once
  per period, whether fired by the scheduler or by an operator.

FLOW:
  1. marker == period           → AlreadyExecuted, no-op
  2. not confirmed for period   → NotConfirmed, no-op, reminders cancelled
  3. in one transaction:
       claim marker (compare-and-swap)
       re-check confirmation
       recompute the allocation fresh
       issue every (participant, code), skipping exhausted and duplicates
       clear the confirmed flag, record state executed
  4. after commit: cancel reminders, notify participants best-effort

  Any store failure in step 3 rolls back the claim with everything else and
  the period drops back to awaiting confirmation with the flag cleared. The
  period stays unmarked; once an operator confirms again the next trigger
  runs it from scratch.

CONCURRENCY:
  runMu serializes runs in this process. The marker claim inside the
  transaction serializes runs across processes sharing the store.
*/
package promo

import (
	"context"
	"errors"
	"time"
)

type RunStatus string

const (
	RunExecuted        RunStatus = "executed"
	RunAlreadyExecuted RunStatus = "already_executed"
	RunNotConfirmed    RunStatus = "not_confirmed"
)

// SkippedUnit is a planned unit that could not be issued at execution time.
type SkippedUnit struct {
	Participant ParticipantID
	Code        CodeID
	Reason      string
}

type RunResult struct {
	Period  PeriodKey
	Channel Channel
	Status  RunStatus
	Planned int
	Issued  []Entry
	Skipped []SkippedUnit
}

// errRunAborted carries a no-op status out of the transaction.
type errRunAborted struct{ status RunStatus }

func (e errRunAborted) Error() string { return string(e.status) }

// OnPeriodTick is called by the scheduler at the period's anchor.
func (e *Engine) OnPeriodTick(ctx context.Context, period PeriodKey) (RunResult, error) {
	return e.run(ctx, period, ChannelNormal)
}

// ExecuteNow runs the period immediately. Confirmation is still required.
func (e *Engine) ExecuteNow(ctx context.Context, authorized bool, period PeriodKey) (RunResult, error) {
	if !authorized {
		return RunResult{}, ErrUnauthorized
	}
	return e.run(ctx, period, ChannelManual)
}

func (e *Engine) run(ctx context.Context, period PeriodKey, ch Channel) (RunResult, error) {
	if period == "" {
		return RunResult{}, ErrInvalidPeriod
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()

	res := RunResult{Period: period, Channel: ch}
	logger := e.logger.With("period", period, "channel", ch)

	last, err := settingOr(ctx, e.store, SettingLastExecutedPeriod, "")
	if err != nil {
		return res, err
	}
	if last == string(period) {
		return e.finish(res, RunAlreadyExecuted), nil
	}
	ok, err := confirmedFor(ctx, e.store, period)
	if err != nil {
		return res, err
	}
	if !ok {
		e.opts.Scheduler.Cancel(ReminderJobID(period))
		logger.Info("period not confirmed, nothing to do")
		return e.finish(res, RunNotConfirmed), nil
	}

	now := e.opts.Now()
	err = e.store.WithTx(ctx, func(s Store) error {
		res.Issued, res.Skipped, res.Planned = nil, nil, 0

		if err := claimPeriod(ctx, s, period); err != nil {
			return err
		}
		ok, err := confirmedFor(ctx, s, period)
		if err != nil {
			return err
		}
		if !ok {
			return errRunAborted{RunNotConfirmed}
		}

		plan, err := e.plan(ctx, s, period)
		if err != nil {
			return err
		}
		res.Planned = plan.Units()

		for _, g := range plan.Grants {
			for _, code := range g.Codes {
				entry, err := issue(ctx, s, g.Participant, code, period, ch, now)
				switch {
				case err == nil:
					res.Issued = append(res.Issued, entry)
				case errors.Is(err, ErrDuplicateIssuance):
					logger.Warn("issuance race, participant already holds code",
						"participant", g.Participant, "code", code)
					res.Skipped = append(res.Skipped, SkippedUnit{g.Participant, code, "duplicate"})
				case errors.Is(err, ErrCodeExhausted), errors.Is(err, ErrCodeNotFound):
					logger.Info("code ran out since planning, skipping unit",
						"participant", g.Participant, "code", code)
					res.Skipped = append(res.Skipped, SkippedUnit{g.Participant, code, "exhausted"})
				default:
					return err
				}
			}
		}

		if err := s.SetSetting(ctx, SettingConfirmed, "0"); err != nil {
			return err
		}
		return s.SetSetting(ctx, SettingConfirmationState,
			stateRecord{State: StateExecuted, Period: period}.encode())
	})

	var aborted errRunAborted
	if errors.As(err, &aborted) {
		return e.finish(RunResult{Period: period, Channel: ch}, aborted.status), nil
	}
	if err != nil {
		logger.Error("period execution failed, confirmation withdrawn", "error", err)
		if _, terr := e.transition(ctx, period, []State{StateConfirmed}, StateAwaiting, false, "execution failed"); terr != nil {
			logger.Error("failed to withdraw confirmation", "error", terr)
		}
		return RunResult{Period: period, Channel: ch}, err
	}

	e.opts.Scheduler.Cancel(ReminderJobID(period))
	e.notifyIssued(ctx, res.Issued)

	e.metrics.issued.WithLabelValues(string(ch)).Add(float64(len(res.Issued)))
	for _, sk := range res.Skipped {
		e.metrics.skipped.WithLabelValues(sk.Reason).Inc()
	}
	e.metrics.transitions.WithLabelValues(string(StateExecuted)).Inc()
	logger.Info("period executed",
		"planned", res.Planned,
		"issued", len(res.Issued),
		"skipped", len(res.Skipped),
		"duration", time.Since(now))
	return e.finish(res, RunExecuted), nil
}

// claimPeriod advances the marker to period, failing with errRunAborted if
// another run already did.
func claimPeriod(ctx context.Context, s SettingsStore, period PeriodKey) error {
	last, err := settingOr(ctx, s, SettingLastExecutedPeriod, "")
	if err != nil {
		return err
	}
	if last == string(period) {
		return errRunAborted{RunAlreadyExecuted}
	}
	ok, err := s.CompareAndSwapSetting(ctx, SettingLastExecutedPeriod, last, string(period))
	if err != nil {
		return err
	}
	if !ok {
		return errRunAborted{RunAlreadyExecuted}
	}
	return nil
}

func (e *Engine) finish(res RunResult, status RunStatus) RunResult {
	res.Status = status
	e.metrics.runs.WithLabelValues(string(res.Channel), string(status)).Inc()
	return res
}
