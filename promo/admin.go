package promo

import (
	"context"
	"fmt"
	"strings"
)

// =============================================================================
// CODE POOL ADMIN
// =============================================================================

type AddCodesResult struct {
	Added   int
	Reserve int
}

// AddCodes creates codes sharing one budget and tops up the reserve by
// reservePut. Codes that already exist are left untouched.
func (e *Engine) AddCodes(ctx context.Context, authorized bool, ids []CodeID, budget, reservePut int) (AddCodesResult, error) {
	if !authorized {
		return AddCodesResult{}, ErrUnauthorized
	}
	if budget <= 0 {
		return AddCodesResult{}, fmt.Errorf("%w: budget must be positive", ErrInvalidIssuance)
	}
	if reservePut < 0 || reservePut > budget {
		return AddCodesResult{}, fmt.Errorf("%w: reserve top-up must be within 0..%d", ErrInvalidIssuance, budget)
	}
	codes := make([]Code, 0, len(ids))
	for _, id := range ids {
		id = CodeID(strings.TrimSpace(string(id)))
		if id == "" {
			continue
		}
		codes = append(codes, Code{ID: id, Budget: budget, AddedAt: e.opts.Now()})
	}
	if len(codes) == 0 {
		return AddCodesResult{}, fmt.Errorf("%w: no codes given", ErrInvalidIssuance)
	}

	var res AddCodesResult
	err := e.store.WithTx(ctx, func(s Store) error {
		added, err := s.AddCodes(ctx, codes)
		if err != nil {
			return err
		}
		res.Added = added
		res.Reserve, err = NewReserve(s).Adjust(ctx, reservePut)
		return err
	})
	if err != nil {
		return AddCodesResult{}, err
	}
	e.logger.Info("codes added", "added", res.Added, "budget", budget, "reserve", res.Reserve)
	return res, nil
}

// Codes lists the pool in creation order.
func (e *Engine) Codes(ctx context.Context) ([]Code, error) {
	return e.store.ListCodes(ctx)
}

// AdjustReserve tops the reserve up or down by delta.
func (e *Engine) AdjustReserve(ctx context.Context, authorized bool, delta int) (int, error) {
	if !authorized {
		return 0, ErrUnauthorized
	}
	v, err := e.reserve.Adjust(ctx, delta)
	if err != nil {
		return 0, err
	}
	e.logger.Info("reserve adjusted", "delta", delta, "reserve", v)
	return v, nil
}

// =============================================================================
// ROSTER ADMIN
// =============================================================================

// RosterEntry is one line of a roster upload. Participant may be empty for a
// slot that will be bound later.
type RosterEntry struct {
	Label       string
	Participant ParticipantID
}

// SetRoster replaces the period's roster. Ranks follow the entry order.
func (e *Engine) SetRoster(ctx context.Context, authorized bool, period PeriodKey, entries []RosterEntry) ([]Slot, error) {
	if !authorized {
		return nil, ErrUnauthorized
	}
	if period == "" {
		return nil, ErrInvalidPeriod
	}
	slots := make([]Slot, len(entries))
	bound := make(map[ParticipantID]int)
	for i, en := range entries {
		if en.Participant != "" {
			if prev, dup := bound[en.Participant]; dup {
				return nil, fmt.Errorf("%w: participant %s at ranks %d and %d", ErrInvalidRoster, en.Participant, prev, i+1)
			}
			bound[en.Participant] = i + 1
		}
		slots[i] = Slot{Period: period, Rank: i + 1, Label: strings.TrimSpace(en.Label), Participant: en.Participant}
	}
	if err := e.store.ReplaceRoster(ctx, period, slots); err != nil {
		return nil, err
	}
	e.logger.Info("roster replaced", "period", period, "slots", len(slots), "bound", len(bound))
	return slots, nil
}

// BindSlot binds participant to an empty slot of period.
func (e *Engine) BindSlot(ctx context.Context, period PeriodKey, rank int, participant ParticipantID) error {
	if period == "" {
		return ErrInvalidPeriod
	}
	if participant == "" || rank < 1 {
		return fmt.Errorf("%w: rank %d participant %q", ErrInvalidRoster, rank, participant)
	}
	if err := e.store.BindSlot(ctx, period, rank, participant); err != nil {
		return err
	}
	e.logger.Info("slot bound", "period", period, "rank", rank, "participant", participant)
	return nil
}

// Roster returns the period's slots by rank.
func (e *Engine) Roster(ctx context.Context, period PeriodKey) ([]Slot, error) {
	return e.store.ListSlots(ctx, period)
}

// MissingSlots returns the period's slots nobody is bound to.
func (e *Engine) MissingSlots(ctx context.Context, period PeriodKey) ([]Slot, error) {
	slots, err := e.store.ListSlots(ctx, period)
	if err != nil {
		return nil, err
	}
	var out []Slot
	for _, s := range slots {
		if !s.Occupied() {
			out = append(out, s)
		}
	}
	return out, nil
}
