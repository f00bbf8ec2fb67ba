package promo

import (
	"context"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type CodeStat struct {
	ID          CodeID
	Budget      int
	Consumed    int
	Remaining   int
	Utilization decimal.Decimal // percent of budget consumed, 2 places
}

type PoolReport struct {
	Codes         []CodeStat
	Budget        int
	Consumed      int
	Remaining     int
	Reserve       int
	Distributable int
	Utilization   decimal.Decimal
}

// PoolStats summarises the code pool and the reserve.
func (e *Engine) PoolStats(ctx context.Context) (PoolReport, error) {
	codes, err := e.store.ListCodes(ctx)
	if err != nil {
		return PoolReport{}, err
	}
	reserve, err := e.reserve.Value(ctx)
	if err != nil {
		return PoolReport{}, err
	}

	rep := PoolReport{Codes: make([]CodeStat, 0, len(codes)), Reserve: reserve}
	for _, c := range codes {
		rep.Codes = append(rep.Codes, CodeStat{
			ID:          c.ID,
			Budget:      c.Budget,
			Consumed:    c.Consumed,
			Remaining:   c.Remaining(),
			Utilization: utilization(c.Consumed, c.Budget),
		})
		rep.Budget += c.Budget
		rep.Consumed += c.Consumed
		rep.Remaining += c.Remaining()
	}
	rep.Utilization = utilization(rep.Consumed, rep.Budget)
	rep.Distributable = max(rep.Remaining-reserve, 0)
	return rep, nil
}

func utilization(consumed, budget int) decimal.Decimal {
	if budget <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(consumed)).
		Mul(hundred).
		DivRound(decimal.NewFromInt(int64(budget)), 2)
}

// ParticipantIssuance groups one participant's entries.
type ParticipantIssuance struct {
	Participant ParticipantID
	Entries     []Entry
}

// PeriodResults returns what was issued in period, grouped by participant in
// order of first issuance.
func (e *Engine) PeriodResults(ctx context.Context, period PeriodKey) ([]ParticipantIssuance, error) {
	if period == "" {
		return nil, ErrInvalidPeriod
	}
	entries, err := e.store.ListEntries(ctx, EntryFilter{Period: period})
	if err != nil {
		return nil, err
	}
	var out []ParticipantIssuance
	index := make(map[ParticipantID]int)
	for _, en := range entries {
		i, ok := index[en.Participant]
		if !ok {
			i = len(out)
			index[en.Participant] = i
			out = append(out, ParticipantIssuance{Participant: en.Participant})
		}
		out[i].Entries = append(out[i].Entries, en)
	}
	return out, nil
}

// IssuedTo returns a participant's entries, optionally limited to a period.
func (e *Engine) IssuedTo(ctx context.Context, participant ParticipantID, period PeriodKey) ([]Entry, error) {
	return e.store.ListEntries(ctx, EntryFilter{
		Participants: []ParticipantID{participant},
		Period:       period,
	})
}
