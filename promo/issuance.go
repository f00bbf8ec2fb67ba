package promo

import (
	"context"
	"fmt"
)

// MaxManualCodes bounds a single manual issuance.
const MaxManualCodes = 3

// ManualIssuance is an operator request to hand codes to one participant
// outside the scheduled run.
type ManualIssuance struct {
	Participant ParticipantID
	Codes       []CodeID
	Channel     Channel // ChannelReserve or ChannelFree
}

func (m ManualIssuance) validate() error {
	if m.Participant == "" {
		return fmt.Errorf("%w: participant is required", ErrInvalidIssuance)
	}
	if m.Channel != ChannelReserve && m.Channel != ChannelFree {
		return fmt.Errorf("%w: channel %q", ErrInvalidIssuance, m.Channel)
	}
	if len(m.Codes) == 0 || len(m.Codes) > MaxManualCodes {
		return fmt.Errorf("%w: between 1 and %d codes, got %d", ErrInvalidIssuance, MaxManualCodes, len(m.Codes))
	}
	seen := make(map[CodeID]bool, len(m.Codes))
	for _, c := range m.Codes {
		if c == "" || seen[c] {
			return fmt.Errorf("%w: codes must be distinct and non-empty", ErrInvalidIssuance)
		}
		seen[c] = true
	}
	return nil
}

// IssueManual issues the requested codes in one transaction: either every
// code is recorded or none is. Reserve-channel issuances draw the reserve
// down by the number of codes, clamped at zero.
func (e *Engine) IssueManual(ctx context.Context, authorized bool, req ManualIssuance) ([]Entry, error) {
	if !authorized {
		return nil, ErrUnauthorized
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := e.opts.Now()
	period := e.opts.Calendar.Key(now)
	var entries []Entry
	err := e.store.WithTx(ctx, func(s Store) error {
		entries = entries[:0]
		for _, code := range req.Codes {
			entry, err := issue(ctx, s, req.Participant, code, period, req.Channel, now)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		if req.Channel == ChannelReserve {
			if _, err := NewReserve(s).Adjust(ctx, -len(req.Codes)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.issued.WithLabelValues(string(req.Channel)).Add(float64(len(entries)))
	e.logger.Info("manual issuance",
		"participant", req.Participant,
		"channel", req.Channel,
		"codes", len(entries),
		"period", period)
	e.notifyIssued(ctx, entries)
	return entries, nil
}

// AvailableFor lists codes the participant could still receive manually.
func (e *Engine) AvailableFor(ctx context.Context, participant ParticipantID) ([]Code, error) {
	codes, err := e.store.ListCodes(ctx)
	if err != nil {
		return nil, err
	}
	issued, err := LoadIssued(ctx, e.store, []ParticipantID{participant})
	if err != nil {
		return nil, err
	}
	out := make([]Code, 0, len(codes))
	for _, c := range codes {
		if !c.Exhausted() && !issued.Has(participant, c.ID) {
			out = append(out, c)
		}
	}
	return out, nil
}
