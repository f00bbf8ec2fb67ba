/*
ledger.go - Append-only issuance record

PURPOSE:
  The ledger is the source of truth for "who already has which code".
  Every issuance path (scheduled, manual override, reserve, free) ends in
  exactly one InsertEntry per (participant, code).

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. UNIQUE: at most one entry per (participant, code), enforced by the store
     at insert time, not by a prior read.
  3. PAIRED: a successful Consume is always paired with its InsertEntry in
     the same unit of work, or the consumption is released.

SEE ALSO:
  - store.go: LedgerStore contract
  - trigger.go: Scheduled issuance
  - issuance.go: Manual issuance
*/
package promo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ISSUED SET - Ledger snapshot used by the planner
// =============================================================================

// IssuedSet records which codes each participant already holds.
type IssuedSet map[ParticipantID]map[CodeID]struct{}

// Has reports whether p already holds c.
func (s IssuedSet) Has(p ParticipantID, c CodeID) bool {
	_, ok := s[p][c]
	return ok
}

// Add marks c as held by p.
func (s IssuedSet) Add(p ParticipantID, c CodeID) {
	held, ok := s[p]
	if !ok {
		held = make(map[CodeID]struct{})
		s[p] = held
	}
	held[c] = struct{}{}
}

// LoadIssued builds the snapshot for the given participants.
func LoadIssued(ctx context.Context, store LedgerStore, participants []ParticipantID) (IssuedSet, error) {
	issued := make(IssuedSet)
	if len(participants) == 0 {
		return issued, nil
	}
	entries, err := store.ListEntries(ctx, EntryFilter{Participants: participants})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		issued.Add(e.Participant, e.Code)
	}
	return issued, nil
}

// =============================================================================
// ISSUE - Consume + InsertEntry as one step
// =============================================================================

// NewEntryID returns a time-ordered opaque entry id.
func NewEntryID() EntryID {
	return EntryID(uuid.Must(uuid.NewV7()).String())
}

// issue pairs Consume with InsertEntry. It must run inside WithTx so that a
// later failure in the same unit of work rolls both back.
//
// The ledger check runs first as a second line of defense; the store's
// unique constraint is the real guard, and losing that race releases the
// consumed unit.
func issue(ctx context.Context, s Store, participant ParticipantID, code CodeID, period PeriodKey, ch Channel, at time.Time) (Entry, error) {
	held, err := s.HasEntry(ctx, participant, code)
	if err != nil {
		return Entry{}, err
	}
	if held {
		return Entry{}, &IssuanceError{Participant: participant, Code: code, Err: ErrDuplicateIssuance}
	}
	if err := s.Consume(ctx, code); err != nil {
		return Entry{}, &IssuanceError{Participant: participant, Code: code, Err: err}
	}
	e := Entry{
		ID:          NewEntryID(),
		Participant: participant,
		Code:        code,
		Period:      period,
		Channel:     ch,
		IssuedAt:    at,
	}
	if err := s.InsertEntry(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateIssuance) {
			if rerr := s.Release(ctx, code); rerr != nil {
				return Entry{}, rerr
			}
		}
		return Entry{}, &IssuanceError{Participant: participant, Code: code, Err: err}
	}
	return e, nil
}
