/*
Package promo provides the allocation and confirmation engine for reward codes.

PURPOSE:
  A limited pool of single-use reward codes is shared out every period among a
  ranked roster of participants. An operator has to confirm the period's plan
  before it becomes irrevocable, and the engine guarantees that no participant
  ever receives the same code twice and no code exceeds its use budget.

KEY CONCEPTS IN THIS FILE (types.go):
  - Code: a reward code with a total budget and a consumed count
  - Slot: a ranked position on a period's roster, optionally bound
  - Entry: an immutable ledger record of one code issued to one participant
  - Channel: which issuance path produced an entry
  - PeriodKey: stable identifier of an allocation period

DESIGN PRINCIPLES:
  1. Append-only ledger: entries are never updated or deleted
  2. Store-enforced invariants: uniqueness and budgets are conditional writes,
     never read-modify-write in the engine
  3. Pure planning: Allocate is a function of snapshots, nothing else
  4. Exactly-once periods: the period marker is claimed inside the same
     transaction that writes the entries

SEE ALSO:
  - allocation.go: Quota and code selection algorithm
  - trigger.go: Period execution and idempotency guard
  - confirmation.go: Confirmation state machine
  - store.go: Persistence interfaces
*/
package promo

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CodeID string
type ParticipantID string
type EntryID string

// PeriodKey identifies an allocation period. Keys are derived from the
// period's anchor instant (see calendar.go) and compare lexically.
type PeriodKey string

// =============================================================================
// CODE - Reward code with a use budget
// =============================================================================

type Code struct {
	ID       CodeID
	Budget   int
	Consumed int
	Seq      int64 // creation order, tie-break for deterministic selection
	AddedAt  time.Time
}

// Remaining returns how many more times the code can be issued.
func (c Code) Remaining() int {
	if c.Consumed >= c.Budget {
		return 0
	}
	return c.Budget - c.Consumed
}

// Exhausted reports whether the code is inert.
func (c Code) Exhausted() bool { return c.Remaining() == 0 }

// =============================================================================
// SLOT - Ranked roster position
// =============================================================================

type Slot struct {
	Period      PeriodKey
	Rank        int // 1-based
	Label       string
	Participant ParticipantID // empty until bound
}

// Occupied reports whether a participant is bound to the slot.
func (s Slot) Occupied() bool { return s.Participant != "" }

// =============================================================================
// ENTRY - Ledger record of one issuance
// =============================================================================

type Channel string

const (
	ChannelNormal  Channel = "normal"  // scheduled period execution
	ChannelManual  Channel = "manual"  // operator-triggered period execution
	ChannelReserve Channel = "reserve" // manual issuance drawn from the reserve
	ChannelFree    Channel = "free"    // manual issuance from free budget
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelNormal, ChannelManual, ChannelReserve, ChannelFree:
		return true
	}
	return false
}

type Entry struct {
	ID          EntryID
	Participant ParticipantID
	Code        CodeID
	Period      PeriodKey
	Channel     Channel
	IssuedAt    time.Time
}

// EntryFilter narrows ledger queries. Zero fields match everything.
type EntryFilter struct {
	Participants []ParticipantID
	Period       PeriodKey
	Channels     []Channel
}

// =============================================================================
// SETTINGS KEYS
// =============================================================================

const (
	SettingReserve            = "reserve"
	SettingConfirmed          = "confirmed"
	SettingLastExecutedPeriod = "lastExecutedPeriod"
	SettingConfirmationState  = "confirmationState"
)

// DefaultSettings are seeded by every store so compare-and-swap always has a
// row to compare against.
func DefaultSettings() map[string]string {
	return map[string]string{
		SettingReserve:            "0",
		SettingConfirmed:          "0",
		SettingLastExecutedPeriod: "",
		SettingConfirmationState:  string(StateIdle),
	}
}
