/*
store.go - Persistence interfaces for codes, roster, ledger and settings

PURPOSE:
  Defines the boundary between the engine and the database. Every mutating
  operation is a conditional write that the store performs atomically, so
  two concurrent callers racing for the same unit resolve to one winner.

KEY INTERFACES:
  CodeStore:     Code pool (list, add, conditional consume)
  RosterStore:   Ranked slots per period
  LedgerStore:   Append-only issuance records, unique on (participant, code)
  SettingsStore: String-keyed scalars with compare-and-swap
  TxStore:       All of the above plus WithTx for atomic units of work

APPEND-ONLY CONTRACT:
  LedgerStore has no Update or Delete. InsertEntry must FAIL with
  ErrDuplicateIssuance on a uniqueness violation; it must never silently
  ignore the write.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - promo/store: In-memory for testing

SEE ALSO:
  - trigger.go: Runs a whole period inside WithTx
  - issuance.go: Pairs Consume with InsertEntry
*/
package promo

import "context"

// =============================================================================
// CODE POOL
// =============================================================================

type CodeStore interface {
	// ListCodes returns every code in creation order.
	ListCodes(ctx context.Context) ([]Code, error)

	// GetCode returns ErrCodeNotFound for unknown ids.
	GetCode(ctx context.Context, id CodeID) (Code, error)

	// AddCodes inserts codes that don't exist yet and returns how many were
	// added. The store assigns Seq.
	AddCodes(ctx context.Context, codes []Code) (int, error)

	// Consume increments consumed by one if remaining > 0.
	// Returns ErrCodeExhausted or ErrCodeNotFound otherwise.
	Consume(ctx context.Context, id CodeID) error

	// Release gives back one consumed unit. Only used inside WithTx to undo a
	// Consume whose ledger insert lost a race.
	Release(ctx context.Context, id CodeID) error
}

// =============================================================================
// ROSTER
// =============================================================================

type RosterStore interface {
	// ListSlots returns the period's slots ordered by rank.
	ListSlots(ctx context.Context, period PeriodKey) ([]Slot, error)

	// ReplaceRoster drops the period's slots and writes the given ones.
	// Other periods are untouched.
	ReplaceRoster(ctx context.Context, period PeriodKey, slots []Slot) error

	// BindSlot binds a participant to an empty slot.
	// Returns ErrSlotNotFound, ErrSlotOccupied or ErrParticipantAlreadyBound.
	BindSlot(ctx context.Context, period PeriodKey, rank int, participant ParticipantID) error
}

// =============================================================================
// LEDGER - Append-only
// =============================================================================

type LedgerStore interface {
	HasEntry(ctx context.Context, participant ParticipantID, code CodeID) (bool, error)

	// InsertEntry appends an entry. Returns ErrDuplicateIssuance if the
	// participant already holds the code.
	InsertEntry(ctx context.Context, e Entry) error

	// ListEntries returns matching entries ordered by issue time.
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
}

// =============================================================================
// SETTINGS
// =============================================================================

type SettingsStore interface {
	// GetSetting returns ok=false for a missing key.
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)

	SetSetting(ctx context.Context, key, value string) error

	// CompareAndSwapSetting writes value only if the stored value equals old.
	CompareAndSwapSetting(ctx context.Context, key, old, value string) (bool, error)
}

// =============================================================================
// COMBINED + TRANSACTIONAL
// =============================================================================

type Store interface {
	CodeStore
	RosterStore
	LedgerStore
	SettingsStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is
	// rolled back. If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// settingOr reads a setting and falls back to def when it is missing.
func settingOr(ctx context.Context, s SettingsStore, key, def string) (string, error) {
	v, ok, err := s.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}
