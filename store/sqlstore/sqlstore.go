/*
Package sqlstore provides a database/sql implementation of promo.TxStore for
SQLite and PostgreSQL.

PURPOSE:
  Persists codes, roster slots, the issuance ledger and settings. Every
  mutation the engine relies on for correctness is a single conditional
  statement, so concurrent callers resolve to one winner at the database.

CONDITIONAL WRITES:
  Consume:      UPDATE codes SET consumed = consumed + 1 WHERE consumed < budget
  InsertEntry:  INSERT ... ON CONFLICT (participant_id, code_id) DO NOTHING
  BindSlot:     UPDATE roster_slots ... WHERE participant_id IS NULL
  CAS setting:  UPDATE settings SET value = ? WHERE name = ? AND value = ?

  Zero affected rows is translated into the matching promo sentinel error.
  InsertEntry uses DO NOTHING rather than letting the constraint fire, so a
  PostgreSQL transaction survives a lost race and the caller can skip the unit.

KEY TABLES:
  codes:        code pool, seq gives creation order
  roster_slots: (period, slot_rank) primary key, unique (period, participant_id)
  ledger:       append-only, unique (participant_id, code_id)
  settings:     string scalars, seeded with promo.DefaultSettings

DRIVERS:
  "sqlite3"  github.com/mattn/go-sqlite3, one connection (":memory:" is per
             connection and a transaction must see its own writes);
             transactions begin IMMEDIATE so handles sharing a file wait on
             the busy timeout instead of failing a read-to-write upgrade
  "postgres" github.com/lib/pq, placeholders rebound to $n

USAGE:
  store, err := sqlstore.New("sqlite3", "./data/promo.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := promo.NewEngine(store, promo.Options{})
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/promo-engine/promo"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements promo.TxStore.
type Store struct {
	conn
	db *sql.DB
	mu sync.Mutex
}

// querier is the subset of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every query against q, either the pool or an open transaction.
type conn struct {
	q      querier
	driver string
}

// New opens the database and migrates the schema.
// For SQLite, use ":memory:" for an in-memory database.
func New(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: conn{q: db, driver: driver}, db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS codes (
	id TEXT PRIMARY KEY,
	budget INTEGER NOT NULL CHECK (budget >= 0),
	consumed INTEGER NOT NULL DEFAULT 0 CHECK (consumed >= 0 AND consumed <= budget),
	seq BIGINT NOT NULL,
	added_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_codes_seq ON codes(seq);

CREATE TABLE IF NOT EXISTS roster_slots (
	period TEXT NOT NULL,
	slot_rank INTEGER NOT NULL CHECK (slot_rank >= 1),
	label TEXT NOT NULL DEFAULT '',
	participant_id TEXT,
	PRIMARY KEY (period, slot_rank),
	UNIQUE (period, participant_id)
);

-- Append-only: no UPDATE or DELETE is ever issued against ledger.
CREATE TABLE IF NOT EXISTS ledger (
	id TEXT PRIMARY KEY,
	participant_id TEXT NOT NULL,
	code_id TEXT NOT NULL REFERENCES codes(id),
	period TEXT NOT NULL,
	channel TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	UNIQUE (participant_id, code_id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_period ON ledger(period);
CREATE INDEX IF NOT EXISTS idx_ledger_issued_at ON ledger(issued_at);

CREATE TABLE IF NOT EXISTS settings (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	for name, value := range promo.DefaultSettings() {
		if _, err := s.exec(ctx,
			`INSERT INTO settings (name, value) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
			name, value); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(promo.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx, driver: s.driver}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	conn
}

// AddCodes runs in its own transaction so the seq assignment is atomic.
func (s *Store) AddCodes(ctx context.Context, codes []promo.Code) (int, error) {
	var added int
	err := s.WithTx(ctx, func(tx promo.Store) error {
		var err error
		added, err = tx.AddCodes(ctx, codes)
		return err
	})
	return added, err
}

// ReplaceRoster runs in its own transaction so readers never see a half
// written roster.
func (s *Store) ReplaceRoster(ctx context.Context, period promo.PeriodKey, slots []promo.Slot) error {
	return s.WithTx(ctx, func(tx promo.Store) error {
		return tx.ReplaceRoster(ctx, period, slots)
	})
}

// =============================================================================
// CODES
// =============================================================================

func (c conn) ListCodes(ctx context.Context) ([]promo.Code, error) {
	rows, err := c.query(ctx, `SELECT id, budget, consumed, seq, added_at FROM codes ORDER BY seq, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []promo.Code
	for rows.Next() {
		code, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

func (c conn) GetCode(ctx context.Context, id promo.CodeID) (promo.Code, error) {
	row := c.queryRow(ctx, `SELECT id, budget, consumed, seq, added_at FROM codes WHERE id = ?`, string(id))
	code, err := scanCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return promo.Code{}, promo.ErrCodeNotFound
	}
	return code, err
}

func (c conn) AddCodes(ctx context.Context, codes []promo.Code) (int, error) {
	added := 0
	for _, code := range codes {
		addedAt := code.AddedAt
		if addedAt.IsZero() {
			addedAt = time.Now()
		}
		res, err := c.exec(ctx, `
			INSERT INTO codes (id, budget, consumed, seq, added_at)
			SELECT CAST(? AS TEXT), CAST(? AS INTEGER), 0, COALESCE(MAX(seq), 0) + 1, CAST(? AS TEXT)
			FROM codes WHERE 1 = 1
			ON CONFLICT (id) DO NOTHING`,
			string(code.ID), code.Budget, addedAt.UTC().Format(timeLayout))
		if err != nil {
			return added, fmt.Errorf("failed to add code %s: %w", code.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return added, err
		}
		added += int(n)
	}
	return added, nil
}

func (c conn) Consume(ctx context.Context, id promo.CodeID) error {
	res, err := c.exec(ctx,
		`UPDATE codes SET consumed = consumed + 1 WHERE id = ? AND consumed < budget`, string(id))
	if err != nil {
		return fmt.Errorf("failed to consume code %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := c.GetCode(ctx, id); err != nil {
		return err
	}
	return promo.ErrCodeExhausted
}

func (c conn) Release(ctx context.Context, id promo.CodeID) error {
	_, err := c.exec(ctx,
		`UPDATE codes SET consumed = consumed - 1 WHERE id = ? AND consumed > 0`, string(id))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCode(row scanner) (promo.Code, error) {
	var (
		code    promo.Code
		id      string
		addedAt string
	)
	if err := row.Scan(&id, &code.Budget, &code.Consumed, &code.Seq, &addedAt); err != nil {
		return promo.Code{}, err
	}
	code.ID = promo.CodeID(id)
	code.AddedAt, _ = time.Parse(time.RFC3339Nano, addedAt)
	return code, nil
}

// =============================================================================
// ROSTER
// =============================================================================

func (c conn) ListSlots(ctx context.Context, period promo.PeriodKey) ([]promo.Slot, error) {
	rows, err := c.query(ctx, `
		SELECT slot_rank, label, participant_id FROM roster_slots
		WHERE period = ? ORDER BY slot_rank`, string(period))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []promo.Slot
	for rows.Next() {
		var (
			slot        = promo.Slot{Period: period}
			participant sql.NullString
		)
		if err := rows.Scan(&slot.Rank, &slot.Label, &participant); err != nil {
			return nil, err
		}
		slot.Participant = promo.ParticipantID(participant.String)
		out = append(out, slot)
	}
	return out, rows.Err()
}

func (c conn) ReplaceRoster(ctx context.Context, period promo.PeriodKey, slots []promo.Slot) error {
	if _, err := c.exec(ctx, `DELETE FROM roster_slots WHERE period = ?`, string(period)); err != nil {
		return fmt.Errorf("failed to clear roster: %w", err)
	}
	for _, slot := range slots {
		_, err := c.exec(ctx, `
			INSERT INTO roster_slots (period, slot_rank, label, participant_id)
			VALUES (?, ?, ?, ?)`,
			string(period), slot.Rank, slot.Label, nullString(string(slot.Participant)))
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: rank %d", promo.ErrInvalidRoster, slot.Rank)
			}
			return fmt.Errorf("failed to insert slot %d: %w", slot.Rank, err)
		}
	}
	return nil
}

func (c conn) BindSlot(ctx context.Context, period promo.PeriodKey, rank int, participant promo.ParticipantID) error {
	var bound int
	if err := c.queryRow(ctx,
		`SELECT COUNT(*) FROM roster_slots WHERE period = ? AND participant_id = ?`,
		string(period), string(participant)).Scan(&bound); err != nil {
		return err
	}
	if bound > 0 {
		return promo.ErrParticipantAlreadyBound
	}

	res, err := c.exec(ctx, `
		UPDATE roster_slots SET participant_id = ?
		WHERE period = ? AND slot_rank = ? AND participant_id IS NULL`,
		string(participant), string(period), rank)
	if err != nil {
		if isUniqueConstraintError(err) {
			return promo.ErrParticipantAlreadyBound
		}
		return fmt.Errorf("failed to bind slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := c.queryRow(ctx,
		`SELECT COUNT(*) FROM roster_slots WHERE period = ? AND slot_rank = ?`,
		string(period), rank).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return promo.ErrSlotNotFound
	}
	return promo.ErrSlotOccupied
}

// =============================================================================
// LEDGER
// =============================================================================

func (c conn) HasEntry(ctx context.Context, participant promo.ParticipantID, code promo.CodeID) (bool, error) {
	var n int
	err := c.queryRow(ctx,
		`SELECT COUNT(*) FROM ledger WHERE participant_id = ? AND code_id = ?`,
		string(participant), string(code)).Scan(&n)
	return n > 0, err
}

func (c conn) InsertEntry(ctx context.Context, e promo.Entry) error {
	res, err := c.exec(ctx, `
		INSERT INTO ledger (id, participant_id, code_id, period, channel, issued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_id, code_id) DO NOTHING`,
		string(e.ID), string(e.Participant), string(e.Code), string(e.Period),
		string(e.Channel), e.IssuedAt.UTC().Format(timeLayout))
	if err != nil {
		if isUniqueConstraintError(err) {
			return promo.ErrDuplicateIssuance
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return promo.ErrDuplicateIssuance
	}
	return nil
}

func (c conn) ListEntries(ctx context.Context, f promo.EntryFilter) ([]promo.Entry, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Participants) > 0 {
		where = append(where, "participant_id IN ("+placeholders(len(f.Participants))+")")
		for _, p := range f.Participants {
			args = append(args, string(p))
		}
	}
	if f.Period != "" {
		where = append(where, "period = ?")
		args = append(args, string(f.Period))
	}
	if len(f.Channels) > 0 {
		where = append(where, "channel IN ("+placeholders(len(f.Channels))+")")
		for _, ch := range f.Channels {
			args = append(args, string(ch))
		}
	}

	query := `SELECT id, participant_id, code_id, period, channel, issued_at FROM ledger`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY issued_at, id"

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []promo.Entry
	for rows.Next() {
		var (
			id, participant, code, period, channel, issuedAt string
		)
		if err := rows.Scan(&id, &participant, &code, &period, &channel, &issuedAt); err != nil {
			return nil, err
		}
		at, _ := time.Parse(time.RFC3339Nano, issuedAt)
		out = append(out, promo.Entry{
			ID:          promo.EntryID(id),
			Participant: promo.ParticipantID(participant),
			Code:        promo.CodeID(code),
			Period:      promo.PeriodKey(period),
			Channel:     promo.Channel(channel),
			IssuedAt:    at,
		})
	}
	return out, rows.Err()
}

// =============================================================================
// SETTINGS
// =============================================================================

func (c conn) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.queryRow(ctx, `SELECT value FROM settings WHERE name = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c conn) SetSetting(ctx context.Context, key, value string) error {
	_, err := c.exec(ctx, `
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c conn) CompareAndSwapSetting(ctx context.Context, key, old, value string) (bool, error) {
	res, err := c.exec(ctx, `UPDATE settings SET value = ? WHERE name = ? AND value = ?`, value, key, old)
	if err != nil {
		return false, fmt.Errorf("failed to swap %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// =============================================================================
// HELPERS
// =============================================================================

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (c conn) rebind(query string) string {
	if c.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueConstraintError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

var (
	_ promo.TxStore = (*Store)(nil)
	_ promo.Store   = (*txStore)(nil)
)
