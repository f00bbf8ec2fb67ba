// Package store provides an in-memory promo.TxStore for tests and local runs.
package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/warp/promo-engine/promo"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st state
}

type pair struct {
	Participant promo.ParticipantID
	Code        promo.CodeID
}

type state struct {
	codes    map[promo.CodeID]promo.Code
	seq      int64
	slots    map[promo.PeriodKey][]promo.Slot
	entries  []promo.Entry
	held     map[pair]bool
	settings map[string]string
}

func NewMemory() *Memory {
	return &Memory{st: state{
		codes:    make(map[promo.CodeID]promo.Code),
		slots:    make(map[promo.PeriodKey][]promo.Slot),
		held:     make(map[pair]bool),
		settings: promo.DefaultSettings(),
	}}
}

func (m *Memory) ListCodes(ctx context.Context) ([]promo.Code, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listCodes(), nil
}

func (m *Memory) GetCode(ctx context.Context, id promo.CodeID) (promo.Code, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getCode(id)
}

func (m *Memory) AddCodes(ctx context.Context, codes []promo.Code) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.addCodes(codes), nil
}

func (m *Memory) Consume(ctx context.Context, id promo.CodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.consume(id)
}

func (m *Memory) Release(ctx context.Context, id promo.CodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.release(id)
}

func (m *Memory) ListSlots(ctx context.Context, period promo.PeriodKey) ([]promo.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.st.slots[period]), nil
}

func (m *Memory) ReplaceRoster(ctx context.Context, period promo.PeriodKey, slots []promo.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.replaceRoster(period, slots)
}

func (m *Memory) BindSlot(ctx context.Context, period promo.PeriodKey, rank int, participant promo.ParticipantID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.bindSlot(period, rank, participant)
}

func (m *Memory) HasEntry(ctx context.Context, participant promo.ParticipantID, code promo.CodeID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.held[pair{participant, code}], nil
}

func (m *Memory) InsertEntry(ctx context.Context, e promo.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.insertEntry(e)
}

func (m *Memory) ListEntries(ctx context.Context, f promo.EntryFilter) ([]promo.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listEntries(f), nil
}

func (m *Memory) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.st.settings[key]
	return v, ok, nil
}

func (m *Memory) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.settings[key] = value
	return nil
}

func (m *Memory) CompareAndSwapSetting(ctx context.Context, key, old, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.cas(key, old, value), nil
}

// =============================================================================
// STATE - Operations shared by Memory and the transactional view.
// Callers hold the lock.
// =============================================================================

func (s *state) listCodes() []promo.Code {
	out := make([]promo.Code, 0, len(s.codes))
	for _, c := range s.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *state) getCode(id promo.CodeID) (promo.Code, error) {
	c, ok := s.codes[id]
	if !ok {
		return promo.Code{}, promo.ErrCodeNotFound
	}
	return c, nil
}

func (s *state) addCodes(codes []promo.Code) int {
	added := 0
	for _, c := range codes {
		if _, ok := s.codes[c.ID]; ok {
			continue
		}
		s.seq++
		c.Seq = s.seq
		c.Consumed = 0
		s.codes[c.ID] = c
		added++
	}
	return added
}

func (s *state) consume(id promo.CodeID) error {
	c, ok := s.codes[id]
	if !ok {
		return promo.ErrCodeNotFound
	}
	if c.Remaining() <= 0 {
		return promo.ErrCodeExhausted
	}
	c.Consumed++
	s.codes[id] = c
	return nil
}

func (s *state) release(id promo.CodeID) error {
	c, ok := s.codes[id]
	if !ok {
		return promo.ErrCodeNotFound
	}
	if c.Consumed > 0 {
		c.Consumed--
		s.codes[id] = c
	}
	return nil
}

func (s *state) replaceRoster(period promo.PeriodKey, slots []promo.Slot) error {
	ranks := make(map[int]bool, len(slots))
	bound := make(map[promo.ParticipantID]bool, len(slots))
	for _, sl := range slots {
		if sl.Rank < 1 || ranks[sl.Rank] {
			return promo.ErrInvalidRoster
		}
		ranks[sl.Rank] = true
		if sl.Participant != "" {
			if bound[sl.Participant] {
				return promo.ErrParticipantAlreadyBound
			}
			bound[sl.Participant] = true
		}
	}
	out := make([]promo.Slot, len(slots))
	for i, sl := range slots {
		sl.Period = period
		out[i] = sl
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	s.slots[period] = out
	return nil
}

func (s *state) bindSlot(period promo.PeriodKey, rank int, participant promo.ParticipantID) error {
	slots := s.slots[period]
	idx := -1
	for i, sl := range slots {
		if sl.Participant == participant {
			return promo.ErrParticipantAlreadyBound
		}
		if sl.Rank == rank {
			idx = i
		}
	}
	if idx < 0 {
		return promo.ErrSlotNotFound
	}
	if slots[idx].Occupied() {
		return promo.ErrSlotOccupied
	}
	slots[idx].Participant = participant
	return nil
}

func (s *state) insertEntry(e promo.Entry) error {
	k := pair{e.Participant, e.Code}
	if s.held[k] {
		return promo.ErrDuplicateIssuance
	}
	s.held[k] = true
	s.entries = append(s.entries, e)
	return nil
}

func (s *state) listEntries(f promo.EntryFilter) []promo.Entry {
	var out []promo.Entry
	for _, e := range s.entries {
		if len(f.Participants) > 0 && !slices.Contains(f.Participants, e.Participant) {
			continue
		}
		if f.Period != "" && e.Period != f.Period {
			continue
		}
		if len(f.Channels) > 0 && !slices.Contains(f.Channels, e.Channel) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

func (s *state) cas(key, old, value string) bool {
	cur, ok := s.settings[key]
	if !ok || cur != old {
		return false
	}
	s.settings[key] = value
	return true
}

func (s *state) clone() state {
	slots := make(map[promo.PeriodKey][]promo.Slot, len(s.slots))
	for k, v := range s.slots {
		slots[k] = slices.Clone(v)
	}
	return state{
		codes:    maps.Clone(s.codes),
		seq:      s.seq,
		slots:    slots,
		entries:  slices.Clone(s.entries),
		held:     maps.Clone(s.held),
		settings: maps.Clone(s.settings),
	}
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn under the write lock. Writes go straight to the state;
// an error restores the snapshot taken on entry.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(promo.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.st.clone()
	if err := fn(&txView{st: &tm.st}); err != nil {
		tm.st = snapshot
		return err
	}
	return nil
}

type txView struct {
	st *state
}

func (v *txView) ListCodes(context.Context) ([]promo.Code, error) { return v.st.listCodes(), nil }

func (v *txView) GetCode(_ context.Context, id promo.CodeID) (promo.Code, error) {
	return v.st.getCode(id)
}

func (v *txView) AddCodes(_ context.Context, codes []promo.Code) (int, error) {
	return v.st.addCodes(codes), nil
}

func (v *txView) Consume(_ context.Context, id promo.CodeID) error { return v.st.consume(id) }
func (v *txView) Release(_ context.Context, id promo.CodeID) error { return v.st.release(id) }

func (v *txView) ListSlots(_ context.Context, period promo.PeriodKey) ([]promo.Slot, error) {
	return slices.Clone(v.st.slots[period]), nil
}

func (v *txView) ReplaceRoster(_ context.Context, period promo.PeriodKey, slots []promo.Slot) error {
	return v.st.replaceRoster(period, slots)
}

func (v *txView) BindSlot(_ context.Context, period promo.PeriodKey, rank int, participant promo.ParticipantID) error {
	return v.st.bindSlot(period, rank, participant)
}

func (v *txView) HasEntry(_ context.Context, participant promo.ParticipantID, code promo.CodeID) (bool, error) {
	return v.st.held[pair{participant, code}], nil
}

func (v *txView) InsertEntry(_ context.Context, e promo.Entry) error { return v.st.insertEntry(e) }

func (v *txView) ListEntries(_ context.Context, f promo.EntryFilter) ([]promo.Entry, error) {
	return v.st.listEntries(f), nil
}

func (v *txView) GetSetting(_ context.Context, key string) (string, bool, error) {
	val, ok := v.st.settings[key]
	return val, ok, nil
}

func (v *txView) SetSetting(_ context.Context, key, value string) error {
	v.st.settings[key] = value
	return nil
}

func (v *txView) CompareAndSwapSetting(_ context.Context, key, old, value string) (bool, error) {
	return v.st.cas(key, old, value), nil
}

var (
	_ promo.TxStore = (*TxMemory)(nil)
	_ promo.Store   = (*txView)(nil)
)
