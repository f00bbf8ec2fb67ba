package promo

import (
	"context"
	"strconv"
)

// =============================================================================
// RESERVE - Withheld budget for manual issuance
// =============================================================================

// maxCASAttempts bounds compare-and-swap retries before giving up with
// ErrConcurrentModification.
const maxCASAttempts = 8

// Reserve is the persisted reserve counter.
//
// Adjustments that would go negative clamp to 0. The counter is only changed
// by explicit top-ups and by reserve-channel manual issuance.
type Reserve struct {
	Store SettingsStore
}

func NewReserve(store SettingsStore) *Reserve {
	return &Reserve{Store: store}
}

// Value returns the current reserve. Unparseable values read as 0.
func (r *Reserve) Value(ctx context.Context) (int, error) {
	raw, err := settingOr(ctx, r.Store, SettingReserve, "0")
	if err != nil {
		return 0, err
	}
	return parseReserve(raw), nil
}

// Adjust adds delta and returns the new value.
func (r *Reserve) Adjust(ctx context.Context, delta int) (int, error) {
	for range maxCASAttempts {
		raw, ok, err := r.Store.GetSetting(ctx, SettingReserve)
		if err != nil {
			return 0, err
		}
		next := parseReserve(raw) + delta
		if next < 0 {
			next = 0
		}
		if !ok {
			// No row to compare against yet.
			if err := r.Store.SetSetting(ctx, SettingReserve, strconv.Itoa(next)); err != nil {
				return 0, err
			}
			return next, nil
		}
		swapped, err := r.Store.CompareAndSwapSetting(ctx, SettingReserve, raw, strconv.Itoa(next))
		if err != nil {
			return 0, err
		}
		if swapped {
			return next, nil
		}
	}
	return 0, ErrConcurrentModification
}

func parseReserve(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
