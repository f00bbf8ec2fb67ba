package promo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/promo-engine/promo"
)

func TestAddCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.AddCodes(ctx, true, []promo.CodeID{" A ", "B", ""}, 10, 4)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 4, res.Reserve)

	codes, err := f.engine.Codes(ctx)
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, promo.CodeID("A"), codes[0].ID)
	assert.Equal(t, 10, codes[0].Budget)

	// Re-adding is ignored but still tops up the reserve.
	res, err = f.engine.AddCodes(ctx, true, []promo.CodeID{"A"}, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 5, res.Reserve)
}

func TestAddCodes_Validation(t *testing.T) {
	tests := []struct {
		name       string
		ids        []promo.CodeID
		budget     int
		reservePut int
	}{
		{"zero budget", []promo.CodeID{"A"}, 0, 0},
		{"negative reserve", []promo.CodeID{"A"}, 5, -1},
		{"reserve above budget", []promo.CodeID{"A"}, 5, 6},
		{"no ids", []promo.CodeID{" ", ""}, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.AddCodes(context.Background(), true, tt.ids, tt.budget, tt.reservePut)
			assert.ErrorIs(t, err, promo.ErrInvalidIssuance)
		})
	}
}

func TestAdjustReserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.AdjustReserve(ctx, false, 5)
	assert.ErrorIs(t, err, promo.ErrUnauthorized)

	v, err := f.engine.AdjustReserve(ctx, true, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = f.engine.AdjustReserve(ctx, true, -8)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestSetRoster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slots, err := f.engine.SetRoster(ctx, true, testPeriod, []promo.RosterEntry{
		{Label: "first", Participant: "p1"},
		{Label: "second"},
		{Label: "third", Participant: "p3"},
	})

	require.NoError(t, err)
	require.Len(t, slots, 3)
	assert.Equal(t, 2, slots[1].Rank)
	assert.False(t, slots[1].Occupied())

	missing, err := f.engine.MissingSlots(ctx, testPeriod)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "second", missing[0].Label)
}

func TestSetRoster_RejectsDuplicateParticipant(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SetRoster(context.Background(), true, testPeriod, []promo.RosterEntry{
		{Participant: "p1"}, {Participant: "p1"},
	})

	assert.ErrorIs(t, err, promo.ErrInvalidRoster)
}

func TestSetRoster_RequiresAuthorization(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SetRoster(context.Background(), false, testPeriod, nil)
	assert.ErrorIs(t, err, promo.ErrUnauthorized)
}

func TestBindSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.SetRoster(ctx, true, testPeriod, []promo.RosterEntry{
		{Label: "a", Participant: "p1"}, {Label: "b"}, {Label: "c"},
	})
	require.NoError(t, err)

	tests := []struct {
		name        string
		rank        int
		participant promo.ParticipantID
		wantErr     error
	}{
		{"binds empty slot", 2, "p2", nil},
		{"occupied slot", 1, "p9", promo.ErrSlotOccupied},
		{"already bound", 3, "p1", promo.ErrParticipantAlreadyBound},
		{"unknown rank", 7, "p7", promo.ErrSlotNotFound},
		{"invalid rank", 0, "p7", promo.ErrInvalidRoster},
		{"no participant", 3, "", promo.ErrInvalidRoster},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.engine.BindSlot(ctx, testPeriod, tt.rank, tt.participant)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	roster, err := f.engine.Roster(ctx, testPeriod)
	require.NoError(t, err)
	assert.Equal(t, promo.ParticipantID("p2"), roster[1].Participant)
}
