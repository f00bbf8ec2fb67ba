package promo_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/promo-engine/promo"
)

func TestIssueManual_ReserveChannelDrawsDownReserve(t *testing.T) {
	// GIVEN: 5 units in reserve
	f := newFixture(t)
	f.seed(t, []promo.CodeID{"A", "B", "C"}, 5, 5, 0)
	ctx := context.Background()

	// WHEN: issuing two codes from the reserve
	entries, err := f.engine.IssueManual(ctx, true, promo.ManualIssuance{
		Participant: "guest",
		Codes:       []promo.CodeID{"A", "C"},
		Channel:     promo.ChannelReserve,
	})

	// THEN: both are recorded and the reserve shrinks by two
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, promo.ChannelReserve, e.Channel)
		assert.Equal(t, testPeriod, e.Period)
	}
	reserve, err := f.engine.Reserve().Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, reserve)
	assert.Equal(t, []promo.CodeID{"A", "C"}, f.notes.delivered["guest"])
}

func TestIssueManual_FreeChannelLeavesReserve(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []promo.CodeID{"A"}, 5, 2, 0)
	ctx := context.Background()

	_, err := f.engine.IssueManual(ctx, true, promo.ManualIssuance{
		Participant: "guest", Codes: []promo.CodeID{"A"}, Channel: promo.ChannelFree,
	})

	require.NoError(t, err)
	reserve, err := f.engine.Reserve().Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reserve)
}

func TestIssueManual_ReserveClampsAtZero(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []promo.CodeID{"A", "B"}, 5, 1, 0)
	ctx := context.Background()

	_, err := f.engine.IssueManual(ctx, true, promo.ManualIssuance{
		Participant: "guest", Codes: []promo.CodeID{"A", "B"}, Channel: promo.ChannelReserve,
	})

	require.NoError(t, err)
	reserve, err := f.engine.Reserve().Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reserve)
}

func TestIssueManual_IsAllOrNothing(t *testing.T) {
	// GIVEN: guest already holds B
	f := newFixture(t)
	f.seed(t, []promo.CodeID{"A", "B"}, 5, 3, 0)
	ctx := context.Background()
	_, err := f.engine.IssueManual(ctx, true, promo.ManualIssuance{
		Participant: "guest", Codes: []promo.CodeID{"B"}, Channel: promo.ChannelFree,
	})
	require.NoError(t, err)

	// WHEN: issuing A and B together
	_, err = f.engine.IssueManual(ctx, true, promo.ManualIssuance{
		Participant: "guest", Codes: []promo.CodeID{"A", "B"}, Channel: promo.ChannelReserve,
	})

	// THEN: the duplicate fails the whole request and A is untouched
	assert.ErrorIs(t, err, promo.ErrDuplicateIssuance)
	a, err := f.store.GetCode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Consumed)
	reserve, err := f.engine.Reserve().Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, reserve)
}

func TestIssueManual_ExhaustedCode(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []promo.CodeID{"A"}, 1, 0, 0)
	ctx := context.Background()
	_, err := f.engine.IssueManual(ctx, true, promo.ManualIssuance{
		Participant: "first", Codes: []promo.CodeID{"A"}, Channel: promo.ChannelFree,
	})
	require.NoError(t, err)

	_, err = f.engine.IssueManual(ctx, true, promo.ManualIssuance{
		Participant: "second", Codes: []promo.CodeID{"A"}, Channel: promo.ChannelFree,
	})

	assert.ErrorIs(t, err, promo.ErrCodeExhausted)
	var ie *promo.IssuanceError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, promo.ParticipantID("second"), ie.Participant)
}

func TestIssueManual_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  promo.ManualIssuance
	}{
		{"no participant", promo.ManualIssuance{Codes: []promo.CodeID{"A"}, Channel: promo.ChannelFree}},
		{"scheduled channel", promo.ManualIssuance{Participant: "p", Codes: []promo.CodeID{"A"}, Channel: promo.ChannelNormal}},
		{"no codes", promo.ManualIssuance{Participant: "p", Channel: promo.ChannelFree}},
		{"too many codes", promo.ManualIssuance{Participant: "p", Codes: []promo.CodeID{"A", "B", "C", "D"}, Channel: promo.ChannelFree}},
		{"repeated code", promo.ManualIssuance{Participant: "p", Codes: []promo.CodeID{"A", "A"}, Channel: promo.ChannelFree}},
		{"blank code", promo.ManualIssuance{Participant: "p", Codes: []promo.CodeID{""}, Channel: promo.ChannelReserve}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.IssueManual(context.Background(), true, tt.req)
			assert.ErrorIs(t, err, promo.ErrInvalidIssuance)
			assert.True(t, promo.IsClientError(err))
		})
	}
}

func TestIssueManual_RequiresAuthorization(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.IssueManual(context.Background(), false, promo.ManualIssuance{
		Participant: "p", Codes: []promo.CodeID{"A"}, Channel: promo.ChannelFree,
	})
	assert.ErrorIs(t, err, promo.ErrUnauthorized)
}

func TestAvailableFor(t *testing.T) {
	f := newFixture(t)
	f.seed(t, []promo.CodeID{"A", "B", "C"}, 1, 0, 0)
	ctx := context.Background()
	_, err := f.engine.IssueManual(ctx, true, promo.ManualIssuance{
		Participant: "p", Codes: []promo.CodeID{"A"}, Channel: promo.ChannelFree,
	})
	require.NoError(t, err)
	_, err = f.engine.IssueManual(ctx, true, promo.ManualIssuance{
		Participant: "q", Codes: []promo.CodeID{"B"}, Channel: promo.ChannelFree,
	})
	require.NoError(t, err)

	codes, err := f.engine.AvailableFor(ctx, "p")

	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, promo.CodeID("C"), codes[0].ID)
}

func TestIssueManual_ConcurrentSamePairIssuesOnce(t *testing.T) {
	// GIVEN: a code with plenty of budget
	f := newFixture(t)
	f.seed(t, []promo.CodeID{"A"}, 50, 0, 0)
	ctx := context.Background()

	// WHEN: 20 operators issue A to p1 at once
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		errs []error
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.IssueManual(ctx, true, promo.ManualIssuance{
				Participant: "p1", Codes: []promo.CodeID{"A"}, Channel: promo.ChannelFree,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ok++
		}()
	}
	wg.Wait()

	// THEN: one attempt wins, the rest are duplicates, one unit is consumed
	assert.Equal(t, 1, ok)
	require.Len(t, errs, 19)
	for _, err := range errs {
		assert.ErrorIs(t, err, promo.ErrDuplicateIssuance)
	}
	entries, err := f.store.ListEntries(ctx, promo.EntryFilter{Participants: []promo.ParticipantID{"p1"}})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	code, err := f.store.GetCode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, code.Consumed)
}
