package promo_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/promo-engine/promo"
)

func TestCalendar_Key(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want promo.PeriodKey
	}{
		{"midweek", time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC), "2026-10-18"},
		{"sunday before anchor", time.Date(2026, 10, 18, 21, 7, 59, 0, time.UTC), "2026-10-18"},
		{"exactly at anchor", time.Date(2026, 10, 18, 21, 8, 0, 0, time.UTC), "2026-10-18"},
		{"just after anchor", time.Date(2026, 10, 18, 21, 8, 1, 0, time.UTC), "2026-10-25"},
		{"monday", time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), "2026-10-25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testCalendar.Key(tt.at))
		})
	}
}

func TestCalendar_KeyUsesCalendarZone(t *testing.T) {
	// Sunday 20:00 UTC is already past 21:08 in Moscow.
	cal := promo.DefaultCalendar()
	at := time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, promo.PeriodKey("2026-10-25"), cal.Key(at))
}

func TestCalendar_NextAnchor(t *testing.T) {
	anchor := time.Date(2026, 10, 18, 21, 8, 0, 0, time.UTC)

	assert.True(t, anchor.Equal(testCalendar.NextAnchor(anchor.Add(-time.Hour))))
	assert.True(t, anchor.AddDate(0, 0, 7).Equal(testCalendar.NextAnchor(anchor)))
}

func TestCalendar_Anchor(t *testing.T) {
	at, err := testCalendar.Anchor(testPeriod)
	require.NoError(t, err)
	assert.True(t, at.Equal(time.Date(2026, 10, 18, 21, 8, 0, 0, time.UTC)))
	assert.Equal(t, testPeriod, testCalendar.Key(at))

	_, err = testCalendar.Anchor("next week")
	assert.ErrorIs(t, err, promo.ErrInvalidPeriod)
}

func TestParsePeriodKey(t *testing.T) {
	k, err := promo.ParsePeriodKey("2026-10-18")
	require.NoError(t, err)
	assert.Equal(t, testPeriod, k)

	_, err = promo.ParsePeriodKey("18.10.2026")
	assert.ErrorIs(t, err, promo.ErrInvalidPeriod)
}
