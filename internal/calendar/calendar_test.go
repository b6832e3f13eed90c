package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

func newTestCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := New([]domain.MarketProfile{
		{
			Market:         "HK",
			Timezone:       "Asia/Hong_Kong",
			Currency:       "HKD",
			Sessions:       []string{"09:30-12:00", "13:00-16:00"},
			Holidays:       []string{"2026-08-26"},
			HalfDays:       []string{"2026-08-27"},
			HalfDaySession: "09:30-12:00",
		},
		{
			Market:   "US",
			Timezone: "America/New_York",
			Currency: "USD",
			Sessions: []string{"09:30-16:00"},
		},
	})
	require.NoError(t, err)
	return c
}

func hk(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return ts
}

func TestIsOpen(t *testing.T) {
	c := newTestCalendar(t)

	// Monday 2026-08-24.
	open, err := c.IsOpen("HK", hk(t, "2026-08-24 10:00"))
	require.NoError(t, err)
	assert.True(t, open)

	open, err = c.IsOpen("hk", hk(t, "2026-08-24 12:30"))
	require.NoError(t, err)
	assert.False(t, open, "lunch break")

	open, err = c.IsOpen("HK", hk(t, "2026-08-24 16:00"))
	require.NoError(t, err)
	assert.False(t, open, "close is exclusive")

	// Saturday.
	open, err = c.IsOpen("HK", hk(t, "2026-08-29 10:00"))
	require.NoError(t, err)
	assert.False(t, open)

	// Holiday Wednesday.
	open, err = c.IsOpen("HK", hk(t, "2026-08-26 10:00"))
	require.NoError(t, err)
	assert.False(t, open)

	// Half-day Thursday: morning only.
	open, err = c.IsOpen("HK", hk(t, "2026-08-27 10:00"))
	require.NoError(t, err)
	assert.True(t, open)
	open, err = c.IsOpen("HK", hk(t, "2026-08-27 14:00"))
	require.NoError(t, err)
	assert.False(t, open)
}

func TestNextOpen(t *testing.T) {
	c := newTestCalendar(t)

	// Monday pre-open resolves to the same morning.
	next, err := c.NextOpen("HK", hk(t, "2026-08-24 08:00"))
	require.NoError(t, err)
	assert.Equal(t, hk(t, "2026-08-24 09:30").UTC(), next)

	// During lunch the next open is the afternoon session.
	next, err = c.NextOpen("HK", hk(t, "2026-08-24 12:30"))
	require.NoError(t, err)
	assert.Equal(t, hk(t, "2026-08-24 13:00").UTC(), next)

	// Tuesday after close skips the Wednesday holiday to half-day Thursday.
	next, err = c.NextOpen("HK", hk(t, "2026-08-25 17:00"))
	require.NoError(t, err)
	assert.Equal(t, hk(t, "2026-08-27 09:30").UTC(), next)
}

func TestUnsupportedMarket(t *testing.T) {
	c := newTestCalendar(t)
	_, err := c.IsOpen("JP", time.Now())
	require.Error(t, err)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.CodeUnsupportedMarket, verr.Code)

	cur, err := c.Currency("US")
	require.NoError(t, err)
	assert.Equal(t, "USD", cur)
}
