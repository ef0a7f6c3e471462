package sendwindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/leadgen-engine/internal/domain"
)

func mustBerlin(t *testing.T, layout, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	tm, err := time.ParseInLocation(layout, value, loc)
	require.NoError(t, err)
	return tm
}

func TestInWindowFallsBackToGlobalOnHolidayWhenCampaignWindowEmpty(t *testing.T) {
	now := mustBerlin(t, "2006-01-02 15:04", "2024-01-01 10:30")
	campWindow := map[string][]domain.TimeSlot{}
	global := map[string][]domain.TimeSlot{"hol": {{From: "10:00", To: "12:00"}}}

	ok, err := InWindow(now, campWindow, global)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInWindowEmptyHolidaySlotMeansOutsideWindow(t *testing.T) {
	now := mustBerlin(t, "2006-01-02 15:04", "2024-01-01 10:30")
	campWindow := map[string][]domain.TimeSlot{}
	global := map[string][]domain.TimeSlot{"hol": {}}

	ok, err := InWindow(now, campWindow, global)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInWindowUsesWeekdayKeyOnNonHoliday(t *testing.T) {
	// 2024-01-02 is a Tuesday, not a German public holiday.
	now := mustBerlin(t, "2006-01-02 15:04", "2024-01-02 09:00")
	campWindow := map[string][]domain.TimeSlot{"tue": {{From: "08:00", To: "17:00"}}}

	ok, err := InWindow(now, campWindow, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInWindowBoundaryIsHalfOpen(t *testing.T) {
	campWindow := map[string][]domain.TimeSlot{"tue": {{From: "08:00", To: "17:00"}}}

	atStart := mustBerlin(t, "2006-01-02 15:04", "2024-01-02 08:00")
	ok, err := InWindow(atStart, campWindow, nil)
	require.NoError(t, err)
	assert.True(t, ok, "from boundary is inclusive")

	atEnd := mustBerlin(t, "2006-01-02 15:04", "2024-01-02 17:00")
	ok, err = InWindow(atEnd, campWindow, nil)
	require.NoError(t, err)
	assert.False(t, ok, "to boundary is exclusive")
}

func TestInWindowIsUnrestrictedWhenNeitherCampaignNorGlobalHaveAnySlots(t *testing.T) {
	now := mustBerlin(t, "2006-01-02 15:04", "2024-01-02 03:00")

	ok, err := InWindow(now, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok, "no window configured anywhere means sending is never blocked by it")

	ok, err = InWindow(now, map[string][]domain.TimeSlot{}, map[string][]domain.TimeSlot{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInWindowCampaignWindowTakesPrecedenceOverGlobalWhenPresent(t *testing.T) {
	now := mustBerlin(t, "2006-01-02 15:04", "2024-01-02 20:00")
	campWindow := map[string][]domain.TimeSlot{"tue": {{From: "19:00", To: "22:00"}}}
	global := map[string][]domain.TimeSlot{"tue": {{From: "08:00", To: "09:00"}}}

	ok, err := InWindow(now, campWindow, global)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGermanPublicHolidayCoversFixedAndEasterRelativeDates(t *testing.T) {
	cases := []struct {
		date string
		want bool
	}{
		{"2024-01-01", true},  // New Year
		{"2024-03-29", true},  // Good Friday
		{"2024-04-01", true},  // Easter Monday
		{"2024-05-01", true},  // Labour Day
		{"2024-05-09", true},  // Ascension Day
		{"2024-05-20", true},  // Whit Monday
		{"2024-10-03", true},  // German Unity Day
		{"2024-12-25", true},  // Christmas Day
		{"2024-12-26", true},  // Boxing Day
		{"2024-06-15", false}, // ordinary Saturday
	}
	for _, tc := range cases {
		d, err := time.Parse("2006-01-02", tc.date)
		require.NoError(t, err)
		assert.Equal(t, tc.want, germanPublicHoliday(d), tc.date)
	}
}
