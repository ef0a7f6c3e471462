// Package sendwindow decides whether "now" falls inside a campaign's (or
// its workspace's global) send window, resolved in Europe/Berlin local
// time with German public holidays substituting the weekday key.
package sendwindow

import (
	"fmt"
	"time"

	"github.com/ignite/leadgen-engine/internal/domain"
)

var berlin = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		return time.UTC
	}
	return loc
}()

var weekdayKeys = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// dayKey returns the window key applicable at t: "hol" on a German public
// holiday, else the 3-letter weekday.
func dayKey(t time.Time) string {
	if germanPublicHoliday(t) {
		return "hol"
	}
	return weekdayKeys[t.Weekday()]
}

// InWindow reports whether now falls inside any slot of window's day key.
// An empty/missing window falls back to global; if neither the campaign
// nor the workspace has any window configured at all, sending is
// unrestricted.
func InWindow(now time.Time, window, global map[string][]domain.TimeSlot) (bool, error) {
	active := window
	if !isConfigured(active) {
		active = global
	}
	if !isConfigured(active) {
		return true, nil
	}

	local := now.In(berlin)
	key := dayKey(local)
	slots := active[key]
	if len(slots) == 0 {
		return false, nil
	}

	nowMinutes := local.Hour()*60 + local.Minute()
	for _, slot := range slots {
		from, err := minutesOfDay(slot.From)
		if err != nil {
			return false, fmt.Errorf("sendwindow: slot %q: %w", slot.From, err)
		}
		to, err := minutesOfDay(slot.To)
		if err != nil {
			return false, fmt.Errorf("sendwindow: slot %q: %w", slot.To, err)
		}
		if from <= nowMinutes && nowMinutes < to {
			return true, nil
		}
	}
	return false, nil
}

// isConfigured reports whether w has any day key at all, even one mapping
// to an empty slot list — that's a deliberate "no sends today" entry, not
// an absent configuration, and must not fall back to the next window.
func isConfigured(w map[string][]domain.TimeSlot) bool {
	return len(w) > 0
}

func minutesOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
