package sendwindow

import "time"

// germanPublicHoliday reports whether d (interpreted as a calendar date,
// any time-of-day) is a German public holiday: the fixed-date holidays
// plus the Easter-relative ones, computed via Gauss's algorithm so the
// calendar works for any year without a maintained lookup table.
func germanPublicHoliday(d time.Time) bool {
	y, m, day := d.Date()
	fixed := [...][2]int{
		{1, 1},   // New Year
		{5, 1},   // Labour Day
		{10, 3},  // German Unity Day
		{12, 25}, // Christmas Day
		{12, 26}, // Boxing Day
	}
	for _, f := range fixed {
		if int(m) == f[0] && day == f[1] {
			return true
		}
	}

	easter := easterSunday(y)
	relative := []time.Time{
		easter.AddDate(0, 0, -2), // Good Friday
		easter.AddDate(0, 0, 1),  // Easter Monday
		easter.AddDate(0, 0, 39), // Ascension Day
		easter.AddDate(0, 0, 50), // Whit Monday
	}
	for _, r := range relative {
		ry, rm, rd := r.Date()
		if ry == y && rm == m && rd == day {
			return true
		}
	}
	return false
}

// easterSunday computes the Gregorian Easter Sunday date for year y using
// Gauss's Easter algorithm.
func easterSunday(y int) time.Time {
	a := y % 19
	b := y / 100
	c := y % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(y, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
