// Package timeutil holds the pure calendar arithmetic shared by contract
// rendering, rollover decisions and report generation.
package timeutil

import "time"

// ThirdWednesday returns the monthly futures delivery date: the third
// Wednesday of the given month.
func ThirdWednesday(year int, month time.Month, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (int(time.Wednesday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}

// NextDelivery returns the nearest delivery date on or after d.
func NextDelivery(d time.Time) time.Time {
	del := ThirdWednesday(d.Year(), d.Month(), d.Location())
	if SameDate(del, d) || del.After(d) {
		return del
	}
	next := d.AddDate(0, 1, 0)
	return ThirdWednesday(next.Year(), next.Month(), d.Location())
}

// ROCYear converts a Gregorian year to the Republic of China calendar year
// used by TAIFEX holiday schedule filenames.
func ROCYear(year int) int {
	return year - 1911
}

// SameDate reports whether a and b fall on the same calendar date.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Midnight truncates t to 00:00 of its calendar date.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// LastDayOfMonth reports whether d is the final calendar day of its month.
func LastDayOfMonth(d time.Time) bool {
	return d.AddDate(0, 0, 1).Month() != d.Month()
}

// MonthBounds returns the first and last calendar dates of d's month.
func MonthBounds(d time.Time) (time.Time, time.Time) {
	y, m, _ := d.Date()
	first := time.Date(y, m, 1, 0, 0, 0, 0, d.Location())
	last := first.AddDate(0, 1, -1)
	return first, last
}

// ContractMonthCode maps a delivery month to the TAIFEX single-letter month
// code used in contract symbols (A=Jan .. L=Dec).
func ContractMonthCode(m time.Month) byte {
	return byte('A' + int(m) - 1)
}
