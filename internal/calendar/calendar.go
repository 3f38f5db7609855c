// Package calendar answers the three questions the rest of the gateway asks
// about the Taiwan futures schedule: is this a trading day, is the market open
// right now, and is this a delivery day.
//
// Source data is the TAIFEX holiday schedule CSV (Big5, one row per annotated
// date, remark "o" marks a trading day). Days absent from the file follow the
// weekday default. Sundays are never trading days. Saturday is a two-segment
// day: 00:00-05:00 carries Friday's night session when Friday traded, the rest
// of Saturday is closed.
package calendar

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"github.com/twquant/tvgateway/internal/domain"
	"github.com/twquant/tvgateway/pkg/timeutil"
)

// Session boundaries, local exchange time.
const (
	daySessionOpenHour    = 8
	daySessionOpenMinute  = 45
	daySessionCloseHour   = 13
	daySessionCloseMinute = 45

	nightSessionOpenHour   = 14
	nightSessionOpenMinute = 50
	nightSessionCloseHour  = 5 // next day
)

// Calendar loads holiday schedule files lazily, one per ROC year.
type Calendar struct {
	dir string
	log zerolog.Logger

	mu    sync.Mutex
	years map[int]map[string]bool // year -> "2006-01-02" -> trading flag
}

// New creates a calendar reading holidaySchedule_{ROC}.csv files from dir.
func New(dir string, log zerolog.Logger) *Calendar {
	return &Calendar{
		dir:   dir,
		log:   log.With().Str("component", "calendar").Logger(),
		years: make(map[int]map[string]bool),
	}
}

// IsTradingDay reports whether d is a trading day. Returns
// domain.ErrCalendarMissing when no schedule file exists for d's year; the
// caller must treat that as "closed", not crash.
func (c *Calendar) IsTradingDay(d time.Time) (bool, error) {
	switch d.Weekday() {
	case time.Sunday:
		return false, nil
	case time.Saturday:
		// Saturday only carries Friday's night session.
		return c.IsTradingDay(d.AddDate(0, 0, -1))
	}

	marks, err := c.yearMarks(d.Year())
	if err != nil {
		return false, err
	}
	if flag, ok := marks[d.Format("2006-01-02")]; ok {
		return flag, nil
	}
	return true, nil // unannotated weekday
}

// IsMarketOpen reports whether the market is open at now. A missing calendar
// means closed.
func (c *Calendar) IsMarketOpen(now time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()

	// 00:00-05:00 belongs to the previous day's night session.
	if minutes < nightSessionCloseHour*60 {
		trading, err := c.IsTradingDay(now.AddDate(0, 0, -1))
		if err != nil {
			c.warnMissing(err)
			return false
		}
		// The previous day must itself have run a night session; Saturday
		// and Sunday never do.
		prev := now.AddDate(0, 0, -1)
		if prev.Weekday() == time.Saturday || prev.Weekday() == time.Sunday {
			return false
		}
		return trading
	}

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}

	trading, err := c.IsTradingDay(now)
	if err != nil {
		c.warnMissing(err)
		return false
	}
	if !trading {
		return false
	}

	dayOpen := daySessionOpenHour*60 + daySessionOpenMinute
	dayClose := daySessionCloseHour*60 + daySessionCloseMinute
	nightOpen := nightSessionOpenHour*60 + nightSessionOpenMinute

	if minutes >= dayOpen && minutes <= dayClose {
		return true
	}
	return minutes >= nightOpen
}

// IsDeliveryDay reports whether d is a monthly delivery day (third Wednesday)
// that is also a trading day.
func (c *Calendar) IsDeliveryDay(d time.Time) bool {
	if !timeutil.SameDate(d, timeutil.ThirdWednesday(d.Year(), d.Month(), d.Location())) {
		return false
	}
	trading, err := c.IsTradingDay(d)
	if err != nil {
		c.warnMissing(err)
		return false
	}
	return trading
}

// SessionEnd returns when the session containing now closes. The second
// return is false when the market is closed at now.
func (c *Calendar) SessionEnd(now time.Time) (time.Time, bool) {
	if !c.IsMarketOpen(now) {
		return time.Time{}, false
	}
	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes < nightSessionCloseHour*60:
		// Tail of the previous day's night session.
		return time.Date(now.Year(), now.Month(), now.Day(), nightSessionCloseHour, 0, 0, 0, now.Location()), true
	case minutes <= daySessionCloseHour*60+daySessionCloseMinute:
		return time.Date(now.Year(), now.Month(), now.Day(), daySessionCloseHour, daySessionCloseMinute, 0, 0, now.Location()), true
	default:
		next := now.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), nightSessionCloseHour, 0, 0, 0, now.Location()), true
	}
}

func (c *Calendar) warnMissing(err error) {
	c.log.Warn().Err(err).Msg("Holiday schedule missing, assuming market closed")
}

// yearMarks returns the date -> trading map for year, loading the CSV on first
// use.
func (c *Calendar) yearMarks(year int) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if marks, ok := c.years[year]; ok {
		return marks, nil
	}

	path := filepath.Join(c.dir, fmt.Sprintf("holidaySchedule_%d.csv", timeutil.ROCYear(year)))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, domain.ErrCalendarMissing)
	}
	defer f.Close()

	reader := csv.NewReader(transform.NewReader(f, traditionalchinese.Big5.NewDecoder()))
	reader.FieldsPerRecord = -1

	marks := make(map[string]bool)
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}
		if len(record) < 2 {
			continue
		}
		d, perr := time.Parse("2006/1/2", record[0])
		if perr != nil {
			continue // header or annotation row
		}
		marks[d.Format("2006-01-02")] = record[1] == "o"
	}

	c.years[year] = marks
	c.log.Info().Int("year", year).Int("entries", len(marks)).Msg("Holiday schedule loaded")
	return marks, nil
}
