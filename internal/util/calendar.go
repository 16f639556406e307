package util

import (
	"fmt"
	"time"
)

// TradingCalendar provides US equity session-hours awareness in Eastern Time:
// the regular session open/close and the end-of-day liquidation cutoff after
// which no new entries are taken and remaining positions are flattened.
type TradingCalendar struct {
	loc          *time.Location
	openHour     int
	openMinute   int
	closeHour    int
	closeMinute  int
	cutoffHour   int
	cutoffMinute int
}

// NewTradingCalendar creates a calendar for the regular NYSE session
// (9:30-16:00 ET) with a 15:55 ET liquidation cutoff.
func NewTradingCalendar() (*TradingCalendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", err)
	}
	return &TradingCalendar{
		loc:      loc,
		openHour: 9, openMinute: 30,
		closeHour: 16, closeMinute: 0,
		cutoffHour: 15, cutoffMinute: 55,
	}, nil
}

// Location returns the calendar's time zone (Eastern Time).
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// IsMarketOpen reports whether t falls inside the regular weekday session.
// TODO: exchange holidays; until then the Alpaca clock endpoint is the
// authority for live runs and this is only a local guard.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	et := t.In(tc.loc)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := et.Hour()*60 + et.Minute()
	return mins >= tc.openHour*60+tc.openMinute && mins < tc.closeHour*60+tc.closeMinute
}

// SessionOpen returns the regular session open (9:30 ET) on t's trading date.
func (tc *TradingCalendar) SessionOpen(t time.Time) time.Time {
	et := t.In(tc.loc)
	return time.Date(et.Year(), et.Month(), et.Day(), tc.openHour, tc.openMinute, 0, 0, tc.loc)
}

// PastCutoff reports whether t is at or past the end-of-day liquidation
// cutoff (15:55 ET).
func (tc *TradingCalendar) PastCutoff(t time.Time) bool {
	et := t.In(tc.loc)
	mins := et.Hour()*60 + et.Minute()
	return mins >= tc.cutoffHour*60+tc.cutoffMinute
}
