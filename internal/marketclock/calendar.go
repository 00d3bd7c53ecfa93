package marketclock

import (
	"fmt"
	"time"

	"equities-trading-bot/internal/signal"
)

// Session boundaries in exchange-local wall time.
const (
	extOpenHour  = 4
	rthOpenHour  = 9
	rthOpenMin   = 30
	rthCloseHour = 16
	extCloseHour = 20
)

// Opening auction window for queued orders, around the 09:30 open.
const (
	openWindowLeadMins = 5
	openWindowLagMins  = 5
)

// Calendar buckets timestamps into market sessions for one exchange.
// Configured holidays are full closures; any other weekday is treated
// as a normal session.
type Calendar struct {
	loc      *time.Location
	holidays map[string]struct{} // "2006-01-02" in exchange time
}

// NewCalendar loads the exchange timezone and holiday set.
func NewCalendar(timezone string, holidays []string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading exchange timezone %q: %w", timezone, err)
	}

	hs := make(map[string]struct{}, len(holidays))
	for _, d := range holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", d, err)
		}
		hs[d] = struct{}{}
	}

	return &Calendar{loc: loc, holidays: hs}, nil
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Session classifies t as regular hours, extended hours, or closed.
// Boundaries are half-open: 09:30:00 is RTH, 16:00:00 is EXT.
func (c *Calendar) Session(t time.Time) signal.Session {
	lt := t.In(c.loc)
	if !c.isTradingDay(lt) {
		return signal.SessionClosed
	}

	y, m, d := lt.Date()
	extOpen := time.Date(y, m, d, extOpenHour, 0, 0, 0, c.loc)
	rthOpen := time.Date(y, m, d, rthOpenHour, rthOpenMin, 0, 0, c.loc)
	rthClose := time.Date(y, m, d, rthCloseHour, 0, 0, 0, c.loc)
	extClose := time.Date(y, m, d, extCloseHour, 0, 0, 0, c.loc)

	switch {
	case !lt.Before(rthOpen) && lt.Before(rthClose):
		return signal.SessionRTH
	case !lt.Before(extOpen) && lt.Before(rthOpen):
		return signal.SessionEXT
	case !lt.Before(rthClose) && lt.Before(extClose):
		return signal.SessionEXT
	default:
		return signal.SessionClosed
	}
}

// IsOpen reports whether any session (regular or extended) is active at t.
func (c *Calendar) IsOpen(t time.Time) bool {
	return c.Session(t) != signal.SessionClosed
}

// DayKey returns the trading-day key for t in exchange time, "20060102".
// All daily counters, caps, and idempotency keys roll over on this key.
func (c *Calendar) DayKey(t time.Time) string {
	return t.In(c.loc).Format("20060102")
}

// IsHoliday reports whether t falls on a configured full-closure date.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[t.In(c.loc).Format("2006-01-02")]
	return ok
}

func (c *Calendar) isTradingDay(lt time.Time) bool {
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.IsHoliday(lt)
}

// SessionClose returns the 16:00 close of t's trading day in exchange time.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	lt := t.In(c.loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d, rthCloseHour, 0, 0, 0, c.loc)
}

// InEODWindow reports whether t is within lead of the close but still
// before it, on a trading day. The flattener runs inside this window.
func (c *Calendar) InEODWindow(t time.Time, lead time.Duration) bool {
	lt := t.In(c.loc)
	if !c.isTradingDay(lt) {
		return false
	}
	close := c.SessionClose(lt)
	return !lt.Before(close.Add(-lead)) && lt.Before(close)
}

// InOpeningWindow reports whether t is within the opening auction window
// around the 09:30 open, when queued market_closed orders are released.
func (c *Calendar) InOpeningWindow(t time.Time) bool {
	lt := t.In(c.loc)
	if !c.isTradingDay(lt) {
		return false
	}
	y, m, d := lt.Date()
	open := time.Date(y, m, d, rthOpenHour, rthOpenMin, 0, 0, c.loc)
	return !lt.Before(open.Add(-openWindowLeadMins*time.Minute)) &&
		lt.Before(open.Add(openWindowLagMins*time.Minute))
}

// NextRTHOpen returns the next 09:30 open at or after t, skipping
// weekends and holidays.
func (c *Calendar) NextRTHOpen(t time.Time) time.Time {
	lt := t.In(c.loc)
	for i := 0; i < 366; i++ {
		y, m, d := lt.Date()
		open := time.Date(y, m, d, rthOpenHour, rthOpenMin, 0, 0, c.loc)
		if c.isTradingDay(open) && lt.Before(open) {
			return open
		}
		lt = time.Date(y, m, d, 0, 0, 0, 0, c.loc).AddDate(0, 0, 1)
	}
	return time.Time{}
}

// EndOfDay returns the exchange-local midnight that ends t's calendar
// day. Idempotency keys and daily counters expire at this instant.
func (c *Calendar) EndOfDay(t time.Time) time.Time {
	lt := t.In(c.loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc).AddDate(0, 0, 1)
}

// UntilEndOfDay returns the remaining duration of t's calendar day.
func (c *Calendar) UntilEndOfDay(t time.Time) time.Duration {
	return c.EndOfDay(t).Sub(t.In(c.loc))
}
