package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// CALENDAR - Day boundaries in the reference time zone
// =============================================================================

// Calendar decides which calendar day "now" belongs to. Once-per-day rewards
// are keyed by that day, so every node must use the same Location.
type Calendar struct {
	Location *time.Location
	Now      func() time.Time
}

// NewCalendar returns a calendar in loc. A nil loc means UTC and a nil now
// means time.Now.
func NewCalendar(loc *time.Location, now func() time.Time) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return Calendar{Location: loc, Now: now}
}

// UTCCalendar is the default calendar.
func UTCCalendar() Calendar { return NewCalendar(time.UTC, nil) }

// Today returns the window containing Now().
func (c Calendar) Today() DayWindow {
	return c.DayOf(c.now())
}

// DayOf returns the window containing t.
func (c Calendar) DayOf(t time.Time) DayWindow {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	// Next midnight by date, not +24h: DST days are 23 or 25 hours long.
	end := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return DayWindow{Start: start, End: end}
}

func (c Calendar) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// DayWindow is the half-open interval [Start, End) of one calendar day.
type DayWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w DayWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Label is the YYYY-MM-DD of the day in its own zone.
func (w DayWindow) Label() string {
	return w.Start.Format("2006-01-02")
}

// DailyKey is the idempotency key of a once-per-day reward:
// (account, reason, related entity, day).
//
// Account and related ids are opaque and may contain ':', so each is
// written length-prefixed as <len>.<id>. A missing related id is a bare
// "-", which no length-prefixed value can equal.
func DailyKey(accountID AccountID, reason Reason, relatedID *string, day DayWindow) string {
	related := "-"
	if relatedID != nil && *relatedID != "" {
		related = lengthPrefixed(*relatedID)
	}
	return fmt.Sprintf("daily:%s:%s:%s:%s", lengthPrefixed(string(accountID)), reason, related, day.Label())
}

func lengthPrefixed(s string) string {
	return fmt.Sprintf("%d.%s", len(s), s)
}

// TransferKey is the idempotency key of one transfer leg.
func TransferKey(transferID string, reason Reason) string {
	return fmt.Sprintf("transfer:%s:%s", transferID, reason)
}
