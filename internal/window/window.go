// Package window decides whether an instant falls inside an account's
// working hours on one of its working days.
package window

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // account timezones must resolve on minimal images

	"github.com/zulandar/outreach/internal/models"
)

// Weekdays is a set of days of the week. Bit 0 is Monday, bit 6 is Sunday,
// matching the persisted working_days mask.
type Weekdays uint8

// DefaultWeekdays is Monday through Friday.
const DefaultWeekdays Weekdays = 0x1f

const allWeekdays Weekdays = 0x7f

// ParseMask decodes a stored bitmask. Bits above Sunday are dropped.
func ParseMask(mask int) Weekdays {
	if mask < 0 {
		return 0
	}
	return Weekdays(mask) & allWeekdays
}

// DaysOf builds a set from individual weekdays.
func DaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << bit(d)
	}
	return w
}

// Mask returns the storage form of the set.
func (w Weekdays) Mask() int { return int(w & allWeekdays) }

// Has reports whether d is in the set.
func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<bit(d)) != 0
}

func (w Weekdays) String() string {
	names := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
	var parts []string
	for i, n := range names {
		if w&(1<<uint(i)) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// bit maps Go's Sunday-first weekday to the Monday-first mask position.
func bit(d time.Weekday) uint {
	return uint((int(d) + 6) % 7)
}

// TimeOfDay is a wall-clock time within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour <= 24 && t.Minute >= 0 && t.Minute < 60 && t.minutes() <= 24*60
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Window is a recurring weekly send window in a fixed location.
type Window struct {
	Start    TimeOfDay
	End      TimeOfDay
	Days     Weekdays
	Location *time.Location
}

// FromSettings builds the window for an account. An unknown timezone falls
// back to UTC; the second return reports whether that happened.
func FromSettings(s models.AutomationSettings) (Window, bool) {
	loc, ok := LoadLocation(s.Timezone)
	return Window{
		Start:    TimeOfDay{Hour: s.WorkStartHour, Minute: s.WorkStartMinute},
		End:      TimeOfDay{Hour: s.WorkEndHour, Minute: s.WorkEndMinute},
		Days:     ParseMask(s.WorkingDays),
		Location: loc,
	}, ok
}

// LoadLocation resolves an IANA zone name, returning UTC and false when the
// name is empty or unknown.
func LoadLocation(name string) (*time.Location, bool) {
	if name == "" {
		return time.UTC, false
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}

// Misconfigured reports whether the window can never be open.
func (w Window) Misconfigured() bool {
	return !w.Start.valid() || !w.End.valid() || w.End.minutes() <= w.Start.minutes()
}

// IsOpen reports whether now falls on a working day inside [Start, End) in
// the window's location.
func (w Window) IsOpen(now time.Time) bool {
	if w.Misconfigured() {
		return false
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if !w.Days.Has(local.Weekday()) {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= w.Start.minutes() && m < w.End.minutes()
}

// LocalDate returns the calendar date of now in the window's location, in
// the YYYY-MM-DD form used for daily counter rollover.
func (w Window) LocalDate(now time.Time) string {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}

// NextOpen returns the first instant at or after now when the window is
// open, searching up to eight days ahead. It returns false for a window that
// never opens.
func (w Window) NextOpen(now time.Time) (time.Time, bool) {
	if w.Misconfigured() || w.Days == 0 {
		return time.Time{}, false
	}
	if w.IsOpen(now) {
		return now, true
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	for i := 0; i <= 8; i++ {
		day := local.AddDate(0, 0, i)
		start := time.Date(day.Year(), day.Month(), day.Day(), w.Start.Hour, w.Start.Minute, 0, 0, loc)
		if start.Before(now) {
			continue
		}
		if w.IsOpen(start) {
			return start, true
		}
	}
	return time.Time{}, false
}
