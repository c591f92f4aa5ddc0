package services

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"deskflow/internal/models"
)

// ErrInvalidDuration rejects SLA duration specs that do not match
// ^<number><m|h|d>$ or resolve to zero.
var ErrInvalidDuration = errors.New("invalid duration")

var durationSpecPattern = regexp.MustCompile(`^(\d+)([mhd])$`)

// ParseDurationSpec converts a compact duration string ("30m", "2h", "1d")
// into a time.Duration.
func ParseDurationSpec(spec string) (time.Duration, error) {
	m := durationSpecPattern.FindStringSubmatch(spec)
	if m == nil {
		return 0, fmt.Errorf("%w: %q, expected format <number><m|h|d>", ErrInvalidDuration, spec)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, spec)
	}
	var d time.Duration
	switch m[2] {
	case "m":
		d = time.Duration(n) * time.Minute
	case "h":
		d = time.Duration(n) * time.Hour
	case "d":
		d = time.Duration(n) * 24 * time.Hour
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: duration must be greater than zero", ErrInvalidDuration)
	}
	return d, nil
}

// businessWindow is one open interval, minutes from local midnight, [start, end).
type businessWindow struct {
	start int
	end   int
}

// BusinessCalendar answers whether an instant counts as business time. It is
// an immutable snapshot of a team's weekly schedule plus the holiday set; a
// calendar without a schedule treats every instant as business time, minus
// holidays.
type BusinessCalendar struct {
	loc       *time.Location
	windows   map[time.Weekday][]businessWindow
	exact     map[string]bool // "2006-01-02"
	recurring map[string]bool // "01-02"
	allOpen   bool
}

// NewBusinessCalendar builds a calendar from an optional schedule and the
// holiday list. A nil schedule yields a 24/7 calendar in UTC.
func NewBusinessCalendar(hours *models.BusinessHours, holidays []models.Holiday) (*BusinessCalendar, error) {
	cal := &BusinessCalendar{
		loc:       time.UTC,
		windows:   make(map[time.Weekday][]businessWindow),
		exact:     make(map[string]bool),
		recurring: make(map[string]bool),
	}

	if hours != nil {
		loc, err := time.LoadLocation(hours.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", hours.Timezone, err)
		}
		cal.loc = loc
		for _, day := range hours.Schedule {
			wd, err := weekdayOf(day.Day)
			if err != nil {
				return nil, err
			}
			start, err := minutesOf(day.Start)
			if err != nil {
				return nil, fmt.Errorf("invalid start time for %s: %w", day.Day, err)
			}
			end, err := minutesOf(day.End)
			if err != nil {
				return nil, fmt.Errorf("invalid end time for %s: %w", day.Day, err)
			}
			if start >= end {
				return nil, fmt.Errorf("window start %s must be before end %s on %s", day.Start, day.End, day.Day)
			}
			cal.windows[wd] = append(cal.windows[wd], businessWindow{start: start, end: end})
		}
		for wd := range cal.windows {
			sort.Slice(cal.windows[wd], func(i, j int) bool {
				return cal.windows[wd][i].start < cal.windows[wd][j].start
			})
		}
	}
	cal.allOpen = len(cal.windows) == 0

	for _, h := range holidays {
		date, err := time.ParseInLocation("2006-01-02", h.Date, cal.loc)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", h.Date, err)
		}
		if h.Recurring {
			cal.recurring[date.Format("01-02")] = true
		} else {
			cal.exact[date.Format("2006-01-02")] = true
		}
	}

	return cal, nil
}

func weekdayOf(name string) (time.Weekday, error) {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if wd.String() == name {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

func minutesOf(clock string) (int, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", clock)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (c *BusinessCalendar) isHoliday(local time.Time) bool {
	if c.exact[local.Format("2006-01-02")] {
		return true
	}
	return c.recurring[local.Format("01-02")]
}

// IsBusinessTime reports whether t falls inside an open window and not on a
// holiday.
func (c *BusinessCalendar) IsBusinessTime(t time.Time) bool {
	local := t.In(c.loc)
	if c.isHoliday(local) {
		return false
	}
	if c.allOpen {
		return true
	}
	minutes := local.Hour()*60 + local.Minute()
	for _, w := range c.windows[local.Weekday()] {
		if minutes >= w.start && minutes < w.end {
			return true
		}
	}
	return false
}

// maxCalendarScanDays bounds forward scans so a calendar that never opens
// (every day a holiday) cannot loop forever.
const maxCalendarScanDays = 2 * 366

// NextBusinessInstant returns t unchanged when it is already business time,
// otherwise the start of the next open window. The zero time signals a
// calendar with no business time within the scan horizon.
func (c *BusinessCalendar) NextBusinessInstant(t time.Time) time.Time {
	if c.IsBusinessTime(t) {
		return t
	}

	local := t.In(c.loc)
	for offset := 0; offset <= maxCalendarScanDays; offset++ {
		day := local.AddDate(0, 0, offset)
		if offset > 0 {
			day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
		}
		if c.isHoliday(day) {
			continue
		}
		if c.allOpen {
			if offset == 0 {
				// Today is a holiday or we would have returned above.
				continue
			}
			return day
		}
		minutes := day.Hour()*60 + day.Minute()
		for _, w := range c.windows[day.Weekday()] {
			if w.end <= minutes {
				continue
			}
			start := w.start
			if start < minutes {
				start = minutes
			}
			return time.Date(day.Year(), day.Month(), day.Day(), start/60, start%60, 0, 0, c.loc)
		}
	}
	return time.Time{}
}

// windowEndAfter returns the instant the open window containing t closes.
// t must be business time.
func (c *BusinessCalendar) windowEndAfter(t time.Time) time.Time {
	local := t.In(c.loc)
	if c.allOpen {
		next := local.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, c.loc)
	}
	minutes := local.Hour()*60 + local.Minute()
	for _, w := range c.windows[local.Weekday()] {
		if minutes >= w.start && minutes < w.end {
			return time.Date(local.Year(), local.Month(), local.Day(), w.end/60, w.end%60, 0, 0, c.loc)
		}
	}
	return local
}

// ComputeDeadline walks forward from start consuming the spec's worth of
// whole business minutes. Closed gaps (nights, weekends, holidays) do not
// count against the duration. A start outside business hours first advances
// to the next open window.
func ComputeDeadline(start time.Time, spec string, cal *BusinessCalendar) (time.Time, error) {
	d, err := ParseDurationSpec(spec)
	if err != nil {
		return time.Time{}, err
	}
	if cal == nil {
		cal, _ = NewBusinessCalendar(nil, nil)
	}

	remaining := int64(d / time.Minute)
	cursor := start.Truncate(time.Minute)
	if !cal.IsBusinessTime(cursor) {
		cursor = cal.NextBusinessInstant(cursor)
		if cursor.IsZero() {
			return time.Time{}, fmt.Errorf("calendar has no business time after %s", start.Format(time.RFC3339))
		}
	}

	for {
		windowEnd := cal.windowEndAfter(cursor)
		available := int64(windowEnd.Sub(cursor) / time.Minute)
		if available >= remaining {
			return cursor.Add(time.Duration(remaining) * time.Minute), nil
		}
		remaining -= available
		cursor = cal.NextBusinessInstant(windowEnd)
		if cursor.IsZero() {
			return time.Time{}, fmt.Errorf("calendar has no business time after %s", windowEnd.Format(time.RFC3339))
		}
	}
}
