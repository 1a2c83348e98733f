package resolver

import (
	"time"

	"loyalty-controlplane/services/program"
)

// Window is a half-open [Start, End) calendar interval in the tenant
// timezone.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// PeriodWindow returns the calendar window of the given period containing
// at. Weekly windows anchor on Monday; daily and monthly follow calendar
// boundaries in loc. Unknown periods fall back to monthly.
func PeriodWindow(p program.Period, at time.Time, loc *time.Location) Window {
	switch p {
	case program.PeriodDaily:
		return DayWindow(at, loc)
	case program.PeriodWeekly:
		return WeekWindow(at, loc)
	default:
		return MonthWindow(at, loc)
	}
}

func DayWindow(at time.Time, loc *time.Location) Window {
	local := at.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

func WeekWindow(at time.Time, loc *time.Location) Window {
	local := at.In(loc)
	// time.Weekday counts Sunday as 0; shift so Monday opens the week
	offset := (int(local.Weekday()) + 6) % 7
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -offset)
	return Window{Start: start, End: start.AddDate(0, 0, 7)}
}

func MonthWindow(at time.Time, loc *time.Location) Window {
	local := at.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(0, 1, 0)}
}

func YearWindow(at time.Time, loc *time.Location) Window {
	local := at.In(loc)
	start := time.Date(local.Year(), 1, 1, 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(1, 0, 0)}
}
