package message

import "time"

const titleTimeLayout = "Mon, 02 Jan, 2006 at 15:04"

// FormatTime renders the full timestamp used in title attributes.
func FormatTime(val time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return val.In(loc).Format(titleTimeLayout)
}

// HumanizeTime renders the compact list-view timestamp: clock time for
// the last twelve hours, month and day within the current year, and a
// full date otherwise.
func HumanizeTime(val, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	val = val.In(loc)
	now = now.In(loc)
	switch {
	case now.Sub(val) < 12*time.Hour:
		return val.Format("15:04")
	case now.Year() == val.Year():
		return val.Format("Jan 02")
	default:
		return val.Format("Jan 02, 2006")
	}
}
