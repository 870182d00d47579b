package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// POSTING TIMESTAMP - Date + time-of-day, the ordering key of a partition
// =============================================================================

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05.000000"
)

// Date returns UTC midnight of the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Clock returns a posting time-of-day offset.
func Clock(hour, minute, second int) time.Duration {
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second
}

// SplitTimestamp splits an instant into posting date and posting time.
// Precision is truncated to microseconds, the resolution the stores keep.
func SplitTimestamp(t time.Time) (time.Time, time.Duration) {
	t = t.UTC().Truncate(time.Microsecond)
	date := Date(t.Year(), t.Month(), t.Day())
	return date, t.Sub(date)
}

// ParsePosting parses "2006-01-02" and an optional "15:04[:05[.000000]]".
func ParsePosting(date, clock string) (time.Time, time.Duration, error) {
	d, err := time.ParseInLocation(DateLayout, date, time.UTC)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: posting date %q", ErrInvalidMovement, date)
	}
	if clock == "" {
		return d, 0, nil
	}
	for _, layout := range []string{"15:04:05.999999", "15:04:05", "15:04"} {
		if c, err := time.ParseInLocation(layout, clock, time.UTC); err == nil {
			return d, c.Sub(Date(c.Year(), c.Month(), c.Day())), nil
		}
	}
	return time.Time{}, 0, fmt.Errorf("%w: posting time %q", ErrInvalidMovement, clock)
}

// FormatPostingTime renders a time-of-day offset with TimeLayout.
func FormatPostingTime(d time.Duration) string {
	return time.Time{}.Add(d).Format(TimeLayout)
}

func validPostingTime(d time.Duration) bool {
	return d >= 0 && d < 24*time.Hour
}
