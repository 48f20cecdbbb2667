package common

import (
	"fmt"
	"time"
)

// Standard date format constants
const (
	// ISO8601Date is the date format used for collection filters, file naming
	// and API communication
	ISO8601Date = "2006-01-02"

	// DisplayDate is the human-readable format used in progress output
	DisplayDate = "Jan 02, 2006"
)

// ParseISO8601 parses a date string in ISO 8601 format (YYYY-MM-DD)
func ParseISO8601(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("date string is empty")
	}
	return time.Parse(ISO8601Date, dateStr)
}

// FormatISO8601 formats a time.Time to ISO 8601 date string (YYYY-MM-DD)
func FormatISO8601(t time.Time) string {
	return t.Format(ISO8601Date)
}

// FormatDisplay formats a time.Time to display format (Jan 02, 2006)
func FormatDisplay(t time.Time) string {
	return t.Format(DisplayDate)
}

// ValidateDateRange checks that both dates parse and start is before end
func ValidateDateRange(start, end string) error {
	s, err := ParseISO8601(start)
	if err != nil {
		return fmt.Errorf("invalid start date %q: %w", start, err)
	}
	e, err := ParseISO8601(end)
	if err != nil {
		return fmt.Errorf("invalid end date %q: %w", end, err)
	}
	if !s.Before(e) {
		return fmt.Errorf("start date %s must be before end date %s", start, end)
	}
	return nil
}

// EpochMillis converts a time to the millisecond timestamps used for
// system:time_start
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
