package gcal

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
)

// MirrorDateTime rebuilds an event time for a downstream write while
// preserving the source's timezone semantics:
//
//   - all-day dates pass through as dates
//   - a named IANA zone passes through
//   - a trailing Z is marked UTC explicitly
//   - a bare numeric offset keeps the offset and omits the zone field,
//     so the server honors the embedded offset
//
// Getting this wrong makes recurrence expansion drift around DST
// transitions.
func MirrorDateTime(src *calendar.EventDateTime) *calendar.EventDateTime {
	if src == nil {
		return nil
	}

	if src.Date != "" {
		return &calendar.EventDateTime{Date: src.Date}
	}

	out := &calendar.EventDateTime{DateTime: src.DateTime}
	switch {
	case src.TimeZone != "":
		out.TimeZone = src.TimeZone
	case strings.HasSuffix(src.DateTime, "Z"):
		out.TimeZone = "UTC"
	default:
		// Numeric offset only: leave TimeZone empty.
	}
	return out
}

// IsAllDay reports whether an event time is a date-only value.
func IsAllDay(dt *calendar.EventDateTime) bool {
	return dt != nil && dt.Date != ""
}

// ParseEventTime resolves an event time to an instant. All-day dates are
// taken at midnight UTC.
func ParseEventTime(dt *calendar.EventDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, fmt.Errorf("event time is empty")
	}
	if dt.Date != "" {
		t, err := time.Parse("2006-01-02", dt.Date)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse all-day date %q: %w", dt.Date, err)
		}
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse datetime %q: %w", dt.DateTime, err)
	}
	if dt.TimeZone != "" {
		if loc, locErr := time.LoadLocation(dt.TimeZone); locErr == nil {
			t = t.In(loc)
		}
	}
	return t, nil
}

// InstanceID derives the id of one occurrence of a recurring series from
// the parent id and the occurrence's original start time. All-day
// originals yield P_YYYYMMDD; timed originals yield P_YYYYMMDDThhmmssZ
// with the time converted to UTC.
func InstanceID(parentID string, originalStart *calendar.EventDateTime) (string, error) {
	if originalStart == nil {
		return "", fmt.Errorf("original start time is empty")
	}

	if originalStart.Date != "" {
		t, err := time.Parse("2006-01-02", originalStart.Date)
		if err != nil {
			return "", fmt.Errorf("parse original start date %q: %w", originalStart.Date, err)
		}
		return fmt.Sprintf("%s_%s", parentID, t.Format("20060102")), nil
	}

	t, err := time.Parse(time.RFC3339, originalStart.DateTime)
	if err != nil {
		return "", fmt.Errorf("parse original start %q: %w", originalStart.DateTime, err)
	}
	return fmt.Sprintf("%s_%s", parentID, t.UTC().Format("20060102T150405Z")), nil
}
