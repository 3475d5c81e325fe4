package rate

import (
	"fmt"
	"time"
)

// =============================================================================
// INSTANTS
// =============================================================================

// Precision is the resolution at which instants are stored and compared.
const Precision = time.Second

// DateLayout is the calendar-date form accepted by the HTTP and import layers.
const DateLayout = "2006-01-02"

// Normalize converts t to UTC at storage precision. Every instant entering
// the engine goes through here so that equality is stable across stores.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(Precision)
}

// Day returns midnight UTC of the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseInstant accepts a calendar date or an RFC3339 timestamp.
func ParseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid instant %q: want %s or RFC3339", s, DateLayout)
	}
	return Normalize(t), nil
}

// =============================================================================
// INTERVAL - Half-open [From, Until), nil Until = open-ended
// =============================================================================

type Interval struct {
	From  time.Time
	Until *time.Time
}

// Contains reports whether From <= t < Until.
func (i Interval) Contains(t time.Time) bool {
	if t.Before(i.From) {
		return false
	}
	return i.Until == nil || t.Before(*i.Until)
}

// Overlaps reports whether the two intervals share at least one instant.
func (i Interval) Overlaps(o Interval) bool {
	return i.endsAfter(o.From) && o.endsAfter(i.From)
}

// endsAfter reports whether the interval extends past t (Until > t).
func (i Interval) endsAfter(t time.Time) bool {
	return i.Until == nil || i.Until.After(t)
}

func (i Interval) String() string {
	if i.Until == nil {
		return fmt.Sprintf("[%s, open)", FormatInstant(i.From))
	}
	return fmt.Sprintf("[%s, %s)", FormatInstant(i.From), FormatInstant(*i.Until))
}

// FormatInstant prints midnight UTC as a calendar date, anything else as
// RFC3339.
func FormatInstant(t time.Time) string {
	t = t.UTC()
	if t.Equal(t.Truncate(24 * time.Hour)) {
		return t.Format(DateLayout)
	}
	return t.Format(time.RFC3339)
}
