package meter

import (
	"fmt"
	"time"
)

// =============================================================================
// STAMP - The combined (reading_date, reading_time) ordering key
// =============================================================================

// Stamp is a reading's position on the cycle timeline. Readings carry a date
// and an HH:MM time as two separate fields on the wire and in storage, but
// every comparison goes through this single minute-resolution key so the
// ordering algorithm is well-defined regardless of representation.
type Stamp struct {
	Time time.Time
}

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
	// stampLayout is used in human-readable validation messages.
	stampLayout = "Jan 02, 2006 15:04"
)

// NewStamp builds a stamp from calendar components, minute resolution, UTC.
func NewStamp(year int, month time.Month, day, hour, min int) Stamp {
	return Stamp{Time: time.Date(year, month, day, hour, min, 0, 0, time.UTC)}
}

// ParseStamp combines a YYYY-MM-DD date and an HH:MM clock into one stamp.
func ParseStamp(date, clock string) (Stamp, error) {
	t, err := time.Parse(dateLayout+" "+clockLayout, date+" "+clock)
	if err != nil {
		return Stamp{}, fmt.Errorf("invalid reading date/time %q %q: %w", date, clock, err)
	}
	return Stamp{Time: t}, nil
}

// ParseDate parses a bare YYYY-MM-DD date (cycle start/end dates).
func ParseDate(date string) (time.Time, error) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return t, nil
}

// Today returns the current date, midnight UTC.
func Today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Comparison
func (s Stamp) Before(other Stamp) bool { return s.Time.Before(other.Time) }
func (s Stamp) After(other Stamp) bool  { return s.Time.After(other.Time) }
func (s Stamp) Equal(other Stamp) bool  { return s.Time.Equal(other.Time) }
func (s Stamp) IsZero() bool            { return s.Time.IsZero() }

// Components
func (s Stamp) DateString() string  { return s.Time.Format(dateLayout) }
func (s Stamp) ClockString() string { return s.Time.Format(clockLayout) }

// Date returns the stamp's date component, midnight UTC.
func (s Stamp) Date() time.Time {
	return time.Date(s.Time.Year(), s.Time.Month(), s.Time.Day(), 0, 0, 0, 0, time.UTC)
}

func (s Stamp) String() string { return s.Time.Format(stampLayout) }
