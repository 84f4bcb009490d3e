package hours

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

var localLocation *time.Location = time.Local

// SetTimezone sets the zone used for contract anniversaries, midnight
// fixed costs and the daylight fallback.
func SetTimezone(timezone string) error {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return fmt.Errorf("failed to load timezone %s: %v", timezone, err)
	}
	localLocation = loc
	return nil
}

func Location() *time.Location {
	return localLocation
}

func Local(t time.Time) time.Time {
	return t.In(localLocation)
}

// ParseDate parses a YYYY-MM-DD date at local midnight.
func ParseDate(str string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, str, localLocation)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", str, err)
	}
	return t, nil
}

func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// Midnight returns the start of the local day containing t.
func Midnight(t time.Time) time.Time {
	l := Local(t)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, localLocation)
}
