package models

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Day is the numbering bucket of a location's queue: the calendar date at
// location-local midnight. Counters reset when the Day changes.
type Day string

// DayOf returns the Day containing t in the given zone. A nil zone means UTC.
func DayOf(t time.Time, zone *time.Location) Day {
	if zone == nil {
		zone = time.UTC
	}
	return Day(t.In(zone).Format(dayLayout))
}

func ParseDay(raw string) (Day, error) {
	if _, err := time.Parse(dayLayout, raw); err != nil {
		return "", fmt.Errorf("invalid day %q: %w", raw, err)
	}
	return Day(raw), nil
}

func (d Day) String() string {
	return string(d)
}

// Start returns local midnight of d in zone.
func (d Day) Start(zone *time.Location) (time.Time, error) {
	if zone == nil {
		zone = time.UTC
	}
	return time.ParseInLocation(dayLayout, string(d), zone)
}
