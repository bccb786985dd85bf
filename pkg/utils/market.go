package utils

import (
	"time"
)

var fixedZones = map[string]*time.Location{
	"Asia/Seoul":   time.FixedZone("KST", 9*60*60),
	"Asia/Kolkata": time.FixedZone("IST", 5*60*60+30*60),
}

// LoadLocation loads a market time zone. Hosts without tzdata fall back to a
// fixed offset for the known market zones, and to UTC otherwise.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc
	}
	if fixed, ok := fixedZones[name]; ok {
		return fixed
	}
	return time.UTC
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	y1, m1, d1 := a.In(loc).Date()
	y2, m2, d2 := b.In(loc).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
