package salesforce

import (
	"fmt"
	"time"
)

// sfTimeLayouts are the timestamp formats the platform emits. The REST
// API uses a zone offset without a colon, which RFC3339 rejects.
var sfTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
	time.RFC3339,
}

// ParseTime parses a platform timestamp string. Shape validation
// happens here, at the adapter boundary, so the core never reasons
// about timestamp formats.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range sfTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized platform timestamp %q", s)
}

// ParseTimePtr parses an optional timestamp; empty input yields nil.
func ParseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
