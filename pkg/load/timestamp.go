package load

import (
	"strings"
	"time"
)

// timestampLayouts covers the shapes Zoho and ISO 8601 writers produce.
// Fractional seconds are accepted by time.Parse without a layout entry.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05-07",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05-07",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a timestamp with a Z, +hh:mm, +hhmm or +hh offset,
// a T or space separator, and optional fractional seconds. Values without
// an offset are taken as UTC. The result is in UTC.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// timestampField parses payload[key] when it is a string.
func timestampField(payload map[string]any, key string) *time.Time {
	s, ok := payload[key].(string)
	if !ok {
		return nil
	}
	t, ok := ParseTimestamp(s)
	if !ok {
		return nil
	}
	return &t
}

// dateField parses a YYYY-MM-DD field.
func dateField(payload map[string]any, key string) *time.Time {
	s, ok := payload[key].(string)
	if !ok {
		return nil
	}
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &t
}
