package stores

import (
	"encoding/json"
	"time"

	"github.com/oarkflow/date"
)

// timestamps are written as fixed-width UTC text so they sort and compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return date.Parse(s)
}

// scanTime accepts whatever the driver returned for a timestamp column.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// rowIterator is the part of a query result the stores read from.
type rowIterator interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// eachRow calls fn once per row. An error that ended iteration early is
// returned, so a truncated result is never mistaken for a complete one.
func eachRow(r rowIterator, fn func() error) error {
	for r.Next() {
		if err := fn(); err != nil {
			return err
		}
	}
	return r.Err()
}
