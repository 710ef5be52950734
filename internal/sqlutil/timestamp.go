package sqlutil

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

const sqliteTimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t as fixed-width UTC text.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(sqliteTimestampLayout)
}

// ParseTimestamp accepts the layouts SQLite and its drivers produce.
func ParseTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format %q", raw)
}

// NullTime scans timestamps from either backend: time.Time from pgx, text
// from SQLite.
type NullTime struct {
	Time  time.Time
	Valid bool
}

func (n *NullTime) Scan(src any) error {
	switch value := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = value.UTC(), true
		return nil
	case string:
		return n.parse(value)
	case []byte:
		return n.parse(string(value))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (n *NullTime) parse(raw string) error {
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	n.Time, n.Valid = parsed, !parsed.IsZero()
	return nil
}

func (n NullTime) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Time, nil
}
