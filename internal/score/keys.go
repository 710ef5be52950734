package score

import (
	"fmt"
	"strings"
)

// ComposeAggregateScoreKey joins name, source and data type with "-". The
// name escapes "\" and "-" so the key is unambiguous; source and data type
// never contain "-".
func ComposeAggregateScoreKey(name string, source Source, dataType DataType) string {
	escaped := strings.NewReplacer(`\`, `\\`, `-`, `\-`).Replace(name)
	return escaped + "-" + string(source) + "-" + string(dataType)
}

// ParseAggregateScoreKey inverts ComposeAggregateScoreKey.
func ParseAggregateScoreKey(key string) (string, Source, DataType, error) {
	var (
		name    strings.Builder
		parts   []string
		escaped bool
	)
	for _, r := range key {
		switch {
		case escaped:
			if r != '\\' && r != '-' {
				return "", "", "", fmt.Errorf("score key %q: invalid escape \\%c", key, r)
			}
			name.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '-':
			parts = append(parts, name.String())
			name.Reset()
		default:
			name.WriteRune(r)
		}
	}
	if escaped {
		return "", "", "", fmt.Errorf("score key %q: trailing escape", key)
	}
	parts = append(parts, name.String())
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("score key %q: want 3 parts, got %d", key, len(parts))
	}

	source, dataType := Source(parts[1]), DataType(parts[2])
	if !source.Valid() {
		return "", "", "", fmt.Errorf("score key %q: unknown source %q", key, parts[1])
	}
	if !dataType.Valid() {
		return "", "", "", fmt.Errorf("score key %q: unknown data type %q", key, parts[2])
	}
	return parts[0], source, dataType, nil
}

// KeyAndProps is one distinct (name, source, data type) group.
type KeyAndProps struct {
	Key      string   `json:"key"`
	Name     string   `json:"name"`
	Source   Source   `json:"source"`
	DataType DataType `json:"dataType"`
}
