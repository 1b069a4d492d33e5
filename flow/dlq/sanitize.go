package dlq

import (
	"fmt"
	"unicode/utf8"
)

// sensitiveKeys are removed from dead-lettered context before
// persistence. Matching is exact on the key name at every nesting
// level.
var sensitiveKeys = map[string]bool{
	"password":    true,
	"card_number": true,
	"cvv":         true,
	"pin":         true,
	"secret":      true,
}

// maxValueLen bounds persisted string values; longer ones are truncated
// with a marker.
const maxValueLen = 1000

const truncationMarker = "... (truncated)"

// Sanitize returns a copy of ctx with sensitive keys removed and
// oversized string values truncated. Nested maps and slices are
// sanitized recursively; the input is never mutated.
func Sanitize(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if sensitiveKeys[k] {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Sanitize(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case string:
		return truncate(val)
	case error:
		return truncate(val.Error())
	case fmt.Stringer:
		return truncate(val.String())
	default:
		return v
	}
}

func truncate(s string) string {
	if len(s) <= maxValueLen {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := maxValueLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
