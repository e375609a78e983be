// Package attrs reads values back out of slog-style key/value slices.
package attrs

import "fmt"

// String returns the value logged under key. Strings and fmt.Stringer values
// (typed IDs) are returned as text; anything else, or a missing key, yields "".
// A later occurrence of key wins, matching how slog handlers render duplicates.
func String(pairs []any, key string) string {
	var out string
	for i := 0; i+1 < len(pairs); i += 2 {
		if k, ok := pairs[i].(string); !ok || k != key {
			continue
		}
		switch v := pairs[i+1].(type) {
		case string:
			out = v
		case fmt.Stringer:
			out = v.String()
		default:
			out = ""
		}
	}
	return out
}
