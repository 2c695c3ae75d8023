// Package utils holds small parsing helpers shared by the ops API and the
// CLI.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or not a
// number.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParseLimit reads a list limit. Empty or malformed input yields def, values
// above max are clamped to max, and ok is false for zero or negative input.
func ParseLimit(s string, def, max int) (limit int, ok bool) {
	n := AtoiDefault(s, def)
	if n <= 0 {
		return 0, false
	}
	if max > 0 && n > max {
		n = max
	}
	return n, true
}
