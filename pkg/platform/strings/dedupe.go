// Package strings provides string manipulation utilities.
package strings

import (
	"strings"
)

// Dedupe normalizes every value with fn, then drops empties and repeats.
// Order of first occurrence is preserved.
func Dedupe(values []string, fn func(string) string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		n := fn(v)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// DedupeAndTrim trims whitespace before deduplicating.
func DedupeAndTrim(values []string) []string {
	return Dedupe(values, strings.TrimSpace)
}

// DedupeUpper trims and upper-cases before deduplicating, for event type
// names that are matched case-insensitively.
func DedupeUpper(values []string) []string {
	return Dedupe(values, func(s string) string {
		return strings.ToUpper(strings.TrimSpace(s))
	})
}
