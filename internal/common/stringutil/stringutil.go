// Package stringutil holds the small string helpers shared by the services.
package stringutil

import "strings"

// TruncateString caps s at maxLen bytes. Log fields carrying user-provided
// text (actions, proposals) run through this so a single record stays
// readable.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeSpace lowercases s and collapses every whitespace run to one
// space, trimming the ends. Strings differing only in casing or spacing
// normalize to the same value, which is what snapshot dedup keys rely on.
func NormalizeSpace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
