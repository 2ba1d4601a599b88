// Package stringutil provides small string helpers shared across packages.
package stringutil

import "unicode/utf8"

// TruncateString caps s at maxLen bytes without splitting a UTF-8 rune.
// Upstream response bodies are arbitrary bytes, so the cut backs up to the
// nearest rune boundary rather than emitting a broken sequence.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TruncateStringWithEllipsis caps s at maxLen bytes, marking the cut with
// a trailing "...". Strings already within the limit come back unchanged.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	return TruncateString(s, maxLen-3) + "..."
}
