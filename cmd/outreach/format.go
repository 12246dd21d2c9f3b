package main

import (
	"strings"
	"time"
	"unicode/utf8"
)

// formatTime renders an optional instant for tables, "-" when unset.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// truncate shortens s to n runes with a trailing ellipsis, flattening
// newlines so table rows stay on one line.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}

// orDash returns "-" for an empty string.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// yesNo renders a bool for humans.
func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
