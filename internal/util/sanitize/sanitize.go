package sanitize

import (
	"fmt"
	"strings"
	"unicode"
)

// Title sanitizes a short identifier (a lieutenant role, a swarm label)
// by removing control characters and limiting the length.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Tail returns the last n characters of s. If n <= 0 or s already fits,
// s is returned unchanged. Otherwise the returned string is prefixed
// with a truncation marker naming how many characters were dropped,
// matching the swarm wait/read summary format.
func Tail(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	dropped := len(runes) - n
	return fmt.Sprintf("[...%d chars truncated...]%s", dropped, string(runes[len(runes)-n:]))
}
