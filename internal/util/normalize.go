package util

import (
	"html"
	"net/url"
	"strings"
	"unicode/utf8"
)

// maxDecodePasses bounds repeated percent-decoding of nested encodings.
const maxDecodePasses = 3

// NormalizeForInspection undoes the encodings attackers use to slip payloads
// past pattern matching: nested percent-encoding, HTML entities and NUL bytes.
// The result is only meant for matching, never for rendering.
func NormalizeForInspection(s string) string {
	out := s
	for i := 0; i < maxDecodePasses; i++ {
		decoded, err := url.QueryUnescape(out)
		if err != nil || decoded == out {
			break
		}
		out = decoded
	}
	out = html.UnescapeString(out)
	out = strings.ReplaceAll(out, "\x00", "%00")
	return strings.TrimSpace(out)
}

// Truncate shortens s to at most n bytes for logs and event payloads,
// never splitting a multi-byte rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 0 {
		n = 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
