package render

import (
	"strings"
	"unicode"
)

// cleanseWhitespace replaces each whitespace character with a single space.
// Embedded newlines should already be removed by tor and onionoo, but the
// output must stay well formed even if they aren't.
func cleanseWhitespace(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		return r
	}, raw)
}

// cleanseUnprintable removes all unprintable characters. Contact and version
// strings can be arbitrary binary data.
func cleanseUnprintable(raw string) string {
	var builder strings.Builder
	for _, r := range raw {
		if unicode.IsPrint(r) {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

// removeBadChars removes each character in badChars from the string.
func removeBadChars(raw, badChars string) string {
	cleansed := raw
	for _, c := range badChars {
		cleansed = strings.ReplaceAll(cleansed, string(c), "")
	}
	return cleansed
}

// CleanseCComment makes an untrusted string safe to embed in a C multiline
// comment. Removing '*' and '/' entirely prevents the string from opening
// or closing a comment, and C nulls are removed as well.
func CleanseCComment(raw string) string {
	cleansed := cleanseWhitespace(raw)
	cleansed = cleanseUnprintable(cleansed)
	return removeBadChars(cleansed, "*/\x00")
}

// CleanseCString makes an untrusted string safe to embed in a C string
// literal. Removing '"' prevents the string from terminating the literal,
// and removing '\' prevents it from introducing escapes.
func CleanseCString(raw string) string {
	cleansed := cleanseWhitespace(raw)
	cleansed = cleanseUnprintable(cleansed)
	return removeBadChars(cleansed, "\"\\\x00")
}
