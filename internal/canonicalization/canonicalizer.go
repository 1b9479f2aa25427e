package canonicalization

import (
	"crypto/md5" //nolint:gosec // fingerprint is an index hint, not a security boundary
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

const (
	// MaxTypeLabelLength bounds the stored error type label.
	MaxTypeLabelLength = 500
	// MaxMessageLength bounds the stored last message of a group.
	MaxMessageLength = 300
	// FingerprintLength is the length of a hex-encoded fingerprint.
	FingerprintLength = 32
)

// FingerprintFunc computes a group fingerprint from a type label and a normalized backtrace.
type FingerprintFunc func(typeLabel, normalizedBacktrace string) string

// Fingerprint returns the hex md5 digest of the type label bytes followed by the normalized backtrace bytes.
//
// The digest is a lookup hint, not an identity: two different normalized traces may collide,
// so callers must re-check normalized equality before merging.
//
// Examples:
//   - Fingerprint("KeyError", "") == md5("KeyError")
//   - Fingerprint("a", "bc") == Fingerprint("ab", "c") (no separator; identity checks cover this)
func Fingerprint(typeLabel, normalizedBacktrace string) string {
	hasher := md5.New() //nolint:gosec // see import
	hasher.Write([]byte(typeLabel))
	hasher.Write([]byte(normalizedBacktrace))

	return hex.EncodeToString(hasher.Sum(nil))
}

// CanonicalTypeLabel collapses newlines to spaces and truncates to MaxTypeLabelLength runes.
func CanonicalTypeLabel(typeLabel string) string {
	typeLabel = strings.ReplaceAll(typeLabel, "\r\n", " ")
	typeLabel = strings.ReplaceAll(typeLabel, "\n", " ")

	return truncateRunes(typeLabel, MaxTypeLabelLength)
}

// TruncateMessage bounds a message to MaxMessageLength runes.
func TruncateMessage(message string) string {
	return truncateRunes(message, MaxMessageLength)
}

// truncateRunes cuts s to at most limit runes without splitting a UTF-8 sequence.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}

		count++
	}

	return s
}
