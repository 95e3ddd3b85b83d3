// fingerprint.go: Message normalization and event fingerprinting
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Normalization replaces the variable substrings of a message with fixed
// placeholders so that structurally identical events collapse to one
// fingerprint regardless of the specific values involved.
//
// Replacement order matters: timestamps and URLs are matched before their
// numeric and path fragments would be, so a URL does not decay into a
// mix of <n> and <path> placeholders.
var (
	reTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	reURL       = regexp.MustCompile(`https?://[^\s"'<>]+`)
	reIPv4      = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`)
	reFilePath  = regexp.MustCompile(`(?:^|[\s"'(=])(?:[A-Za-z]:)?(?:[\\/][\w.~-]+){2,}`)
	reHexToken  = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	reNumber    = regexp.MustCompile(`\b\d{2,}\b`)
	reSpaces    = regexp.MustCompile(`\s+`)
)

// normalizeMessage strips variable substrings from a raw message.
// The empty string normalizes to itself so every record stays hashable.
func normalizeMessage(msg string) string {
	if msg == "" {
		return ""
	}

	s := reTimestamp.ReplaceAllString(msg, "<ts>")
	s = reURL.ReplaceAllString(s, "<url>")
	s = reIPv4.ReplaceAllString(s, "<ip>")
	s = reFilePath.ReplaceAllStringFunc(s, func(m string) string {
		// The leading separator captured by the pattern is not part of
		// the path and must survive normalization.
		if m != "" && m[0] != '/' && m[0] != '\\' {
			return string(m[0]) + "<path>"
		}
		return "<path>"
	})
	s = reHexToken.ReplaceAllString(s, "<hex>")
	s = reNumber.ReplaceAllString(s, "<n>")
	s = reSpaces.ReplaceAllString(s, " ")

	return strings.ToLower(strings.TrimSpace(s))
}

// contextShape reduces the context to its structural shape: ordered key
// names plus value type and emptiness. Values never participate, so two
// records with the same keys and value types share a shape no matter what
// the values are - and un-hashable values can never poison the fingerprint.
func contextShape(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(';')
		}
		kind, empty := valueKind(f.Value)
		b.WriteString(f.Key)
		b.WriteByte(':')
		b.WriteString(kind)
		if empty {
			b.WriteString(":empty")
		}
	}
	return b.String()
}

// fingerprintRecord computes the stable 64-bit digest identifying "the
// same recurring event": severity + normalized message + context shape.
// Recomputed on every call, never persisted beyond the dedup tables.
func fingerprintRecord(sev Severity, message string, fields []Field) uint64 {
	d := xxhash.New()
	_, _ = d.Write([]byte{byte(sev)})
	_, _ = d.WriteString(normalizeMessage(message))
	_, _ = d.WriteString("\x1f")
	_, _ = d.WriteString(contextShape(fields))
	return d.Sum64()
}
