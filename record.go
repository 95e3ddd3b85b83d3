// record.go: Log record model, severities and bounded context handling
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Severity identifies the urgency of a log record, in increasing order.
type Severity int8

const (
	// Debug is diagnostic output for development.
	Debug Severity = iota
	// Info is routine operational output.
	Info
	// Warning indicates a recoverable anomaly.
	Warning
	// Error indicates a failed operation.
	Error
	// Critical indicates a failure that must reach durable storage
	// immediately. Critical records bypass both buffering and deduplication.
	Critical
)

// severityNames is the wire representation used in formatted lines.
// The SearchIndex parses these exact tokens, do not reformat.
var severityNames = [...]string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// String returns the upper-case level token used in formatted lines.
func (s Severity) String() string {
	if s < Debug || s > Critical {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// ParseSeverity converts a level token (case-insensitive) into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return Debug, nil
	case "INFO":
		return Info, nil
	case "WARNING", "WARN":
		return Warning, nil
	case "ERROR":
		return Error, nil
	case "CRITICAL", "FATAL":
		return Critical, nil
	default:
		return Info, fmt.Errorf("unknown severity %q", s)
	}
}

// Context bounds. Oversized context is truncated, never rejected: the log
// call surface must not fail for any input.
const (
	maxContextFields = 64
	maxValueBytes    = 2048
)

// Field is one ordered key/value pair of structured log context.
type Field struct {
	Key   string
	Value interface{}
}

// F constructs a context Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Summarizer is the capability contract for structured expansion in log
// context. Only types implementing it are expanded field by field; any
// other non-scalar value is logged as a type tag. This replaces runtime
// reflection with an explicit, bounded serialization contract.
type Summarizer interface {
	LogSummary() map[string]string
}

// LogRecord is one emitted event. Records are immutable once constructed
// and never stored beyond the pipeline except as a formatted line.
type LogRecord struct {
	Severity  Severity
	Message   string
	Context   []Field
	Timestamp time.Time
	RequestID string
}

// valueKind classifies a context value for fingerprinting purposes.
// Only the type and emptiness participate, never the raw value, so the
// fingerprint never depends on un-hashable content.
func valueKind(v interface{}) (kind string, empty bool) {
	switch t := v.(type) {
	case nil:
		return "nil", true
	case string:
		return "string", t == ""
	case bool:
		return "bool", false
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int", false
	case float32, float64:
		return "float", false
	case time.Duration:
		return "duration", false
	case time.Time:
		return "time", t.IsZero()
	case error:
		return "error", t == nil
	case Summarizer:
		return "summary", false
	case []byte:
		return "bytes", len(t) == 0
	default:
		return fmt.Sprintf("%T", v), false
	}
}

// renderValue converts a context value to its logged string form.
// Scalars render directly, Summarizer types expand one level deep with
// sorted keys, everything else renders as a type tag. Output is truncated
// to maxValueBytes.
func renderValue(v interface{}) string {
	var out string
	switch t := v.(type) {
	case nil:
		out = "<nil>"
	case string:
		out = t
	case bool:
		out = strconv.FormatBool(t)
	case int:
		out = strconv.Itoa(t)
	case int64:
		out = strconv.FormatInt(t, 10)
	case uint64:
		out = strconv.FormatUint(t, 10)
	case float64:
		out = strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		out = strconv.FormatFloat(float64(t), 'g', -1, 32)
	case time.Duration:
		out = t.String()
	case time.Time:
		out = t.Format(time.RFC3339)
	case error:
		if t == nil {
			out = "<nil>"
		} else {
			out = t.Error()
		}
	case Summarizer:
		out = renderSummary(t)
	case []byte:
		out = fmt.Sprintf("<bytes:%d>", len(t))
	case fmt.Stringer:
		out = t.String()
	default:
		// Opaque value: type tag only, no structural expansion
		out = fmt.Sprintf("<%T>", v)
	}

	if len(out) > maxValueBytes {
		out = out[:maxValueBytes] + "..."
	}
	return out
}

// renderSummary flattens a Summarizer expansion with deterministic key order.
func renderSummary(s Summarizer) string {
	m := s.LogSummary()
	if len(m) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	b.WriteByte('}')
	return b.String()
}

// sanitizeContext bounds the context to maxContextFields and drops fields
// with empty keys. The slice is copied so the record stays immutable even
// if the caller reuses its fields slice.
func sanitizeContext(fields []Field) []Field {
	if len(fields) == 0 {
		return nil
	}
	n := len(fields)
	if n > maxContextFields {
		n = maxContextFields
	}
	out := make([]Field, 0, n)
	for _, f := range fields[:n] {
		if f.Key == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

// lineTimeFormat is the datetime layout of the sink's line format.
// The SearchIndex parses this exact shape; any change breaks the
// Sink -> SearchIndex contract.
const lineTimeFormat = "2006-01-02 15:04:05"

// formatLine renders the record in the sink's line format:
//
//	"2006-01-02 15:04:05 - LEVEL: message | key=value key=value"
//
// The context tail is part of the message section as far as the indexer is
// concerned; it tokenizes the whole line.
func (r *LogRecord) formatLine() string {
	var b strings.Builder
	b.Grow(64 + len(r.Message))
	b.WriteString(r.Timestamp.Format(lineTimeFormat))
	b.WriteString(" - ")
	b.WriteString(r.Severity.String())
	b.WriteString(": ")
	b.WriteString(sanitizeMessage(r.Message))

	if len(r.Context) > 0 || r.RequestID != "" {
		b.WriteString(" |")
		if r.RequestID != "" {
			b.WriteString(" request_id=")
			b.WriteString(r.RequestID)
		}
		for _, f := range r.Context {
			b.WriteByte(' ')
			b.WriteString(f.Key)
			b.WriteByte('=')
			b.WriteString(sanitizeMessage(renderValue(f.Value)))
		}
	}
	return b.String()
}

// sanitizeMessage keeps records one line per event: embedded newlines would
// corrupt the sink format the indexer depends on.
func sanitizeMessage(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
