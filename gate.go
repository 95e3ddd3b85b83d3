// gate.go: Privileged access gate for reading historical log data
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/goccy/go-json"
)

// Writing to the log requires no privilege; reading it back does. Every
// read operation passes through the gate, and every decision, grant or
// denial, is itself logged.
var (
	// ErrUnauthenticated is returned when no authenticated identity is
	// presented to a read operation.
	ErrUnauthenticated = errors.New("log access requires an authenticated identity")
	// ErrUnauthorized is returned when the identity is authenticated but
	// lacks the super-admin privilege.
	ErrUnauthorized = errors.New("log access requires super-admin privilege")
)

// Identity is the caller presented to every gated read operation. The
// gate trusts the caller's authentication layer to fill it truthfully;
// its job is the decision and the audit trail, not credential checking.
type Identity struct {
	Authenticated bool
	SuperAdmin    bool
	Name          string
}

// Download formats.
const (
	FormatRaw  = "raw"
	FormatJSON = "json"
)

// DownloadEntry is one parsed record in a JSON-format download.
type DownloadEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Sensitive value masking. Both patterns re-match their own output, so
// masking already-masked text is a no-op.
var (
	reSensitiveKV = regexp.MustCompile(`(?i)\b(password|passwd|token|secret|api_key|apikey|session_id|sessionid|authorization)\b\s*[=:]\s*[^\s,;|]+`)
	reCardNumber  = regexp.MustCompile(`\b\d(?:[ -]?\d){12,15}\b`)
)

// maskSensitive replaces credential-bearing key=value pairs and
// card-number-shaped digit runs before any log content leaves the gate.
func maskSensitive(line string) string {
	line = reSensitiveKV.ReplaceAllString(line, "$1=****")
	line = reCardNumber.ReplaceAllString(line, "****")
	return line
}

// Gate mediates every read of historical log data: search, statistics,
// downloads and recurring-error reports. Obtain one from Pipeline.Gate.
type Gate struct {
	p *Pipeline
}

// authorize makes the access decision and writes exactly one audit record
// per attempt, denial or grant alike.
func (g *Gate) authorize(id Identity, action string) error {
	switch {
	case !id.Authenticated:
		g.p.Log(Warning, "log access denied",
			F("audit", "deny_unauthenticated"),
			F("action", action),
		)
		return ErrUnauthenticated

	case !id.SuperAdmin:
		g.p.Log(Warning, "log access denied",
			F("audit", "deny_unauthorized"),
			F("action", action),
			F("user", id.Name),
		)
		return ErrUnauthorized

	default:
		g.p.Log(Info, "log access granted",
			F("audit", "grant"),
			F("action", action),
			F("user", id.Name),
		)
		return nil
	}
}

// Search runs a gated search. Matched lines and their context are masked
// before they leave the gate.
func (g *Gate) Search(ctx context.Context, id Identity, criteria SearchCriteria) ([]SearchMatch, error) {
	if err := g.authorize(id, "search"); err != nil {
		return nil, err
	}

	matches, err := g.p.index.Search(ctx, criteria)
	if err != nil {
		return nil, err
	}

	// The result slice may come from the index's query cache and be shared
	// with concurrent searches: mask into fresh slices, never through the
	// shared backing arrays.
	masked := make([]SearchMatch, len(matches))
	for i, m := range matches {
		m.Line = maskSensitive(m.Line)
		if len(m.Before) > 0 {
			before := make([]string, len(m.Before))
			for j, line := range m.Before {
				before[j] = maskSensitive(line)
			}
			m.Before = before
		}
		if len(m.After) > 0 {
			after := make([]string, len(m.After))
			for j, line := range m.After {
				after[j] = maskSensitive(line)
			}
			m.After = after
		}
		masked[i] = m
	}
	return masked, nil
}

// RecurringErrors returns the gated aggregated error report.
func (g *Gate) RecurringErrors(ctx context.Context, id Identity, since time.Time, limit int) ([]RecurringError, error) {
	if err := g.authorize(id, "recurring_errors"); err != nil {
		return nil, err
	}

	errs, err := g.p.index.RecurringErrors(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	for i := range errs {
		errs[i].Pattern = maskSensitive(errs[i].Pattern)
		errs[i].Sample = maskSensitive(errs[i].Sample)
	}
	return errs, nil
}

// Stats returns pipeline telemetry. Counters carry no log content, but
// the operation is gated and audited like any other read.
func (g *Gate) Stats(id Identity) (Stats, error) {
	if err := g.authorize(id, "stats"); err != nil {
		return Stats{}, err
	}
	return g.p.stats(), nil
}

// Download streams one day's records to w, masked, in raw line format or
// as a JSON array of parsed entries.
func (g *Gate) Download(ctx context.Context, id Identity, day time.Time, level, format string, w io.Writer) error {
	if err := g.authorize(id, "download"); err != nil {
		return err
	}

	switch format {
	case FormatRaw, FormatJSON:
	default:
		return fmt.Errorf("unknown download format %q", format)
	}

	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	matches, err := g.p.index.Search(ctx, SearchCriteria{
		Level:    level,
		DateFrom: from,
		DateTo:   from.Add(24*time.Hour - time.Second),
		Limit:    maxSearchLimit,
	})
	if err != nil {
		return err
	}

	if format == FormatRaw {
		for _, m := range matches {
			if _, err := io.WriteString(w, maskSensitive(m.Line)+"\n"); err != nil {
				return err
			}
		}
		return nil
	}

	entries := make([]DownloadEntry, 0, len(matches))
	for _, m := range matches {
		masked := maskSensitive(m.Line)
		message := masked
		if parsed, ok := parseLine(masked); ok {
			message = parsed.rest
		}
		entries = append(entries, DownloadEntry{
			Timestamp: m.Timestamp,
			Level:     m.Level,
			Message:   message,
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}
