// dedup.go: Content-addressed deduplication with sliding time windows
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// Suppressed repeats still surface liveness: a compact line is emitted at
// every sampleEvery-th occurrence and at the max-occurrences boundary.
const (
	dedupSampleEvery       = 10
	defaultSummaryInterval = 1 * time.Hour
	defaultMaxTracked      = 4096
	dedupJanitorInterval   = 1 * time.Minute
	rollupTopEvents        = 5
)

// dedupPolicy is the per-severity deduplication policy.
type dedupPolicy struct {
	enabled        bool
	window         time.Duration
	maxOccurrences int
}

// defaultPolicies returns the per-severity policy set. Critical is never
// deduplicated: every critical event passes through.
func defaultPolicies() [5]dedupPolicy {
	return [5]dedupPolicy{
		Debug:    {enabled: true, window: 5 * time.Minute, maxOccurrences: 100},
		Info:     {enabled: true, window: 5 * time.Minute, maxOccurrences: 100},
		Warning:  {enabled: true, window: 10 * time.Minute, maxOccurrences: 50},
		Error:    {enabled: true, window: 10 * time.Minute, maxOccurrences: 50},
		Critical: {enabled: false},
	}
}

// dedupEntry tracks one fingerprint. Entries are created on first
// occurrence within a tracking epoch, mutated on every matching call and
// evicted when idle longer than twice the severity's window or when the
// table would exceed its bound (oldest-idle first).
type dedupEntry struct {
	fingerprint      uint64
	severity         Severity
	firstSeen        time.Time
	lastSeen         time.Time
	count            int    // occurrences within the current window
	periodSuppressed int    // suppressed occurrences since the last rollup
	sample           string // original message of the first suppressed occurrence
}

// deduplicator intercepts records before they reach the buffer. Repeats of
// a fingerprint within the severity's window are suppressed in favor of
// periodic compact samples plus an aggregated rollup every summary period.
type deduplicator struct {
	mu         sync.Mutex
	policies   [5]dedupPolicy
	entries    map[uint64]*dedupEntry
	maxTracked int

	summaryInterval time.Duration
	periodStart     time.Time

	// emit forwards a record to the next stage (format + buffer). Rollup
	// records emitted by the deduplicator itself also travel through it.
	emit func(rec *LogRecord)

	timeCache *timecache.TimeCache

	suppressedTotal atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDeduplicator(emit func(*LogRecord), tc *timecache.TimeCache) *deduplicator {
	ctx, cancel := context.WithCancel(context.Background())

	d := &deduplicator{
		policies:        defaultPolicies(),
		entries:         make(map[uint64]*dedupEntry),
		maxTracked:      defaultMaxTracked,
		summaryInterval: defaultSummaryInterval,
		periodStart:     time.Now(),
		emit:            emit,
		timeCache:       tc,
		ctx:             ctx,
		cancel:          cancel,
	}

	d.wg.Add(1)
	go d.janitor()

	return d
}

func (d *deduplicator) now() time.Time {
	if d.timeCache != nil {
		return d.timeCache.CachedTime()
	}
	return time.Now()
}

// setEnabled toggles deduplication for every severity except critical,
// which stays pass-through no matter what the configuration says.
func (d *deduplicator) setEnabled(enabled bool) {
	d.mu.Lock()
	for sev := Debug; sev < Critical; sev++ {
		d.policies[sev].enabled = enabled
	}
	d.mu.Unlock()
}

// setWindow retunes one severity's window, clamped to bounds.
func (d *deduplicator) setWindow(sev Severity, window time.Duration) {
	if sev < Debug || sev >= Critical {
		return
	}
	d.mu.Lock()
	d.policies[sev].window = clampDuration(window, minDedupWindow, maxDedupWindow)
	d.mu.Unlock()
}

// process runs one record through the suppression state machine:
//
//	unseen -> first-seen (emit full record)
//	       -> repeating (suppress, count; compact sample every 10th and at
//	          the max-occurrences boundary)
//	       -> window expired -> first-seen again
func (d *deduplicator) process(rec *LogRecord) {
	// Policies are retuned at runtime (setEnabled, setWindow), so the
	// snapshot is taken under the lock. A record racing a retune is judged
	// consistently under the policy it snapshotted.
	d.mu.Lock()
	policy := d.policies[rec.Severity]
	d.mu.Unlock()

	if !policy.enabled || rec.Severity == Critical {
		d.emit(rec)
		d.maybeRollup()
		return
	}

	fp := fingerprintRecord(rec.Severity, rec.Message, rec.Context)
	now := d.now()

	var (
		pass    bool
		compact int
	)

	d.mu.Lock()
	entry, exists := d.entries[fp]
	switch {
	case !exists:
		if len(d.entries) >= d.maxTracked {
			d.evictOldestLocked(len(d.entries) - d.maxTracked + 1)
		}
		d.entries[fp] = &dedupEntry{
			fingerprint: fp,
			severity:    rec.Severity,
			firstSeen:   now,
			lastSeen:    now,
			count:       1,
		}
		pass = true

	case now.Sub(entry.lastSeen) > policy.window:
		// Window expired: behaves as first-seen again
		entry.firstSeen = now
		entry.lastSeen = now
		entry.count = 1
		pass = true

	default:
		entry.count++
		entry.lastSeen = now
		entry.periodSuppressed++
		if entry.sample == "" {
			entry.sample = rec.Message
		}
		d.suppressedTotal.Add(1)
		if entry.count%dedupSampleEvery == 0 || entry.count == policy.maxOccurrences {
			compact = entry.count
		}
	}
	d.mu.Unlock()

	if pass {
		d.emit(rec)
	} else if compact > 0 {
		d.emit(&LogRecord{
			Severity:  rec.Severity,
			Message:   fmt.Sprintf("%s (occurred %d times)", rec.Message, compact),
			Context:   []Field{F("deduplicated", true)},
			Timestamp: rec.Timestamp,
			RequestID: rec.RequestID,
		})
	}

	d.maybeRollup()
}

// evictOldestLocked removes the n entries with the oldest lastSeen.
// Caller holds d.mu.
func (d *deduplicator) evictOldestLocked(n int) {
	if n <= 0 {
		return
	}
	type idleEntry struct {
		fp       uint64
		lastSeen time.Time
	}
	items := make([]idleEntry, 0, len(d.entries))
	for fp, e := range d.entries {
		items = append(items, idleEntry{fp: fp, lastSeen: e.lastSeen})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].lastSeen.Before(items[j].lastSeen) })
	if n > len(items) {
		n = len(items)
	}
	for i := 0; i < n; i++ {
		delete(d.entries, items[i].fp)
	}
}

// maybeRollup emits the aggregated suppression report when the summary
// period has elapsed. Checked on the call path and by the janitor so an
// idle process still reports.
func (d *deduplicator) maybeRollup() {
	d.mu.Lock()
	now := d.now()
	if now.Sub(d.periodStart) < d.summaryInterval {
		d.mu.Unlock()
		return
	}
	d.periodStart = now

	type suppressedEvent struct {
		severity Severity
		count    int
		sample   string
	}

	perSeverity := make(map[Severity][]suppressedEvent)
	var totalTypes, totalOccurrences int
	for _, e := range d.entries {
		if e.periodSuppressed == 0 {
			continue
		}
		perSeverity[e.severity] = append(perSeverity[e.severity], suppressedEvent{
			severity: e.severity,
			count:    e.periodSuppressed,
			sample:   e.sample,
		})
		totalTypes++
		totalOccurrences += e.periodSuppressed
		// Clear suppression tracking for the next period; the entry itself
		// persists and is garbage-collected separately when idle.
		e.periodSuppressed = 0
		e.sample = ""
	}
	d.mu.Unlock()

	if totalTypes == 0 {
		return
	}

	d.emit(&LogRecord{
		Severity:  Info,
		Message:   "log deduplication summary",
		Context:   []Field{F("suppressed_types", totalTypes), F("suppressed_occurrences", totalOccurrences)},
		Timestamp: now,
	})

	severities := make([]Severity, 0, len(perSeverity))
	for sev := range perSeverity {
		severities = append(severities, sev)
	}
	sort.Slice(severities, func(i, j int) bool { return severities[i] < severities[j] })

	for _, sev := range severities {
		events := perSeverity[sev]
		sort.Slice(events, func(i, j int) bool { return events[i].count > events[j].count })
		if len(events) > rollupTopEvents {
			events = events[:rollupTopEvents]
		}
		for _, e := range events {
			d.emit(&LogRecord{
				Severity:  Info,
				Message:   fmt.Sprintf("suppressed %d occurrences: %s", e.count, e.sample),
				Context:   []Field{F("summary_severity", sev.String())},
				Timestamp: now,
			})
		}
	}
}

// gc evicts entries idle longer than twice their severity's window and
// enforces the global table bound.
func (d *deduplicator) gc() {
	now := d.now()

	d.mu.Lock()
	for fp, e := range d.entries {
		window := d.policies[e.severity].window
		if window <= 0 {
			window = minDedupWindow
		}
		if now.Sub(e.lastSeen) > 2*window && e.periodSuppressed == 0 {
			delete(d.entries, fp)
		}
	}
	if extra := len(d.entries) - d.maxTracked; extra > 0 {
		d.evictOldestLocked(extra)
	}
	d.mu.Unlock()
}

// janitor periodically garbage-collects idle entries and fires the rollup
// even when no log calls arrive.
func (d *deduplicator) janitor() {
	defer d.wg.Done()

	ticker := time.NewTicker(dedupJanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.gc()
			d.maybeRollup()
		}
	}
}

// trackedCount reports how many fingerprints are currently tracked.
func (d *deduplicator) trackedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// close stops the janitor. A final rollup is not forced: partial-period
// aggregates would double-report after a restart.
func (d *deduplicator) close() {
	d.cancel()
	d.wg.Wait()
}
