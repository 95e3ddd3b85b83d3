// buffer.go: In-memory record buffer with count and time flush triggers
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// bufferedRecord is a formatted, ready-to-write line awaiting flush.
type bufferedRecord struct {
	line     string
	severity Severity
}

// recordBuffer accumulates formatted records and flushes them to the sink
// when the pending count reaches the configured size, when the flush
// interval has elapsed, on forced flush, or at shutdown.
//
// Flushing is the only file I/O on the request path and is triggered
// deterministically after a write, never from a background thread, so the
// mutex is the only synchronization required to keep flushes atomic and
// lines ordered.
type recordBuffer struct {
	mu        sync.Mutex
	pending   []bufferedRecord
	lastFlush time.Time

	// Tunables, mutated by the adaptive layer under mu.
	size     int
	interval time.Duration

	out       *sink
	timeCache *timecache.TimeCache

	flushCount atomic.Uint64
	writeCount atomic.Uint64
}

func newRecordBuffer(out *sink, size int, interval time.Duration, tc *timecache.TimeCache) *recordBuffer {
	size = clampInt(size, minBufferSize, maxBufferSize)
	interval = clampDuration(interval, minFlushInterval, maxFlushInterval)

	return &recordBuffer{
		pending:   make([]bufferedRecord, 0, size),
		lastFlush: time.Now(),
		size:      size,
		interval:  interval,
		out:       out,
		timeCache: tc,
	}
}

func (b *recordBuffer) now() time.Time {
	if b.timeCache != nil {
		return b.timeCache.CachedTime()
	}
	return time.Now()
}

// write appends a formatted line. It never returns an error to the caller:
// sink failures during an auto-flush are handled by the sink's own error
// callback. Auto-flush triggers are checked after every write.
func (b *recordBuffer) write(line string, severity Severity) {
	b.writeCount.Add(1)

	b.mu.Lock()
	b.pending = append(b.pending, bufferedRecord{line: line, severity: severity})

	if len(b.pending) >= b.size || b.now().Sub(b.lastFlush) >= b.interval {
		b.flushLocked()
	}
	b.mu.Unlock()
}

// flush writes all pending lines to the sink in a single pass.
// Idempotent: a no-op on an empty buffer.
func (b *recordBuffer) flush() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
}

// flushLocked drains the pending sequence in order. Caller holds b.mu.
func (b *recordBuffer) flushLocked() {
	b.lastFlush = b.now()
	if len(b.pending) == 0 {
		return
	}

	for i := range b.pending {
		b.out.writeLine(b.pending[i].line)
	}
	b.pending = b.pending[:0]
	b.flushCount.Add(1)
}

// flushIfStale flushes when records have waited longer than the interval.
// Called by the pipeline janitor so an idle process still drains.
func (b *recordBuffer) flushIfStale() {
	b.mu.Lock()
	if len(b.pending) > 0 && b.now().Sub(b.lastFlush) >= b.interval {
		b.flushLocked()
	}
	b.mu.Unlock()
}

// pendingCount reports how many records await flush.
func (b *recordBuffer) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// setTunables retunes the flush triggers; values are clamped to bounds.
// The next write observes the new thresholds.
func (b *recordBuffer) setTunables(size int, interval time.Duration) {
	b.mu.Lock()
	b.size = clampInt(size, minBufferSize, maxBufferSize)
	b.interval = clampDuration(interval, minFlushInterval, maxFlushInterval)
	b.mu.Unlock()
}

// close performs the shutdown flush. No record is silently dropped on
// ordinary termination; crash/kill is the only acceptable loss scenario.
func (b *recordBuffer) close() {
	b.flush()
}
