// mnemosyne.go: Public API and pipeline assembly
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// Options configures pipeline construction. The zero value is valid:
// environment and application type are detected, everything else follows
// the detected environment's preset.
type Options struct {
	// Environment forces the environment instead of detecting it.
	// Accepted values: "development", "staging", "production".
	Environment string

	// AppType forces the application type instead of detecting it from
	// request shape: "web", "api", "batch", "microservice".
	AppType string

	// MaxFileSize is the size-based rotation threshold as a human string
	// ("10MB", "512KB"). Empty means 10MB.
	MaxFileSize string

	// Overrides are explicit tunable overrides, applied with the same
	// precedence as environment variables: they win over presets, cache
	// and adaptive adjustment.
	Overrides map[string]interface{}

	// ErrorCallback receives internal pipeline errors. Logging failures
	// never propagate to log callers; this is the only place they surface.
	// Defaults to a stderr line.
	ErrorCallback func(operation string, err error)
}

// janitorInterval paces the pipeline's background maintenance: stale
// buffer flushes, performance metric sampling and aged-backup sweeps.
const janitorInterval = 1 * time.Minute

const defaultMaxFileSize = 10 * 1024 * 1024

// Stats is a point-in-time snapshot of pipeline telemetry.
type Stats struct {
	Environment         string
	AppType             string
	MinLevel            string
	RecordsAccepted     uint64
	RecordsDropped      uint64
	RecordsSuppressed   uint64
	BufferPending       int
	FlushCount          uint64
	RotationCount       uint64
	BytesWritten        uint64
	DiskUsageBytes      int64
	TrackedFingerprints int
	IndexedFiles        int
	ConfigChanges       int
	Measurements        []Measurement
}

// Pipeline is the layered logging pipeline: enrichment, deduplication,
// buffering and the rotating file sink, governed by adaptive
// configuration. One Pipeline per log directory; all methods are safe for
// concurrent use.
type Pipeline struct {
	dir string

	cfg    *adaptiveConfig
	sink   *sink
	buffer *recordBuffer
	dedup  *deduplicator
	enrich *enricher
	index  *searchIndex
	gate   Gate

	timeCache     *timecache.TimeCache
	errorCallback func(operation string, err error)

	minLevel atomic.Int32

	recordsAccepted atomic.Uint64
	recordsDropped  atomic.Uint64
	errorRecords    atomic.Uint64

	// metric sampling state, owned by the janitor
	lastSample        time.Time
	lastSampleRecords uint64
	lastSampleErrors  uint64
	lastSampleDisk    int64

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pipeline writing under dir. The only fatal failure is an
// unusable log directory; every runtime error after construction is
// reported through the error callback and absorbed.
func New(dir string, opts Options) (*Pipeline, error) {
	errorCallback := opts.ErrorCallback
	if errorCallback == nil {
		errorCallback = func(operation string, err error) {
			fmt.Fprintf(os.Stderr, "mnemosyne: %s: %v\n", operation, err)
		}
	}

	if dir == "" {
		return nil, errors.New("log directory cannot be empty")
	}
	if err := ValidatePathLength(dir); err != nil {
		return nil, fmt.Errorf("invalid log directory: %w", err)
	}

	maxFileSize := int64(defaultMaxFileSize)
	if opts.MaxFileSize != "" {
		parsed, err := ParseSize(opts.MaxFileSize)
		if err != nil {
			return nil, fmt.Errorf("invalid max file size: %w", err)
		}
		maxFileSize = parsed
	}

	// The adaptive layer reads and persists files inside the log directory
	// before the sink opens it; the sink's own MkdirAll stays the
	// authoritative (and only fatal) directory creation.
	_ = os.MkdirAll(dir, 0750)

	cfg := newAdaptiveConfig(dir, opts.Environment, opts.AppType, errorCallback)
	if len(opts.Overrides) > 0 {
		cfg.applyOverrides(opts.Overrides, "construction option")
	}

	tc := timecache.NewWithResolution(time.Millisecond)

	out, err := newSink(dir, sinkConfig{
		maxSizeBytes:  maxFileSize,
		rotationAge:   24 * time.Hour,
		maxBackups:    cfg.intValue(KeyMaxBackups),
		maxFileAge:    time.Duration(cfg.intValue(KeyRotationDays)) * 24 * time.Hour,
		compress:      cfg.boolValue(KeyCompress),
		compressAfter: 24 * time.Hour,
	}, tc, errorCallback)
	if err != nil {
		tc.Stop()
		cfg.close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		dir:           out.dir,
		cfg:           cfg,
		sink:          out,
		timeCache:     tc,
		errorCallback: errorCallback,
		lastSample:    time.Now(),
		ctx:           ctx,
		cancel:        cancel,
	}
	p.gate = Gate{p: p}

	p.buffer = newRecordBuffer(out,
		cfg.intValue(KeyBufferSize),
		time.Duration(cfg.intValue(KeyFlushInterval))*time.Second,
		tc)
	p.dedup = newDeduplicator(p.deliver, tc)
	p.dedup.setEnabled(cfg.boolValue(KeyDedupEnabled))
	p.enrich = newEnricher(tc)
	p.index = newSearchIndex(out.dir, out.logFiles, errorCallback)

	p.minLevel.Store(int32(cfg.levelValue()))

	// Configuration audit records bypass deduplication: automatic behavior
	// changes are never silent, and never suppressed.
	cfg.emit = p.deliver
	cfg.onApply = p.applyConfig

	p.wg.Add(1)
	go p.janitor()

	return p, nil
}

// NewDevelopment builds a pipeline with the development preset,
// regardless of what detection would say.
func NewDevelopment(dir string) (*Pipeline, error) {
	return New(dir, Options{Environment: "development"})
}

// NewProduction builds a pipeline with the production preset.
func NewProduction(dir string) (*Pipeline, error) {
	return New(dir, Options{Environment: "production"})
}

func (p *Pipeline) now() time.Time {
	return p.timeCache.CachedTime()
}

// applyConfig pushes the current tunable set into the running stages.
// Called by the adaptive layer after any audited change.
func (p *Pipeline) applyConfig() {
	p.minLevel.Store(int32(p.cfg.levelValue()))
	p.buffer.setTunables(
		p.cfg.intValue(KeyBufferSize),
		time.Duration(p.cfg.intValue(KeyFlushInterval))*time.Second)
	p.dedup.setEnabled(p.cfg.boolValue(KeyDedupEnabled))
	p.sink.setRetention(
		time.Duration(p.cfg.intValue(KeyRotationDays))*24*time.Hour,
		p.cfg.intValue(KeyMaxBackups),
		p.cfg.boolValue(KeyCompress))
}

// deliver formats a record and hands it to the buffer. This is the stage
// after deduplication; it never fails.
func (p *Pipeline) deliver(rec *LogRecord) {
	p.buffer.write(rec.formatLine(), rec.Severity)
}

// log is the single ingestion path. It never returns an error and never
// panics on any input: logging must not become a failure mode of the
// caller.
func (p *Pipeline) log(sev Severity, message string, req *Request, fields []Field) {
	if p.closed.Load() {
		return
	}
	if sev < Debug || sev > Critical {
		sev = Info
	}

	// Severity gate runs before enrichment so suppressed records cost
	// almost nothing.
	if sev < Severity(p.minLevel.Load()) {
		p.recordsDropped.Add(1)
		return
	}

	rec := &LogRecord{
		Severity:  sev,
		Message:   message,
		Context:   sanitizeContext(fields),
		Timestamp: p.now(),
	}
	if req != nil {
		rec.RequestID = req.id
	}

	p.enrich.enrich(rec, req)
	p.recordsAccepted.Add(1)
	if sev >= Error {
		p.errorRecords.Add(1)
	}

	// Critical bypasses deduplication and buffering entirely: straight to
	// the synchronous fallback target, mirrored into the primary stream.
	if sev == Critical {
		p.sink.writeCritical(rec.formatLine())
		return
	}

	p.dedup.process(rec)
}

// Log writes one record at the given severity.
func (p *Pipeline) Log(sev Severity, message string, fields ...Field) {
	p.log(sev, message, nil, fields)
}

// Debug writes a debug record.
func (p *Pipeline) Debug(message string, fields ...Field) { p.log(Debug, message, nil, fields) }

// Info writes an info record.
func (p *Pipeline) Info(message string, fields ...Field) { p.log(Info, message, nil, fields) }

// Warning writes a warning record.
func (p *Pipeline) Warning(message string, fields ...Field) { p.log(Warning, message, nil, fields) }

// Error writes an error record.
func (p *Pipeline) Error(message string, fields ...Field) { p.log(Error, message, nil, fields) }

// Critical writes a critical record. Critical severity is never
// deduplicated or buffered; the record is durable when this returns.
func (p *Pipeline) Critical(message string, fields ...Field) { p.log(Critical, message, nil, fields) }

// BeginRequest opens a request scope: a fresh correlation id, the start
// time for elapsed measurements and a one-time classification from the
// request signals.
func (p *Pipeline) BeginRequest(sig RequestSignals) *Request {
	req := &Request{
		p:     p,
		id:    uuid.NewString(),
		start: p.now(),
		class: classifyRequest(sig),
	}
	p.cfg.observeRequestType(req.class)
	return req
}

// Request-scoped logging: records carry the correlation id and the
// request-derived enrichment fields.

func (r *Request) Log(sev Severity, message string, fields ...Field) {
	r.p.log(sev, message, r, fields)
}

func (r *Request) Debug(message string, fields ...Field) { r.p.log(Debug, message, r, fields) }

func (r *Request) Info(message string, fields ...Field) { r.p.log(Info, message, r, fields) }

func (r *Request) Warning(message string, fields ...Field) { r.p.log(Warning, message, r, fields) }

func (r *Request) Error(message string, fields ...Field) { r.p.log(Error, message, r, fields) }

func (r *Request) Critical(message string, fields ...Field) { r.p.log(Critical, message, r, fields) }

// MeasureOperation wraps fn, records its duration and outcome, and
// returns fn's error unchanged. A failed or slow operation additionally
// produces a record.
func (p *Pipeline) MeasureOperation(name string, fn func() error) error {
	start := time.Now()
	err := p.enrich.measure(name, fn)
	duration := time.Since(start)

	switch {
	case err != nil:
		p.Log(Warning, "operation failed",
			F("operation", name),
			F("duration_ms", duration.Milliseconds()),
			F("error", err.Error()),
		)
	case duration > time.Second:
		p.Log(Warning, "slow operation",
			F("operation", name),
			F("duration_ms", duration.Milliseconds()),
		)
	}
	return err
}

// Flush forces the buffered records to the sink immediately.
func (p *Pipeline) Flush() {
	p.buffer.flush()
}

// Rotate forces an immediate rotation of the primary log file.
func (p *Pipeline) Rotate() error {
	return p.sink.Rotate()
}

// Gate returns the privileged read gate for this pipeline.
func (p *Pipeline) Gate() *Gate {
	return &p.gate
}

// Environment reports the environment the pipeline resolved at startup.
func (p *Pipeline) Environment() Environment {
	return p.cfg.Environment()
}

// ConfigChanges returns the audited configuration change history.
func (p *Pipeline) ConfigChanges() []ConfigChange {
	return p.cfg.Changes()
}

// Set applies one explicit tunable override at runtime.
func (p *Pipeline) Set(key string, value interface{}) {
	p.cfg.Set(key, value)
}

// stats assembles the telemetry snapshot. Exposed through the gate.
func (p *Pipeline) stats() Stats {
	return Stats{
		Environment:         p.cfg.Environment().String(),
		AppType:             p.cfg.AppType(),
		MinLevel:            Severity(p.minLevel.Load()).String(),
		RecordsAccepted:     p.recordsAccepted.Load(),
		RecordsDropped:      p.recordsDropped.Load(),
		RecordsSuppressed:   p.dedup.suppressedTotal.Load(),
		BufferPending:       p.buffer.pendingCount(),
		FlushCount:          p.buffer.flushCount.Load(),
		RotationCount:       p.sink.rotationCount.Load(),
		BytesWritten:        p.sink.bytesWritten.Load(),
		DiskUsageBytes:      p.sink.diskUsage(),
		TrackedFingerprints: p.dedup.trackedCount(),
		IndexedFiles:        p.index.fileCount(),
		ConfigChanges:       len(p.cfg.Changes()),
		Measurements:        p.enrich.measurements(),
	}
}

// janitor runs background maintenance: stale buffer flushes, performance
// metric sampling for the adaptive layer and the daily aged-backup sweep.
func (p *Pipeline) janitor() {
	defer p.wg.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.buffer.flushIfStale()
			p.sampleMetrics()
			p.sink.sweepAgedBackups()
		}
	}
}

// sampleMetrics extrapolates hourly rates from the last sampling window
// and feeds them to the adaptive layer.
func (p *Pipeline) sampleMetrics() {
	now := time.Now()
	elapsed := now.Sub(p.lastSample)
	if elapsed <= 0 {
		return
	}

	records := p.recordsAccepted.Load()
	errors := p.errorRecords.Load()
	disk := p.sink.diskUsage()

	windowRecords := records - p.lastSampleRecords
	windowErrors := errors - p.lastSampleErrors
	growth := disk - p.lastSampleDisk

	perHour := float64(time.Hour) / float64(elapsed)
	metrics := PerformanceMetrics{
		RecordsPerHour:    uint64(float64(windowRecords) * perHour),
		DiskGrowthPerHour: int64(float64(growth) * perHour),
	}
	if windowRecords > 0 {
		metrics.ErrorRate = float64(windowErrors) / float64(windowRecords)
	}

	p.lastSample = now
	p.lastSampleRecords = records
	p.lastSampleErrors = errors
	p.lastSampleDisk = disk

	p.cfg.Adjust(metrics)
}

// Close flushes the buffer and releases every resource. Idempotent. No
// record accepted before Close is lost on an ordinary shutdown.
func (p *Pipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.cancel()
	p.wg.Wait()

	p.dedup.close()
	p.buffer.close()
	p.cfg.close()
	p.index.close()

	err := p.sink.Close()
	p.timeCache.Stop()
	return err
}
