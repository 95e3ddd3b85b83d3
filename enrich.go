// enrich.go: Automatic record enrichment and ad-hoc instrumentation
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/shirou/gopsutil/v3/process"
)

// RequestSignals are the low-cardinality inputs used to classify a request
// exactly once at BeginRequest time.
type RequestSignals struct {
	CLIInvocation  bool
	XRequestedWith string
	Accept         string
	Method         string
	Path           string
}

// Request classification values, in detection order.
const (
	RequestCLI  = "cli"
	RequestAjax = "ajax"
	RequestAPI  = "api"
	RequestREST = "rest"
	RequestForm = "form"
	RequestWeb  = "web"
)

// classifyRequest derives the request type from the signals. The chain is
// ordered and short-circuiting; anything unrecognized is a plain web request.
func classifyRequest(sig RequestSignals) string {
	switch {
	case sig.CLIInvocation:
		return RequestCLI
	case strings.EqualFold(sig.XRequestedWith, "XMLHttpRequest"):
		return RequestAjax
	case strings.HasPrefix(sig.Path, "/api/") || strings.Contains(sig.Accept, "application/json"):
		return RequestAPI
	case sig.Method == "PUT" || sig.Method == "PATCH" || sig.Method == "DELETE":
		return RequestREST
	case sig.Method == "POST":
		return RequestForm
	default:
		return RequestWeb
	}
}

// Request is the request-scoped pipeline handle: correlation id, start
// time, classification and per-severity counters. One per request,
// explicitly constructed and threaded through handling instead of hidden
// process-global state.
type Request struct {
	p     *Pipeline
	id    string
	start time.Time
	class string

	counters [5]atomic.Uint64
}

// ID returns the opaque correlation id attached to every record.
func (r *Request) ID() string { return r.id }

// Classification returns the request type detected at BeginRequest.
func (r *Request) Classification() string { return r.class }

// errorRatio is the share of error-or-worse records among all records
// emitted so far in this request.
func (r *Request) errorRatio() float64 {
	var total, errors uint64
	for sev := Debug; sev <= Critical; sev++ {
		n := r.counters[sev].Load()
		total += n
		if sev >= Error {
			errors += n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(errors) / float64(total)
}

// Measurement is one recorded unit of instrumented work.
type Measurement struct {
	Name     string
	Duration time.Duration
	Failed   bool
	At       time.Time
}

// measurementRingSize bounds the ad-hoc instrumentation ring.
const measurementRingSize = 64

// memReadInterval caps how often the enricher asks the OS for memory
// stats; between reads the cached value is reused.
const memReadInterval = 1 * time.Second

// enricher adds automatic metadata to every record before deduplication:
// elapsed time since request start, current and peak memory, request
// classification and the running error ratio.
type enricher struct {
	proc      *process.Process
	timeCache *timecache.TimeCache

	memMu       sync.Mutex
	lastMemRead time.Time
	currentRSS  uint64
	peakRSS     uint64

	ringMu sync.Mutex
	ring   [measurementRingSize]Measurement
	ringN  int
}

func newEnricher(tc *timecache.TimeCache) *enricher {
	e := &enricher{timeCache: tc}

	// Memory telemetry is best-effort: a platform where the process
	// handle cannot be resolved simply enriches without memory fields.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		e.proc = proc
	}

	return e
}

func (e *enricher) now() time.Time {
	if e.timeCache != nil {
		return e.timeCache.CachedTime()
	}
	return time.Now()
}

// memoryUsage returns current RSS and the observed high-water mark, in
// bytes. Reads are rate-limited; the peak is a monotonic in-process
// high-water mark since OS peak counters are not portable.
func (e *enricher) memoryUsage() (current, peak uint64) {
	if e.proc == nil {
		return 0, 0
	}

	e.memMu.Lock()
	defer e.memMu.Unlock()

	now := e.now()
	if now.Sub(e.lastMemRead) >= memReadInterval {
		if info, err := e.proc.MemoryInfo(); err == nil {
			e.currentRSS = info.RSS
			if info.RSS > e.peakRSS {
				e.peakRSS = info.RSS
			}
		}
		e.lastMemRead = now
	}
	return e.currentRSS, e.peakRSS
}

// enrich appends automatic metadata to the record's context. It must
// never fail for any input; a nil request enriches with process-level
// fields only.
func (e *enricher) enrich(rec *LogRecord, req *Request) {
	fields := make([]Field, 0, len(rec.Context)+5)
	fields = append(fields, rec.Context...)

	if req != nil {
		req.counters[rec.Severity].Add(1)
		elapsed := e.now().Sub(req.start)
		if elapsed < 0 {
			elapsed = 0
		}
		fields = append(fields,
			F("elapsed_ms", elapsed.Milliseconds()),
			F("request_type", req.class),
		)
		if ratio := req.errorRatio(); ratio > 0 {
			fields = append(fields, F("error_ratio", ratio))
		}
	}

	if current, peak := e.memoryUsage(); current > 0 {
		fields = append(fields,
			F("mem_mb", int64(current/(1024*1024))),
			F("mem_peak_mb", int64(peak/(1024*1024))),
		)
	}

	rec.Context = fields
}

// measure wraps an arbitrary unit of work, records its duration and
// outcome in the bounded ring, and returns the work's error unchanged.
// Enrichment must never swallow an application error.
func (e *enricher) measure(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	e.ringMu.Lock()
	e.ring[e.ringN%measurementRingSize] = Measurement{
		Name:     name,
		Duration: duration,
		Failed:   err != nil,
		At:       start,
	}
	e.ringN++
	e.ringMu.Unlock()

	return err
}

// measurements returns the recorded ring, most recent last.
func (e *enricher) measurements() []Measurement {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	n := e.ringN
	if n > measurementRingSize {
		n = measurementRingSize
	}
	out := make([]Measurement, 0, n)
	start := 0
	if e.ringN > measurementRingSize {
		start = e.ringN % measurementRingSize
	}
	for i := 0; i < n; i++ {
		out = append(out, e.ring[(start+i)%measurementRingSize])
	}
	return out
}
