// Package mnemosyne provides a layered application logging pipeline:
// automatic context enrichment, content-aware deduplication, in-memory
// buffering and a rotating file sink, governed by environment- and
// load-adaptive configuration.
//
// Mnemosyne is built for applications that log a lot and read their logs
// back: repeated events collapse into compact samples and periodic
// rollups, every record is enriched with request and process metadata,
// and historical data stays searchable across rotated and compressed
// files through an incremental term index.
//
// # Quick Start
//
// Basic usage with detected environment:
//
//	pipeline, err := mnemosyne.New("/var/log/myapp", mnemosyne.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pipeline.Close()
//
//	pipeline.Info("service started", mnemosyne.F("port", 8080))
//	pipeline.Error("payment declined", mnemosyne.F("order_id", 4211))
//
// # Request-Scoped Logging
//
// Open a request scope to correlate records and get automatic elapsed
// time, request classification and error-ratio enrichment:
//
//	req := pipeline.BeginRequest(mnemosyne.RequestSignals{
//		Method: r.Method,
//		Path:   r.URL.Path,
//		Accept: r.Header.Get("Accept"),
//	})
//	req.Info("order placed", mnemosyne.F("order_id", 4211))
//
// # Severity Semantics
//
// Five severities, with two that behave specially:
//
//   - Debug records are dropped entirely below the configured level,
//     before enrichment, so disabled debug logging is nearly free.
//   - Critical records bypass deduplication and buffering: they are
//     written synchronously to a dedicated fallback file and mirrored
//     into the primary stream. When Critical returns, the record is on
//     disk.
//
// # Deduplication
//
// Repeats of the same event (same severity, normalized message shape and
// context shape) within a sliding per-severity window are suppressed.
// Liveness is preserved with a compact "(occurred N times)" line at every
// tenth occurrence, and an aggregated rollup reports totals every summary
// period. Volatile fragments such as timestamps, ids, addresses and
// numbers never defeat matching.
//
// # Adaptive Configuration
//
// The pipeline detects its environment (explicit setting, recognized
// environment variables, network characteristics, marker files, then a
// conservative production default) and starts from that preset. Explicit
// overrides via MNEMOSYNE_* variables or the overrides.json file always
// win. Under sustained load the pipeline retunes itself: buffer growth on
// high volume, verbosity reduction on high error rates, compression and
// shorter retention under disk pressure. Every change, automatic or
// explicit, is audited and logged.
//
// # Reading Logs Back
//
// All read operations pass through the access gate, which requires an
// authenticated super-admin identity, audits every attempt, and masks
// credentials and card numbers before content leaves the pipeline:
//
//	gate := pipeline.Gate()
//	matches, err := gate.Search(ctx, identity, mnemosyne.SearchCriteria{
//		Query: "disk full",
//		Level: "ERROR",
//	})
//
// # Error Handling
//
// Logging never becomes a failure mode of the caller: write methods
// return nothing and absorb all I/O errors. Internal failures surface
// through the ErrorCallback option:
//
//	pipeline, err := mnemosyne.New(dir, mnemosyne.Options{
//		ErrorCallback: func(operation string, err error) {
//			metrics.Counter("log_errors").WithTag("op", operation).Inc()
//		},
//	})
//
// The single fatal error class is an unusable log directory at
// construction time.
//
// # Thread Safety
//
// All Pipeline, Request and Gate methods are safe for concurrent use.
package mnemosyne
