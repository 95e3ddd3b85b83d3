// enrich_test.go: Classification, enrichment and instrumentation tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyRequest(t *testing.T) {
	tests := []struct {
		name     string
		signals  RequestSignals
		expected string
	}{
		{
			name:     "CLI",
			signals:  RequestSignals{CLIInvocation: true, Method: "POST"},
			expected: RequestCLI,
		},
		{
			name:     "Ajax",
			signals:  RequestSignals{XRequestedWith: "XMLHttpRequest", Method: "GET"},
			expected: RequestAjax,
		},
		{
			name:     "AjaxCaseInsensitive",
			signals:  RequestSignals{XRequestedWith: "xmlhttprequest"},
			expected: RequestAjax,
		},
		{
			name:     "APIPath",
			signals:  RequestSignals{Method: "GET", Path: "/api/orders"},
			expected: RequestAPI,
		},
		{
			name:     "APIAccept",
			signals:  RequestSignals{Method: "GET", Path: "/orders", Accept: "application/json"},
			expected: RequestAPI,
		},
		{
			name:     "RESTVerb",
			signals:  RequestSignals{Method: "DELETE", Path: "/orders/9"},
			expected: RequestREST,
		},
		{
			name:     "Form",
			signals:  RequestSignals{Method: "POST", Path: "/checkout"},
			expected: RequestForm,
		},
		{
			name:     "PlainWeb",
			signals:  RequestSignals{Method: "GET", Path: "/"},
			expected: RequestWeb,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyRequest(tt.signals); got != tt.expected {
				t.Errorf("classifyRequest(%+v) = %q, want %q", tt.signals, got, tt.expected)
			}
		})
	}
}

func TestEnrichAddsRequestFields(t *testing.T) {
	e := newEnricher(nil)
	req := &Request{id: "req-1", start: time.Now().Add(-50 * time.Millisecond), class: RequestAPI}

	rec := &LogRecord{Severity: Info, Message: "order placed", Context: []Field{F("order_id", 1)}}
	e.enrich(rec, req)

	fields := make(map[string]interface{}, len(rec.Context))
	for _, f := range rec.Context {
		fields[f.Key] = f.Value
	}

	if _, ok := fields["elapsed_ms"]; !ok {
		t.Error("expected elapsed_ms enrichment")
	}
	if fields["request_type"] != RequestAPI {
		t.Errorf("expected request_type=%q, got %v", RequestAPI, fields["request_type"])
	}
	if fields["order_id"] != 1 {
		t.Error("caller context must be preserved")
	}
	if _, ok := fields["error_ratio"]; ok {
		t.Error("error_ratio must be absent while no errors were recorded")
	}
}

func TestEnrichErrorRatio(t *testing.T) {
	e := newEnricher(nil)
	req := &Request{id: "req-1", start: time.Now(), class: RequestWeb}

	// Three records: two info, one error. The error ratio appears on the
	// record logged after errors exist.
	e.enrich(&LogRecord{Severity: Info}, req)
	e.enrich(&LogRecord{Severity: Error}, req)

	rec := &LogRecord{Severity: Info}
	e.enrich(rec, req)

	var ratio float64
	for _, f := range rec.Context {
		if f.Key == "error_ratio" {
			ratio, _ = f.Value.(float64)
		}
	}
	if ratio < 0.3 || ratio > 0.4 {
		t.Errorf("expected error_ratio near 1/3, got %v", ratio)
	}
}

func TestEnrichNilRequest(t *testing.T) {
	e := newEnricher(nil)
	rec := &LogRecord{Severity: Info, Message: "startup"}
	e.enrich(rec, nil)

	for _, f := range rec.Context {
		if f.Key == "elapsed_ms" || f.Key == "request_type" {
			t.Errorf("process-level record must not carry request fields, got %s", f.Key)
		}
	}
}

func TestMeasureReturnsErrorUnchanged(t *testing.T) {
	e := newEnricher(nil)

	sentinel := errors.New("downstream failed")
	if err := e.measure("charge", func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("measure must return the work's error unchanged, got %v", err)
	}
	if err := e.measure("noop", func() error { return nil }); err != nil {
		t.Errorf("measure must return nil for successful work, got %v", err)
	}

	measurements := e.measurements()
	if len(measurements) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(measurements))
	}
	if measurements[0].Name != "charge" || !measurements[0].Failed {
		t.Errorf("unexpected first measurement: %+v", measurements[0])
	}
	if measurements[1].Name != "noop" || measurements[1].Failed {
		t.Errorf("unexpected second measurement: %+v", measurements[1])
	}
}

func TestMeasurementRingBound(t *testing.T) {
	e := newEnricher(nil)

	for i := 0; i < measurementRingSize+10; i++ {
		_ = e.measure(fmt.Sprintf("op-%d", i), func() error { return nil })
	}

	measurements := e.measurements()
	if len(measurements) != measurementRingSize {
		t.Fatalf("expected ring capped at %d, got %d", measurementRingSize, len(measurements))
	}
	// Most recent last, oldest surviving entry first
	if measurements[0].Name != "op-10" {
		t.Errorf("expected oldest surviving measurement op-10, got %s", measurements[0].Name)
	}
	if last := measurements[len(measurements)-1].Name; last != fmt.Sprintf("op-%d", measurementRingSize+9) {
		t.Errorf("expected newest measurement last, got %s", last)
	}
}
