// adaptive_test.go: Environment detection, merge order and adjustment tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func clearEnvSignals(t *testing.T) {
	t.Helper()
	for _, name := range []string{"MNEMOSYNE_ENV", "APP_ENV", "GO_ENV", "MNEMOSYNE_DEBUG"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestParseEnvironment(t *testing.T) {
	tests := []struct {
		input    string
		expected Environment
		ok       bool
	}{
		{"development", Development, true},
		{"dev", Development, true},
		{"Staging", Staging, true},
		{"PRODUCTION", Production, true},
		{"prod", Production, true},
		{" local ", Development, true},
		{"", Production, false},
		{"kubernetes", Production, false},
	}

	for _, tt := range tests {
		got, ok := parseEnvironment(tt.input)
		if got != tt.expected || ok != tt.ok {
			t.Errorf("parseEnvironment(%q) = (%v, %v), want (%v, %v)", tt.input, got, ok, tt.expected, tt.ok)
		}
	}
}

func TestDetectEnvironmentExplicitWins(t *testing.T) {
	clearEnvSignals(t)
	t.Setenv("APP_ENV", "production")

	if got := detectEnvironment("development", t.TempDir()); got != Development {
		t.Errorf("explicit value must win over environment variables, got %v", got)
	}
}

func TestDetectEnvironmentFromVariables(t *testing.T) {
	clearEnvSignals(t)
	t.Setenv("MNEMOSYNE_ENV", "staging")

	if got := detectEnvironment("", t.TempDir()); got != Staging {
		t.Errorf("expected staging from MNEMOSYNE_ENV, got %v", got)
	}
}

func TestEnvironmentPresets(t *testing.T) {
	dev := environmentPreset(Development)
	if dev.LogLevel != "debug" || dev.DedupEnabled {
		t.Errorf("unexpected development preset: %+v", dev)
	}

	prod := environmentPreset(Production)
	if prod.LogLevel != "info" || !prod.Compress || !prod.DedupEnabled {
		t.Errorf("unexpected production preset: %+v", prod)
	}
	if prod.BufferSize <= dev.BufferSize {
		t.Error("production must buffer more than development")
	}
}

func TestAdaptiveMergePrecedence(t *testing.T) {
	clearEnvSignals(t)
	dir := t.TempDir()

	// Production preset says 100. A fresh cache says 80. An explicit
	// override says 120. The override must win, and without it the cache
	// must beat the preset.
	writeConfigCache(t, dir, map[string]interface{}{KeyBufferSize: 80})

	cached := newAdaptiveConfig(dir, "production", "", nil)
	cached.close()
	if got := cached.intValue(KeyBufferSize); got != 80 {
		t.Errorf("fresh cache must override the preset, got buffer_size=%d", got)
	}

	t.Setenv("MNEMOSYNE_BUFFER_SIZE", "120")
	overridden := newAdaptiveConfig(dir, "production", "", nil)
	overridden.close()
	if got := overridden.intValue(KeyBufferSize); got != 120 {
		t.Errorf("explicit override must win over cache and preset, got buffer_size=%d", got)
	}
}

func TestAdaptiveStaleCacheIgnored(t *testing.T) {
	clearEnvSignals(t)
	dir := t.TempDir()

	cache := configCache{
		Environment: "production",
		SavedAt:     time.Now().Add(-2 * time.Hour),
		Tunables:    map[string]interface{}{KeyBufferSize: 80},
	}
	data, err := json.Marshal(cache)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, configCacheName), data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg := newAdaptiveConfig(dir, "production", "", nil)
	defer cfg.close()
	if got := cfg.intValue(KeyBufferSize); got != 100 {
		t.Errorf("stale cache must contribute nothing, got buffer_size=%d (want preset 100)", got)
	}
}

func TestAdaptiveCacheReloadNotAudited(t *testing.T) {
	clearEnvSignals(t)
	dir := t.TempDir()

	first := newAdaptiveConfig(dir, "production", "", nil)
	first.close()

	// Reloading through the JSON cache turns integers into float64; that
	// type change must not register as an out-of-bounds correction.
	second := newAdaptiveConfig(dir, "production", "", nil)
	defer second.close()
	for _, c := range second.Changes() {
		if c.Reason == "tunable out of bounds, clamped" {
			t.Errorf("spurious clamp audit on cache reload: %+v", c)
		}
	}
	if got := second.intValue(KeyBufferSize); got != 100 {
		t.Errorf("buffer_size after cache reload = %d, want 100", got)
	}
}

func TestAdaptiveOverrideClamping(t *testing.T) {
	clearEnvSignals(t)
	t.Setenv("MNEMOSYNE_BUFFER_SIZE", "5000")

	cfg := newAdaptiveConfig(t.TempDir(), "production", "", nil)
	defer cfg.close()

	if got := cfg.intValue(KeyBufferSize); got != maxBufferSize {
		t.Errorf("out-of-bounds override must be clamped to %d, got %d", maxBufferSize, got)
	}
}

func TestAdaptiveFlushIntervalDurationString(t *testing.T) {
	clearEnvSignals(t)
	t.Setenv("MNEMOSYNE_FLUSH_INTERVAL_SECONDS", "2m")

	cfg := newAdaptiveConfig(t.TempDir(), "production", "", nil)
	defer cfg.close()

	if got := cfg.intValue(KeyFlushInterval); got != 120 {
		t.Errorf("duration-string override must convert to seconds, got %d", got)
	}
}

func TestAdaptiveInvalidOverrideIgnored(t *testing.T) {
	clearEnvSignals(t)
	t.Setenv("MNEMOSYNE_LOG_LEVEL", "verbose")

	var reported bool
	cfg := newAdaptiveConfig(t.TempDir(), "production", "", func(op string, err error) {
		if op == "config_invalid" {
			reported = true
		}
	})
	defer cfg.close()

	if got := cfg.levelValue(); got != Info {
		t.Errorf("invalid level override must fall back to the preset, got %v", got)
	}
	if !reported {
		t.Error("invalid override must be reported through the error callback")
	}
}

func TestAdaptiveOverrideFile(t *testing.T) {
	clearEnvSignals(t)
	dir := t.TempDir()

	overrides, err := json.Marshal(map[string]interface{}{KeyDedupEnabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, overrideFileName), overrides, 0600); err != nil {
		t.Fatal(err)
	}

	cfg := newAdaptiveConfig(dir, "production", "", nil)
	defer cfg.close()

	if cfg.boolValue(KeyDedupEnabled) {
		t.Error("override file must disable deduplication")
	}
}

func TestAdaptiveVolumeAdjustmentIdempotent(t *testing.T) {
	clearEnvSignals(t)
	cfg := newAdaptiveConfig(t.TempDir(), "production", "", nil)
	defer cfg.close()

	high := PerformanceMetrics{RecordsPerHour: 200_000}
	cfg.Adjust(high)

	if got := cfg.intValue(KeyBufferSize); got != 200 {
		t.Fatalf("expected buffer doubled to 200, got %d", got)
	}
	if got := cfg.intValue(KeyFlushInterval); got != 120 {
		t.Fatalf("expected flush interval doubled to 120, got %d", got)
	}

	// Repeated breaches with no recovery in between must not compound
	cfg.Adjust(high)
	cfg.Adjust(high)
	if got := cfg.intValue(KeyBufferSize); got != 200 {
		t.Errorf("adjustment must be idempotent under a sustained breach, got %d", got)
	}

	// After the metric recedes and breaches again, one more doubling
	cfg.Adjust(PerformanceMetrics{RecordsPerHour: 1000})
	cfg.Adjust(high)
	if got := cfg.intValue(KeyBufferSize); got != 400 {
		t.Errorf("re-armed adjustment must double again, got %d", got)
	}
}

func TestAdaptiveErrorRateLowersVerbosity(t *testing.T) {
	clearEnvSignals(t)
	cfg := newAdaptiveConfig(t.TempDir(), "development", "", nil)
	defer cfg.close()

	if got := cfg.levelValue(); got != Debug {
		t.Fatalf("development preset must start at debug, got %v", got)
	}

	cfg.Adjust(PerformanceMetrics{ErrorRate: 0.25})
	if got := cfg.levelValue(); got != Info {
		t.Errorf("high error rate must lift the level to info, got %v", got)
	}
}

func TestAdaptiveDiskPressure(t *testing.T) {
	clearEnvSignals(t)
	cfg := newAdaptiveConfig(t.TempDir(), "development", "", nil)
	defer cfg.close()

	if cfg.boolValue(KeyCompress) {
		t.Fatal("development preset must start uncompressed")
	}

	cfg.Adjust(PerformanceMetrics{DiskGrowthPerHour: 1 << 30})

	if !cfg.boolValue(KeyCompress) {
		t.Error("disk pressure must force compression on")
	}
	if got := cfg.intValue(KeyRotationDays); got != 1 {
		t.Errorf("disk pressure must halve retention (development 3 -> 1), got %d", got)
	}
}

func TestAdaptiveChangesAudited(t *testing.T) {
	clearEnvSignals(t)
	cfg := newAdaptiveConfig(t.TempDir(), "production", "", nil)
	defer cfg.close()

	before := len(cfg.Changes())
	cfg.Set(KeyBufferSize, 250)

	changes := cfg.Changes()
	if len(changes) != before+1 {
		t.Fatalf("expected one audited change, got %d new", len(changes)-before)
	}
	last := changes[len(changes)-1]
	if last.Key != KeyBufferSize || last.New != 250 || last.Reason == "" {
		t.Errorf("unexpected audit entry: %+v", last)
	}
}

func TestAdaptiveExplicitOverrideBlocksAdjustment(t *testing.T) {
	clearEnvSignals(t)
	cfg := newAdaptiveConfig(t.TempDir(), "production", "", nil)
	defer cfg.close()

	cfg.Set(KeyBufferSize, 150)
	cfg.Adjust(PerformanceMetrics{RecordsPerHour: 200_000})

	if got := cfg.intValue(KeyBufferSize); got != 150 {
		t.Errorf("explicit override must survive automatic adjustment, got %d", got)
	}
}

func TestAdaptivePersistAndReload(t *testing.T) {
	clearEnvSignals(t)
	dir := t.TempDir()

	first := newAdaptiveConfig(dir, "production", "", nil)
	first.Set(KeyMaxBackups, 4)
	first.close()

	second := newAdaptiveConfig(dir, "production", "", nil)
	defer second.close()
	if got := second.intValue(KeyMaxBackups); got != 4 {
		t.Errorf("fresh cache must carry the persisted value, got %d", got)
	}
}

func TestObserveRequestTypeDetectsAPI(t *testing.T) {
	clearEnvSignals(t)
	cfg := newAdaptiveConfig(t.TempDir(), "production", "", nil)
	defer cfg.close()

	for i := 0; i < 60; i++ {
		cfg.observeRequestType(RequestAPI)
	}

	if got := cfg.AppType(); got != AppAPI {
		t.Errorf("expected detected app type %q, got %q", AppAPI, got)
	}
	if got := cfg.intValue(KeyBufferSize); got != 200 {
		t.Errorf("api preset must raise buffer_size to 200, got %d", got)
	}
}

func TestExplicitAppTypeWinsOverDetection(t *testing.T) {
	clearEnvSignals(t)
	cfg := newAdaptiveConfig(t.TempDir(), "production", AppBatch, nil)
	defer cfg.close()

	for i := 0; i < 60; i++ {
		cfg.observeRequestType(RequestWeb)
	}

	if got := cfg.AppType(); got != AppBatch {
		t.Errorf("explicit app type must not be re-detected, got %q", got)
	}
}

func writeConfigCache(t *testing.T, dir string, tunables map[string]interface{}) {
	t.Helper()
	cache := configCache{
		Environment: "production",
		SavedAt:     time.Now(),
		Tunables:    tunables,
	}
	data, err := json.Marshal(cache)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, configCacheName), data, 0600); err != nil {
		t.Fatal(err)
	}
}
