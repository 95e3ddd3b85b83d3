// adaptive.go: Environment- and load-adaptive configuration
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agilira/argus"
	"github.com/goccy/go-json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Environment identifies the detected runtime environment.
type Environment int8

const (
	// Production is the most conservative environment and the detection
	// default: an unknown environment must never silently enable verbose
	// or expensive logging.
	Production Environment = iota
	// Staging mirrors production with shorter retention.
	Staging
	// Development enables verbose logging and disables deduplication.
	Development
)

// String returns the lower-case environment name used in configuration.
func (e Environment) String() string {
	switch e {
	case Development:
		return "development"
	case Staging:
		return "staging"
	default:
		return "production"
	}
}

// Application types detected from request shape.
const (
	AppWeb          = "web"
	AppAPI          = "api"
	AppBatch        = "batch"
	AppMicroservice = "microservice"
)

// Tunable keys of the flat configuration set. All keys are present after
// any merge operation.
const (
	KeyLogLevel      = "log_level"
	KeyBufferSize    = "buffer_size"
	KeyFlushInterval = "flush_interval_seconds"
	KeyCompress      = "compress"
	KeyDedupEnabled  = "dedup_enabled"
	KeyRotationDays  = "rotation_days"
	KeyMaxBackups    = "max_backups"
)

// tunableSet mirrors the flat tunable mapping for koanf's structs
// provider, the same defaults-first loading the pack's config layers use.
type tunableSet struct {
	LogLevel             string `koanf:"log_level"`
	BufferSize           int    `koanf:"buffer_size"`
	FlushIntervalSeconds int    `koanf:"flush_interval_seconds"`
	Compress             bool   `koanf:"compress"`
	DedupEnabled         bool   `koanf:"dedup_enabled"`
	RotationDays         int    `koanf:"rotation_days"`
	MaxBackups           int    `koanf:"max_backups"`
}

// environmentPreset returns the tunable preset for an environment.
func environmentPreset(e Environment) tunableSet {
	switch e {
	case Development:
		return tunableSet{
			LogLevel:             "debug",
			BufferSize:           10,
			FlushIntervalSeconds: 5,
			Compress:             false,
			DedupEnabled:         false,
			RotationDays:         3,
			MaxBackups:           3,
		}
	case Staging:
		return tunableSet{
			LogLevel:             "info",
			BufferSize:           50,
			FlushIntervalSeconds: 30,
			Compress:             true,
			DedupEnabled:         true,
			RotationDays:         7,
			MaxBackups:           5,
		}
	default:
		return tunableSet{
			LogLevel:             "info",
			BufferSize:           100,
			FlushIntervalSeconds: 60,
			Compress:             true,
			DedupEnabled:         true,
			RotationDays:         30,
			MaxBackups:           10,
		}
	}
}

// appTypePresets are partial overlays applied after explicit overrides;
// only keys the operator has not explicitly set are touched.
var appTypePresets = map[string]map[string]interface{}{
	AppWeb: {},
	AppAPI: {
		KeyBufferSize:    200,
		KeyFlushInterval: 30,
	},
	AppBatch: {
		KeyBufferSize:    500,
		KeyFlushInterval: 120,
	},
	AppMicroservice: {
		KeyBufferSize:    50,
		KeyFlushInterval: 15,
	},
}

// Performance adjustment thresholds.
const (
	volumeHighWaterPerHour = 50_000
	errorRateThreshold     = 0.10
	diskGrowthThreshold    = 256 << 20 // bytes per hour
	configCacheMaxAge      = 1 * time.Hour
	maxRecordedChanges     = 128
)

// envPrefix is the recognized prefix for explicit override variables,
// e.g. MNEMOSYNE_BUFFER_SIZE=120.
const envPrefix = "MNEMOSYNE_"

// Files the adaptive layer reads and writes inside the log directory.
const (
	configCacheName  = "config-cache.json"
	overrideFileName = "overrides.json"
)

// Environment marker files recognized in the deployment tree.
var environmentMarkers = []struct {
	name string
	env  Environment
}{
	{".env.development", Development},
	{".env.staging", Staging},
}

// ConfigChange is one audited tunable mutation. Automatic behavior changes
// are never silent: every change records what moved, from where, and why.
type ConfigChange struct {
	Key    string      `json:"key"`
	Old    interface{} `json:"old"`
	New    interface{} `json:"new"`
	Reason string      `json:"reason"`
	At     time.Time   `json:"at"`
}

// configCache is the persisted JSON shape of the configuration cache file.
type configCache struct {
	Environment string                 `json:"environment"`
	SavedAt     time.Time              `json:"saved_at"`
	Tunables    map[string]interface{} `json:"tunables"`
}

// adaptiveConfig owns the tunable set: it detects the environment, builds
// the initial set through the documented merge order and revises tunables
// when fed periodic performance metrics.
type adaptiveConfig struct {
	environment Environment

	mu         sync.RWMutex
	values     map[string]interface{}
	overridden map[string]bool
	changes    []ConfigChange
	appType    string
	appTypeSet bool

	// request-shape observation for app-type detection
	classCounts map[string]int
	classTotal  int

	// performance adjustment latches, so Adjust is idempotent given
	// stable inputs instead of compounding on every call
	volumeAdjusted bool
	diskAdjusted   bool

	cachePath    string
	overridePath string
	watcher      *argus.Watcher

	// onApply is notified after any batch of changes so the running
	// pipeline stages can retune themselves.
	onApply func()
	// emit carries audit records into the normal pipeline.
	emit          func(*LogRecord)
	errorCallback func(operation string, err error)
}

// detectEnvironment runs the ordered, short-circuiting signal chain:
// explicit value, recognized environment variables, network
// characteristics, marker files, then the conservative production default.
func detectEnvironment(explicit, dir string) Environment {
	// 1. Explicit configuration value
	if e, ok := parseEnvironment(explicit); ok {
		return e
	}

	// 2. Recognized environment variables
	for _, name := range []string{"MNEMOSYNE_ENV", "APP_ENV", "GO_ENV"} {
		if e, ok := parseEnvironment(os.Getenv(name)); ok {
			return e
		}
	}

	// 3. Server/network characteristics: a host with only loopback
	// addresses is a developer machine, private-only addressing suggests
	// a staging network. An active debug marker also means development.
	if os.Getenv("MNEMOSYNE_DEBUG") != "" {
		return Development
	}
	if e, ok := environmentFromAddresses(); ok {
		return e
	}

	// 4. Marker files in the deployment tree
	for _, marker := range environmentMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker.name)); err == nil {
			return marker.env
		}
		if _, err := os.Stat(marker.name); err == nil {
			return marker.env
		}
	}

	// 5. Conservative default
	return Production
}

func parseEnvironment(s string) (Environment, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev", "local":
		return Development, true
	case "staging", "stage", "test":
		return Staging, true
	case "production", "prod":
		return Production, true
	default:
		return Production, false
	}
}

// environmentFromAddresses inspects interface addresses. Loopback-only
// hosts classify as development, private-only as staging. Any public
// address disqualifies the signal and the chain moves on.
func environmentFromAddresses() (Environment, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil || len(addrs) == 0 {
		return Production, false
	}

	loopbackOnly := true
	privateOnly := true
	seen := 0
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP == nil {
			continue
		}
		seen++
		if !ipNet.IP.IsLoopback() {
			loopbackOnly = false
			if !ipNet.IP.IsPrivate() && !ipNet.IP.IsLinkLocalUnicast() {
				privateOnly = false
			}
		}
	}

	if seen == 0 {
		return Production, false
	}
	if loopbackOnly {
		return Development, true
	}
	if privateOnly {
		return Staging, true
	}
	return Production, false
}

// newAdaptiveConfig builds the configuration set in the documented order:
// environment preset, cached prior value (if fresh), explicit overrides
// (environment variables and the override file), application-type preset.
// Performance adjustment happens later through Adjust.
func newAdaptiveConfig(dir, explicitEnv, explicitAppType string, errorCallback func(string, error)) *adaptiveConfig {
	a := &adaptiveConfig{
		environment:   detectEnvironment(explicitEnv, dir),
		values:        make(map[string]interface{}),
		overridden:    make(map[string]bool),
		classCounts:   make(map[string]int),
		appType:       AppWeb,
		cachePath:     filepath.Join(dir, configCacheName),
		overridePath:  filepath.Join(dir, overrideFileName),
		errorCallback: errorCallback,
	}

	// Step 1: environment preset, loaded through koanf's structs provider
	// so defaults and overrides travel the same pipeline.
	k := koanf.New(".")
	if err := k.Load(structs.Provider(environmentPreset(a.environment), "koanf"), nil); err != nil {
		a.reportError("config_defaults", err)
		for key, v := range presetFallback(a.environment) {
			a.values[key] = v
		}
	} else {
		for key, v := range k.All() {
			a.values[key] = v
		}
	}

	// Step 2: cached prior configuration, if not older than one hour
	a.loadCache()

	// Step 3: explicit overrides always win over later steps
	a.loadEnvOverrides()
	a.loadOverrideFile()

	// Step 4: application-type preset
	if explicitAppType != "" {
		a.applyAppTypeLocked(explicitAppType, "explicit application type")
		a.appTypeSet = true
	}

	a.ensureValid()
	a.persist()
	a.watchOverrides()

	return a
}

// presetFallback converts a preset struct by hand when the structs
// provider fails; the required keys must be present no matter what.
func presetFallback(e Environment) map[string]interface{} {
	p := environmentPreset(e)
	return map[string]interface{}{
		KeyLogLevel:      p.LogLevel,
		KeyBufferSize:    p.BufferSize,
		KeyFlushInterval: p.FlushIntervalSeconds,
		KeyCompress:      p.Compress,
		KeyDedupEnabled:  p.DedupEnabled,
		KeyRotationDays:  p.RotationDays,
		KeyMaxBackups:    p.MaxBackups,
	}
}

// loadCache merges the persisted tunables when the cache file is fresh.
// A stale cache contributes nothing but is overwritten on the next persist.
func (a *adaptiveConfig) loadCache() {
	data, err := os.ReadFile(a.cachePath) // #nosec G304 -- path is derived from the validated log directory
	if err != nil {
		return
	}

	var cache configCache
	if err := json.Unmarshal(data, &cache); err != nil {
		a.reportError("config_cache_read", err)
		return
	}
	if time.Since(cache.SavedAt) > configCacheMaxAge {
		return
	}

	for key, v := range cache.Tunables {
		if _, known := a.values[key]; known {
			a.values[key] = v
		}
	}
}

// loadEnvOverrides collects MNEMOSYNE_* variables through koanf's env
// provider and applies the recognized tunables as explicit overrides.
func (a *adaptiveConfig) loadEnvOverrides() {
	k := koanf.New(".")
	provider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(provider, nil); err != nil {
		a.reportError("config_env", err)
		return
	}

	for key, raw := range k.All() {
		if _, known := a.values[key]; !known {
			continue // MNEMOSYNE_ENV and friends are not tunables
		}
		if v, ok := a.coerce(key, raw); ok {
			a.values[key] = v
			a.overridden[key] = true
		}
	}
}

// loadOverrideFile applies the JSON override file, if present.
func (a *adaptiveConfig) loadOverrideFile() {
	data, err := os.ReadFile(a.overridePath) // #nosec G304 -- path is derived from the validated log directory
	if err != nil {
		return
	}

	var overrides map[string]interface{}
	if err := json.Unmarshal(data, &overrides); err != nil {
		a.reportError("config_override_read", err)
		return
	}

	for key, raw := range overrides {
		if _, known := a.values[key]; !known {
			continue
		}
		if v, ok := a.coerce(key, raw); ok {
			a.values[key] = v
			a.overridden[key] = true
		}
	}
}

// watchOverrides hot-reloads the override file while the process runs.
func (a *adaptiveConfig) watchOverrides() {
	if _, err := os.Stat(a.overridePath); err != nil {
		return
	}

	watcher, err := argus.UniversalConfigWatcher(a.overridePath, func(cfg map[string]interface{}) {
		a.applyOverrides(cfg, "override file changed")
	})
	if err != nil {
		a.reportError("config_watch", err)
		return
	}
	a.watcher = watcher
}

// applyOverrides applies a batch of explicit overrides at runtime, with
// the same audit discipline as automatic adjustments.
func (a *adaptiveConfig) applyOverrides(overrides map[string]interface{}, reason string) {
	changed := false

	a.mu.Lock()
	for key, raw := range overrides {
		old, known := a.values[key]
		if !known {
			continue
		}
		v, ok := a.coerce(key, raw)
		if !ok || v == old {
			continue
		}
		a.values[key] = v
		a.overridden[key] = true
		a.recordChangeLocked(key, old, v, reason)
		changed = true
	}
	a.mu.Unlock()

	if changed {
		a.persist()
		a.notify()
	}
}

// coerce converts a raw override value to the tunable's type and clamps
// numeric tunables to their documented bounds. Invalid values are
// corrected to the current value, never fatal, and the correction is
// reported.
func (a *adaptiveConfig) coerce(key string, raw interface{}) (interface{}, bool) {
	switch key {
	case KeyLogLevel:
		s, ok := raw.(string)
		if !ok {
			a.reportError("config_invalid", fmt.Errorf("tunable %s: expected string, got %T", key, raw))
			return nil, false
		}
		if _, err := ParseSeverity(s); err != nil {
			a.reportError("config_invalid", err)
			return nil, false
		}
		return strings.ToLower(s), true

	case KeyCompress, KeyDedupEnabled:
		switch t := raw.(type) {
		case bool:
			return t, true
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				a.reportError("config_invalid", fmt.Errorf("tunable %s: %v", key, err))
				return nil, false
			}
			return b, true
		default:
			a.reportError("config_invalid", fmt.Errorf("tunable %s: expected bool, got %T", key, raw))
			return nil, false
		}

	case KeyBufferSize, KeyFlushInterval, KeyRotationDays, KeyMaxBackups:
		n, err := toInt(raw)
		if err != nil {
			// Flush interval additionally accepts duration strings ("90s",
			// "2m") since that is how operators think about it.
			if s, isString := raw.(string); isString && key == KeyFlushInterval {
				if d, derr := ParseDuration(s); derr == nil {
					n, err = int(d.Seconds()), nil
				}
			}
			if err != nil {
				a.reportError("config_invalid", fmt.Errorf("tunable %s: %v", key, err))
				return nil, false
			}
		}
		switch key {
		case KeyBufferSize:
			n = clampInt(n, minBufferSize, maxBufferSize)
		case KeyFlushInterval:
			n = clampInt(n, int(minFlushInterval.Seconds()), int(maxFlushInterval.Seconds()))
		case KeyRotationDays:
			n = clampInt(n, minRotationDays, maxRotationDays)
		case KeyMaxBackups:
			n = clampInt(n, 0, 100)
		}
		return n, true

	default:
		return nil, false
	}
}

// tunableEqual compares tunable values across the dynamic types a JSON
// round-trip produces: cached integers come back as float64 and must not
// register as corrections.
func tunableEqual(a, b interface{}) bool {
	if a == b {
		return true
	}
	an, aerr := toInt(a)
	bn, berr := toInt(b)
	return aerr == nil && berr == nil && an == bn
}

func toInt(raw interface{}) (int, error) {
	switch t := raw.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}

// ensureValid guarantees every required key is present and within bounds
// after any merge, correcting to the environment preset where needed.
func (a *adaptiveConfig) ensureValid() {
	fallback := presetFallback(a.environment)

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, def := range fallback {
		v, present := a.values[key]
		if !present {
			a.values[key] = def
			a.recordChangeLocked(key, nil, def, "missing tunable corrected to default")
			continue
		}
		if corrected, ok := a.coerce(key, v); ok {
			if !tunableEqual(corrected, v) {
				a.recordChangeLocked(key, v, corrected, "tunable out of bounds, clamped")
			}
			a.values[key] = corrected
		} else {
			a.values[key] = def
			a.recordChangeLocked(key, v, def, "invalid tunable corrected to default")
		}
	}
}

// applyAppTypeLocked overlays the application-type preset, skipping keys
// the operator overrode explicitly.
func (a *adaptiveConfig) applyAppTypeLocked(appType, reason string) {
	preset, known := appTypePresets[appType]
	if !known {
		a.reportError("config_invalid", fmt.Errorf("unknown application type %q", appType))
		return
	}

	a.appType = appType
	for key, v := range preset {
		if a.overridden[key] {
			continue
		}
		if old := a.values[key]; old != v {
			a.values[key] = v
			a.recordChangeLocked(key, old, v, reason)
		}
	}
}

// observeRequestType feeds the request-shape signal used for app-type
// detection. After enough observations the dominant class decides the
// application type once; explicit configuration wins over detection.
func (a *adaptiveConfig) observeRequestType(class string) {
	const decideAfter = 50

	a.mu.Lock()
	if a.appTypeSet {
		a.mu.Unlock()
		return
	}

	a.classCounts[class]++
	a.classTotal++
	if a.classTotal < decideAfter {
		a.mu.Unlock()
		return
	}

	dominant, best := AppWeb, 0
	for class, n := range a.classCounts {
		if n > best {
			dominant, best = class, n
		}
	}

	detected := AppWeb
	switch dominant {
	case RequestAPI, RequestREST, RequestAjax:
		detected = AppAPI
	case RequestCLI:
		detected = AppBatch
	}

	a.appTypeSet = true
	a.applyAppTypeLocked(detected, "application type detected from request shape")
	a.mu.Unlock()

	a.persist()
	a.notify()
}

// PerformanceMetrics is the periodic feedback the adaptive layer consumes.
type PerformanceMetrics struct {
	RecordsPerHour    uint64
	ErrorRate         float64
	DiskGrowthPerHour int64
}

// Adjust revises tunables from observed performance. The rules are
// monotonic and idempotent given stable inputs: each breach adjusts once
// and re-arms only after the metric recedes.
func (a *adaptiveConfig) Adjust(m PerformanceMetrics) {
	changed := false

	a.mu.Lock()

	// High volume: double the buffer (bounded) and lengthen the flush
	// interval so the request path amortizes I/O over more records.
	if m.RecordsPerHour > volumeHighWaterPerHour {
		if !a.volumeAdjusted {
			a.volumeAdjusted = true
			if !a.overridden[KeyBufferSize] {
				oldSize, _ := a.values[KeyBufferSize].(int)
				newSize := clampInt(oldSize*2, minBufferSize, maxBufferSize)
				if newSize != oldSize {
					a.values[KeyBufferSize] = newSize
					a.recordChangeLocked(KeyBufferSize, oldSize, newSize, fmt.Sprintf("log volume %d/h above high-water mark", m.RecordsPerHour))
					changed = true
				}
			}
			if !a.overridden[KeyFlushInterval] {
				oldFlush, _ := a.values[KeyFlushInterval].(int)
				newFlush := clampInt(oldFlush*2, int(minFlushInterval.Seconds()), int(maxFlushInterval.Seconds()))
				if newFlush != oldFlush {
					a.values[KeyFlushInterval] = newFlush
					a.recordChangeLocked(KeyFlushInterval, oldFlush, newFlush, "flush interval lengthened with buffer growth")
					changed = true
				}
			}
		}
	} else if m.RecordsPerHour < volumeHighWaterPerHour/2 {
		a.volumeAdjusted = false
	}

	// High error rate: debug verbosity would drown the signal
	if m.ErrorRate > errorRateThreshold && !a.overridden[KeyLogLevel] {
		if level, _ := a.values[KeyLogLevel].(string); level == "debug" {
			a.values[KeyLogLevel] = "info"
			a.recordChangeLocked(KeyLogLevel, "debug", "info", fmt.Sprintf("error rate %.2f above threshold", m.ErrorRate))
			changed = true
		}
	}

	// Disk growth: force compression on and shorten retention
	if m.DiskGrowthPerHour > diskGrowthThreshold {
		if !a.diskAdjusted {
			a.diskAdjusted = true
			if compress, _ := a.values[KeyCompress].(bool); !compress && !a.overridden[KeyCompress] {
				a.values[KeyCompress] = true
				a.recordChangeLocked(KeyCompress, false, true, "disk growth above threshold")
				changed = true
			}
			if !a.overridden[KeyRotationDays] {
				oldDays, _ := a.values[KeyRotationDays].(int)
				newDays := clampInt(oldDays/2, minRotationDays, maxRotationDays)
				if newDays != oldDays {
					a.values[KeyRotationDays] = newDays
					a.recordChangeLocked(KeyRotationDays, oldDays, newDays, "rotation retention shortened under disk pressure")
					changed = true
				}
			}
		}
	} else if m.DiskGrowthPerHour < diskGrowthThreshold/2 {
		a.diskAdjusted = false
	}

	a.mu.Unlock()

	if changed {
		a.persist()
		a.notify()
	}
}

// Set applies one explicit override at runtime, audited like any other
// change. Unknown keys and invalid values are corrected, never fatal.
func (a *adaptiveConfig) Set(key string, value interface{}) {
	a.applyOverrides(map[string]interface{}{key: value}, "explicit set")
}

// recordChangeLocked appends to the bounded audit trail and emits the
// change as a record through the normal pipeline. Caller holds a.mu.
func (a *adaptiveConfig) recordChangeLocked(key string, oldValue, newValue interface{}, reason string) {
	change := ConfigChange{Key: key, Old: oldValue, New: newValue, Reason: reason, At: time.Now()}
	a.changes = append(a.changes, change)
	if len(a.changes) > maxRecordedChanges {
		a.changes = a.changes[len(a.changes)-maxRecordedChanges:]
	}

	if a.emit != nil {
		a.emit(&LogRecord{
			Severity:  Info,
			Message:   "configuration changed",
			Timestamp: change.At,
			Context: []Field{
				F("tunable", key),
				F("old", fmt.Sprintf("%v", oldValue)),
				F("new", fmt.Sprintf("%v", newValue)),
				F("reason", reason),
			},
		})
	}
}

// Changes returns a copy of the audited configuration changes.
func (a *adaptiveConfig) Changes() []ConfigChange {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ConfigChange, len(a.changes))
	copy(out, a.changes)
	return out
}

// persist writes the configuration cache with whole-file replace
// semantics: temp file plus atomic rename.
func (a *adaptiveConfig) persist() {
	a.mu.RLock()
	cache := configCache{
		Environment: a.environment.String(),
		SavedAt:     time.Now(),
		Tunables:    make(map[string]interface{}, len(a.values)),
	}
	for key, v := range a.values {
		cache.Tunables[key] = v
	}
	a.mu.RUnlock()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		a.reportError("config_cache_encode", err)
		return
	}

	tempName := a.cachePath + ".tmp"
	if err := os.WriteFile(tempName, data, 0600); err != nil {
		a.reportError("config_cache_write", err)
		return
	}
	if err := os.Rename(tempName, a.cachePath); err != nil {
		_ = os.Remove(tempName)
		a.reportError("config_cache_rename", err)
	}
}

func (a *adaptiveConfig) notify() {
	if a.onApply != nil {
		a.onApply()
	}
}

// Accessors. Readers tolerate brief staleness; writers are serialized.

func (a *adaptiveConfig) Environment() Environment { return a.environment }

func (a *adaptiveConfig) AppType() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.appType
}

func (a *adaptiveConfig) intValue(key string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, _ := a.values[key].(int)
	return n
}

func (a *adaptiveConfig) boolValue(key string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, _ := a.values[key].(bool)
	return b
}

func (a *adaptiveConfig) levelValue() Severity {
	a.mu.RLock()
	s, _ := a.values[KeyLogLevel].(string)
	a.mu.RUnlock()
	sev, err := ParseSeverity(s)
	if err != nil {
		return Info
	}
	return sev
}

// Snapshot returns a copy of the current tunable set.
func (a *adaptiveConfig) Snapshot() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]interface{}, len(a.values))
	for key, v := range a.values {
		out[key] = v
	}
	return out
}

func (a *adaptiveConfig) reportError(operation string, err error) {
	if a.errorCallback != nil {
		a.errorCallback(operation, err)
	}
}

// close stops the override watcher.
func (a *adaptiveConfig) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
}
