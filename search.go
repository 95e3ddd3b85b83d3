// search.go: Indexed search over active and rotated log files
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Search limits. Limit defaults to defaultSearchLimit when unset and is
// capped at maxSearchLimit; context lines are capped per side.
const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
	maxContextLines    = 10
	searchIndexName    = "search-index.json"
	searchCacheTTL     = 30 * time.Second
	minTokenLength     = 3
)

// SearchCriteria selects records from the historical log data. Zero values
// mean "no constraint" for every field except Limit, which defaults.
type SearchCriteria struct {
	Query        string    // free-text terms, all must match (AND)
	Level        string    // severity name filter, case-insensitive
	DateFrom     time.Time // inclusive lower bound on the record timestamp
	DateTo       time.Time // inclusive upper bound on the record timestamp
	Limit        int
	ContextLines int // surrounding lines included per match, per side
}

// SearchMatch is one matched log line with optional surrounding context.
type SearchMatch struct {
	File      string    `json:"file"`
	LineNo    int       `json:"line_no"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Line      string    `json:"line"`
	Before    []string  `json:"before,omitempty"`
	After     []string  `json:"after,omitempty"`
}

// RecurringError is an aggregated error pattern: occurrences of distinct
// messages that normalize to the same shape.
type RecurringError struct {
	Pattern   string    `json:"pattern"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Sample    string    `json:"sample"`
}

// fileIndexEntry is the per-file slice of the search index: file metadata
// plus a term frequency table. A file whose size and mtime are unchanged
// since indexing is skipped on refresh.
type fileIndexEntry struct {
	ModTime time.Time      `json:"mod_time"`
	Size    int64          `json:"size"`
	Lines   int            `json:"lines"`
	Terms   map[string]int `json:"terms"`
}

// searchIndex maintains a per-file term table so queries can skip files
// that cannot contain every query term, and caches recent query results.
type searchIndex struct {
	dir       string
	indexPath string
	files     func() []string

	mu      sync.Mutex
	entries map[string]*fileIndexEntry

	cache         *ristretto.Cache
	errorCallback func(operation string, err error)
}

// lineRe parses the fixed line layout written by the formatter:
// timestamp, severity, message (with optional trailing context fields).
var lineRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) - ([A-Z]+): (.*)$`)

// stopWords are excluded from the term table; they match almost every
// line and would defeat the pre-filter.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"this": true, "that": true, "not": true, "request_id": true,
}

func newSearchIndex(dir string, files func() []string, errorCallback func(string, error)) *searchIndex {
	idx := &searchIndex{
		dir:           dir,
		indexPath:     filepath.Join(dir, searchIndexName),
		files:         files,
		entries:       make(map[string]*fileIndexEntry),
		errorCallback: errorCallback,
	}

	// The result cache is an optimization: if it cannot be built the
	// index works without it, every query just scans.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		idx.reportError("search_cache", err)
	} else {
		idx.cache = cache
	}

	idx.loadIndex()
	return idx
}

// loadIndex restores the persisted index. Entries for files that no longer
// exist are dropped on the next refresh; a corrupt index file simply means
// a full reindex.
func (idx *searchIndex) loadIndex() {
	data, err := os.ReadFile(idx.indexPath) // #nosec G304 -- path is derived from the validated log directory
	if err != nil {
		return
	}

	var entries map[string]*fileIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		idx.reportError("index_read", err)
		return
	}

	idx.mu.Lock()
	idx.entries = entries
	idx.mu.Unlock()
}

// persistIndex writes the index with whole-file replace semantics.
func (idx *searchIndex) persistIndex() {
	idx.mu.Lock()
	data, err := json.Marshal(idx.entries)
	idx.mu.Unlock()
	if err != nil {
		idx.reportError("index_encode", err)
		return
	}

	tempName := idx.indexPath + ".tmp"
	if err := os.WriteFile(tempName, data, 0600); err != nil {
		idx.reportError("index_write", err)
		return
	}
	if err := os.Rename(tempName, idx.indexPath); err != nil {
		_ = os.Remove(tempName)
		idx.reportError("index_rename", err)
	}
}

// tokenize splits text into index terms: lower-cased words of at least
// minTokenLength characters, stop words excluded.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_'
	})

	out := fields[:0]
	for _, f := range fields {
		if len(f) < minTokenLength || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// UpdateIndex refreshes the term table incrementally: files whose size and
// mtime are unchanged keep their existing entry, new and changed files are
// re-read, vanished files are dropped.
func (idx *searchIndex) UpdateIndex(ctx context.Context) error {
	current := make(map[string]bool)

	for _, path := range idx.files() {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Skip sidecar files the index itself writes
		if strings.HasSuffix(path, ".tmp") || strings.HasSuffix(path, ".json") {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		current[path] = true

		idx.mu.Lock()
		entry, exists := idx.entries[path]
		unchanged := exists && entry.Size == info.Size() && entry.ModTime.Equal(info.ModTime())
		idx.mu.Unlock()
		if unchanged {
			continue
		}

		fresh, err := idx.indexFile(ctx, path, info)
		if err != nil {
			idx.reportError("index_file", fmt.Errorf("indexing %s: %w", path, err))
			continue
		}

		idx.mu.Lock()
		idx.entries[path] = fresh
		idx.mu.Unlock()
	}

	idx.mu.Lock()
	for path := range idx.entries {
		if !current[path] {
			delete(idx.entries, path)
		}
	}
	idx.mu.Unlock()

	idx.persistIndex()
	return ctx.Err()
}

// indexFile reads one log file (gzip-transparent) and builds its entry.
func (idx *searchIndex) indexFile(ctx context.Context, path string, info os.FileInfo) (*fileIndexEntry, error) {
	reader, closeFn, err := openLogReader(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	entry := &fileIndexEntry{
		ModTime: info.ModTime(),
		Size:    info.Size(),
		Terms:   make(map[string]int),
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if entry.Lines%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		entry.Lines++
		for _, term := range tokenize(scanner.Text()) {
			entry.Terms[term]++
		}
	}
	return entry, scanner.Err()
}

// openLogReader opens a log file for reading, transparently decompressing
// rotated .gz backups.
func openLogReader(path string) (io.Reader, func(), error) {
	file, err := os.Open(path) // #nosec G304 -- path comes from the sink's own file listing
	if err != nil {
		return nil, nil, err
	}

	if filepath.Ext(path) != ".gz" {
		return file, func() { _ = file.Close() }, nil
	}

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	return gzReader, func() {
		_ = gzReader.Close()
		_ = file.Close()
	}, nil
}

// parsedLine is one decoded log line.
type parsedLine struct {
	timestamp time.Time
	level     string
	rest      string
}

func parseLine(line string) (parsedLine, bool) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return parsedLine{}, false
	}
	ts, err := time.ParseInLocation(lineTimeFormat, m[1], time.Local)
	if err != nil {
		return parsedLine{}, false
	}
	return parsedLine{timestamp: ts, level: m[2], rest: m[3]}, true
}

// normalizeCriteria applies defaults and caps.
func normalizeCriteria(c SearchCriteria) SearchCriteria {
	if c.Limit <= 0 {
		c.Limit = defaultSearchLimit
	}
	if c.Limit > maxSearchLimit {
		c.Limit = maxSearchLimit
	}
	if c.ContextLines < 0 {
		c.ContextLines = 0
	}
	if c.ContextLines > maxContextLines {
		c.ContextLines = maxContextLines
	}
	c.Level = strings.ToUpper(strings.TrimSpace(c.Level))
	return c
}

func criteriaCacheKey(c SearchCriteria) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(c.Query)
	_, _ = h.WriteString("\x1f")
	_, _ = h.WriteString(c.Level)
	_, _ = h.WriteString("\x1f")
	_, _ = h.WriteString(c.DateFrom.Format(time.RFC3339))
	_, _ = h.WriteString(c.DateTo.Format(time.RFC3339))
	_, _ = h.WriteString(fmt.Sprintf("%d:%d", c.Limit, c.ContextLines))
	return h.Sum64()
}

// Search returns matches newest first; the limit truncates the oldest.
// Query terms combine with AND, case-insensitive, tokenized the same way
// the index is. Files whose term table lacks any query term are skipped
// without reading.
func (idx *searchIndex) Search(ctx context.Context, criteria SearchCriteria) ([]SearchMatch, error) {
	criteria = normalizeCriteria(criteria)
	cacheKey := criteriaCacheKey(criteria)

	if idx.cache != nil {
		if cached, found := idx.cache.Get(cacheKey); found {
			if matches, ok := cached.([]SearchMatch); ok {
				return matches, nil
			}
		}
	}

	if err := idx.UpdateIndex(ctx); err != nil {
		return nil, err
	}

	terms := tokenize(criteria.Query)

	var matches []SearchMatch
	for _, path := range idx.orderedFiles() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(matches) >= criteria.Limit {
			break
		}
		if !idx.fileMayMatch(path, terms) {
			continue
		}

		fileMatches, err := idx.searchFile(ctx, path, criteria, terms, criteria.Limit-len(matches))
		if err != nil {
			idx.reportError("search_file", fmt.Errorf("searching %s: %w", path, err))
			continue
		}
		matches = append(matches, fileMatches...)
	}

	// Files are visited newest first and each file reports newest first,
	// but rotation boundaries can interleave timestamps.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})

	if idx.cache != nil {
		idx.cache.SetWithTTL(cacheKey, matches, int64(len(matches)+1), searchCacheTTL)
	}
	return matches, nil
}

// orderedFiles lists indexed files newest first by mtime.
func (idx *searchIndex) orderedFiles() []string {
	idx.mu.Lock()
	type fileAge struct {
		path    string
		modTime time.Time
	}
	files := make([]fileAge, 0, len(idx.entries))
	for path, entry := range idx.entries {
		files = append(files, fileAge{path: path, modTime: entry.ModTime})
	}
	idx.mu.Unlock()

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out
}

// fileMayMatch consults the term table: every query term must be present
// for the file to be worth scanning.
func (idx *searchIndex) fileMayMatch(path string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, exists := idx.entries[path]
	if !exists {
		return true // unindexed file, scan to be safe
	}
	for _, term := range terms {
		if entry.Terms[term] == 0 {
			return false
		}
	}
	return true
}

// fileCount reports how many files the index currently covers.
func (idx *searchIndex) fileCount() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}

// searchFile scans one file line by line, applying every criterion and
// collecting surrounding context when requested. Lines are stored oldest
// first on disk, so the scan keeps a sliding tail of the newest remaining
// matches and returns them newest first.
func (idx *searchIndex) searchFile(ctx context.Context, path string, criteria SearchCriteria, terms []string, remaining int) ([]SearchMatch, error) {
	reader, closeFn, err := openLogReader(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var (
		matches []SearchMatch
		before  []string
		lineNo  int
		pending int // open matches still collecting "after" context
	)

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if lineNo%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		lineNo++
		line := scanner.Text()

		if pending > 0 {
			for i := len(matches) - pending; i < len(matches); i++ {
				if len(matches[i].After) < criteria.ContextLines {
					matches[i].After = append(matches[i].After, line)
				}
			}
			if len(matches[len(matches)-1].After) >= criteria.ContextLines {
				pending = 0
			}
		}

		if parsed, ok := parseLine(line); ok && lineMatches(parsed, line, criteria, terms) {
			match := SearchMatch{
				File:      filepath.Base(path),
				LineNo:    lineNo,
				Timestamp: parsed.timestamp,
				Level:     parsed.level,
				Line:      line,
			}
			if criteria.ContextLines > 0 {
				match.Before = append([]string(nil), before...)
				pending++
			}
			matches = append(matches, match)
			if len(matches) > remaining {
				// Drop the oldest match; the limit must never cost the
				// newest ones.
				if pending == len(matches) {
					pending--
				}
				matches = matches[1:]
			}
		}

		if criteria.ContextLines > 0 {
			before = append(before, line)
			if len(before) > criteria.ContextLines {
				before = before[1:]
			}
		}
	}

	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	return matches, scanner.Err()
}

// lineMatches applies every search criterion to one parsed line. Terms
// come pre-tokenized (stop words and punctuation already stripped) and
// match as substrings.
func lineMatches(parsed parsedLine, line string, criteria SearchCriteria, terms []string) bool {
	if criteria.Level != "" && parsed.level != criteria.Level {
		return false
	}
	if !criteria.DateFrom.IsZero() && parsed.timestamp.Before(criteria.DateFrom) {
		return false
	}
	if !criteria.DateTo.IsZero() && parsed.timestamp.After(criteria.DateTo) {
		return false
	}
	lower := strings.ToLower(line)
	for _, term := range terms {
		if !strings.Contains(lower, term) {
			return false
		}
	}
	return true
}

// RecurringErrors aggregates error-and-worse records within the lookback
// window by normalized message shape, most frequent first.
func (idx *searchIndex) RecurringErrors(ctx context.Context, since time.Time, limit int) ([]RecurringError, error) {
	if limit <= 0 {
		limit = 10
	}
	if err := idx.UpdateIndex(ctx); err != nil {
		return nil, err
	}

	type aggregate struct {
		count     int
		firstSeen time.Time
		lastSeen  time.Time
		sample    string
	}
	patterns := make(map[string]*aggregate)

	for _, path := range idx.orderedFiles() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reader, closeFn, err := openLogReader(path)
		if err != nil {
			continue
		}

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			parsed, ok := parseLine(scanner.Text())
			if !ok {
				continue
			}
			if parsed.level != severityNames[Error] && parsed.level != severityNames[Critical] {
				continue
			}
			if !since.IsZero() && parsed.timestamp.Before(since) {
				continue
			}

			message := parsed.rest
			if i := strings.Index(message, " | "); i >= 0 {
				message = message[:i]
			}
			pattern := normalizeMessage(message)
			agg, exists := patterns[pattern]
			if !exists {
				agg = &aggregate{firstSeen: parsed.timestamp, sample: message}
				patterns[pattern] = agg
			}
			agg.count++
			if parsed.timestamp.Before(agg.firstSeen) {
				agg.firstSeen = parsed.timestamp
			}
			if parsed.timestamp.After(agg.lastSeen) {
				agg.lastSeen = parsed.timestamp
			}
		}
		closeFn()
	}

	out := make([]RecurringError, 0, len(patterns))
	for pattern, agg := range patterns {
		out = append(out, RecurringError{
			Pattern:   pattern,
			Count:     agg.count,
			FirstSeen: agg.firstSeen,
			LastSeen:  agg.lastSeen,
			Sample:    agg.sample,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Pattern < out[j].Pattern
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (idx *searchIndex) reportError(operation string, err error) {
	if idx.errorCallback != nil {
		idx.errorCallback(operation, err)
	}
}

// close releases the result cache.
func (idx *searchIndex) close() {
	if idx.cache != nil {
		idx.cache.Close()
	}
}
