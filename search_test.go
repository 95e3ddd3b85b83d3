// search_test.go: Index and query tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLogFixture(t *testing.T, path string, lines ...string) {
	t.Helper()
	var data []byte
	for _, line := range lines {
		data = append(data, line...)
		data = append(data, '\n')
	}
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func fixtureIndex(t *testing.T, dir string, files ...string) *searchIndex {
	t.Helper()
	idx := newSearchIndex(dir, func() []string { return files }, func(op string, err error) {
		t.Logf("index error (%s): %v", op, err)
	})
	t.Cleanup(idx.close)
	return idx
}

func TestSearchAndSemantics(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)
	writeLogFixture(t, logPath,
		"2026-08-30 10:00:00 - ERROR: disk check failed",
		"2026-08-30 10:00:01 - ERROR: disk full on device sda1",
		"2026-08-30 10:00:02 - INFO: cache full, evicting",
	)

	idx := fixtureIndex(t, dir, logPath)
	matches, err := idx.Search(context.Background(), SearchCriteria{Query: "disk full"})
	require.NoError(t, err)

	// Both terms must match: "disk check failed" and "cache full" each
	// carry only one of them.
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0].Line, "disk full on device sda1")
	assert.Equal(t, "ERROR", matches[0].Level)
	assert.Equal(t, 2, matches[0].LineNo)
}

func TestSearchLevelAndDateFilters(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)
	writeLogFixture(t, logPath,
		"2026-08-29 09:00:00 - ERROR: payment declined",
		"2026-08-30 09:00:00 - ERROR: payment declined",
		"2026-08-30 09:00:01 - WARNING: payment retried",
	)

	idx := fixtureIndex(t, dir, logPath)

	byLevel, err := idx.Search(context.Background(), SearchCriteria{Query: "payment", Level: "error"})
	require.NoError(t, err)
	assert.Len(t, byLevel, 2, "level filter is case-insensitive")

	from := time.Date(2026, 8, 30, 0, 0, 0, 0, time.Local)
	byDate, err := idx.Search(context.Background(), SearchCriteria{Query: "payment", DateFrom: from})
	require.NoError(t, err)
	assert.Len(t, byDate, 2, "date filter must exclude the prior day")
}

func TestSearchContextLines(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)
	writeLogFixture(t, logPath,
		"2026-08-30 10:00:00 - INFO: step one",
		"2026-08-30 10:00:01 - INFO: step two",
		"2026-08-30 10:00:02 - ERROR: boom happened",
		"2026-08-30 10:00:03 - INFO: step three",
		"2026-08-30 10:00:04 - INFO: step four",
	)

	idx := fixtureIndex(t, dir, logPath)
	matches, err := idx.Search(context.Background(), SearchCriteria{Query: "boom", ContextLines: 2})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	require.Len(t, matches[0].Before, 2)
	assert.Contains(t, matches[0].Before[0], "step one")
	assert.Contains(t, matches[0].Before[1], "step two")
	require.Len(t, matches[0].After, 2)
	assert.Contains(t, matches[0].After[0], "step three")
	assert.Contains(t, matches[0].After[1], "step four")
}

func TestSearchLimits(t *testing.T) {
	c := normalizeCriteria(SearchCriteria{})
	assert.Equal(t, defaultSearchLimit, c.Limit)
	assert.Equal(t, 0, c.ContextLines)

	c = normalizeCriteria(SearchCriteria{Limit: 100_000, ContextLines: 99})
	assert.Equal(t, maxSearchLimit, c.Limit)
	assert.Equal(t, maxContextLines, c.ContextLines)
}

func TestSearchLimitCutsOff(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)

	lines := make([]string, 20)
	for i := range lines {
		lines[i] = "2026-08-30 10:00:00 - INFO: heartbeat received"
	}
	writeLogFixture(t, logPath, lines...)

	idx := fixtureIndex(t, dir, logPath)
	matches, err := idx.Search(context.Background(), SearchCriteria{Query: "heartbeat", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, matches, 5)
}

func TestSearchNewestFirst(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)
	writeLogFixture(t, logPath,
		"2026-08-30 10:00:00 - INFO: heartbeat received",
		"2026-08-30 11:00:00 - INFO: heartbeat received",
		"2026-08-30 12:00:00 - INFO: heartbeat received",
	)

	idx := fixtureIndex(t, dir, logPath)
	matches, err := idx.Search(context.Background(), SearchCriteria{Query: "heartbeat", Limit: 2})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// The limit truncates the oldest match, never the newest.
	assert.Equal(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.Local), matches[0].Timestamp)
	assert.Equal(t, time.Date(2026, 8, 30, 11, 0, 0, 0, time.Local), matches[1].Timestamp)
}

func TestSearchQueryTokenization(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)
	writeLogFixture(t, logPath, "2026-08-30 10:00:00 - ERROR: disk full on device sda1")

	idx := fixtureIndex(t, dir, logPath)

	// Stop words and punctuation in the query must not exclude records:
	// the query tokenizes the same way the indexed lines do.
	for _, query := range []string{"disk full from device", "disk, full"} {
		matches, err := idx.Search(context.Background(), SearchCriteria{Query: query})
		require.NoError(t, err)
		require.Len(t, matches, 1, "query %q", query)
		assert.Contains(t, matches[0].Line, "disk full on device sda1")
	}
}

func TestSearchReadsCompressedBackups(t *testing.T) {
	dir := t.TempDir()
	archived := filepath.Join(dir, primaryLogName+".2026-08-29-00-00-00.gz")

	archive, err := os.Create(archived)
	require.NoError(t, err)
	gz := gzip.NewWriter(archive)
	_, err = gz.Write([]byte("2026-08-29 10:00:00 - ERROR: archived failure in cold storage\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, archive.Close())

	idx := fixtureIndex(t, dir, archived)
	matches, err := idx.Search(context.Background(), SearchCriteria{Query: "cold storage"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0].Line, "archived failure")
}

func TestUpdateIndexSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)
	writeLogFixture(t, logPath, "2026-08-30 10:00:00 - INFO: initial content")

	idx := fixtureIndex(t, dir, logPath)
	require.NoError(t, idx.UpdateIndex(context.Background()))

	idx.mu.Lock()
	first := idx.entries[logPath]
	idx.mu.Unlock()
	require.NotNil(t, first)

	// Unchanged file: the same entry instance survives the refresh
	require.NoError(t, idx.UpdateIndex(context.Background()))
	idx.mu.Lock()
	second := idx.entries[logPath]
	idx.mu.Unlock()
	assert.Same(t, first, second)

	// Changed file: the entry is rebuilt with the new line count. The
	// mtime is pushed forward explicitly since coarse filesystem clocks
	// could otherwise hide a fast rewrite.
	writeLogFixture(t, logPath,
		"2026-08-30 10:00:00 - INFO: initial content",
		"2026-08-30 10:00:01 - INFO: appended content",
	)
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(logPath, future, future))

	require.NoError(t, idx.UpdateIndex(context.Background()))
	idx.mu.Lock()
	third := idx.entries[logPath]
	idx.mu.Unlock()
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, third.Lines)
}

func TestIndexPersistence(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)
	writeLogFixture(t, logPath, "2026-08-30 10:00:00 - INFO: durable entry")

	first := fixtureIndex(t, dir, logPath)
	require.NoError(t, first.UpdateIndex(context.Background()))

	// A new index instance over the same directory restores the term table
	second := fixtureIndex(t, dir, logPath)
	second.mu.Lock()
	entry := second.entries[logPath]
	second.mu.Unlock()
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Terms["durable"])
}

func TestSearchTermPrefilter(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)
	writeLogFixture(t, logPath, "2026-08-30 10:00:00 - INFO: only known words here")

	idx := fixtureIndex(t, dir, logPath)
	require.NoError(t, idx.UpdateIndex(context.Background()))

	assert.True(t, idx.fileMayMatch(logPath, []string{"known", "words"}))
	assert.False(t, idx.fileMayMatch(logPath, []string{"known", "absent"}))
	assert.True(t, idx.fileMayMatch(logPath, nil), "empty query matches everything")
}

func TestTokenize(t *testing.T) {
	got := tokenize("The Disk is FULL at /var/data, errno=281!")
	assert.Equal(t, []string{"disk", "full", "var", "data", "errno", "281"}, got)
}

func TestParseLine(t *testing.T) {
	parsed, ok := parseLine("2026-08-30 10:15:00 - WARNING: queue depth high | request_id=r1")
	require.True(t, ok)
	assert.Equal(t, "WARNING", parsed.level)
	assert.Equal(t, "queue depth high | request_id=r1", parsed.rest)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 15, 0, 0, time.Local), parsed.timestamp)

	_, ok = parseLine("malformed garbage")
	assert.False(t, ok)
}

func TestRecurringErrors(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)
	writeLogFixture(t, logPath,
		"2026-08-30 10:00:00 - ERROR: timeout connecting to 10.0.0.1:5432",
		"2026-08-30 10:05:00 - ERROR: timeout connecting to 10.0.0.2:5432",
		"2026-08-30 10:06:00 - ERROR: timeout connecting to 10.9.9.9:5432",
		"2026-08-30 10:07:00 - ERROR: disk full on sda1",
		"2026-08-30 10:08:00 - INFO: timeout connecting to 10.0.0.1:5432",
	)

	idx := fixtureIndex(t, dir, logPath)
	recurring, err := idx.RecurringErrors(context.Background(), time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, recurring, 2)

	// Structurally identical errors aggregate despite distinct addresses;
	// the info record never counts.
	assert.Equal(t, 3, recurring[0].Count)
	assert.Contains(t, recurring[0].Pattern, "timeout connecting to <ip>")
	assert.Equal(t, 1, recurring[1].Count)
}

func TestSearchCancellation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, primaryLogName)
	writeLogFixture(t, logPath, "2026-08-30 10:00:00 - INFO: content")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	idx := fixtureIndex(t, dir, logPath)
	_, err := idx.Search(ctx, SearchCriteria{Query: "content"})
	assert.ErrorIs(t, err, context.Canceled)
}
