// sink.go: Rotating file sink with always-on critical fallback target
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package mnemosyne

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/klauspost/compress/gzip"
)

// ErrSinkClosed is returned by write-path operations invoked after Close.
var ErrSinkClosed = errors.New("sink closed")

const (
	primaryLogName  = "app.log"
	criticalLogName = "critical.log"
)

// sinkConfig holds the durable-storage tunables. The adaptive layer mutates
// the retention and compression knobs at runtime through the sink's setters.
type sinkConfig struct {
	maxSizeBytes  int64         // size-based rotation threshold (0 = disabled)
	rotationAge   time.Duration // age-based rotation threshold (0 = disabled)
	maxBackups    int           // rotated files kept (0 = keep all)
	maxFileAge    time.Duration // rotated files older than this are deleted
	compress      bool          // gzip rotated files in the background
	compressAfter time.Duration // minimum backup age before compression
	fileMode      os.FileMode
	retryCount    int
	retryDelay    time.Duration
}

// sink is the durable append-only destination for formatted log lines.
// One primary rotating file plus an always-write fallback for critical
// severity that bypasses buffering entirely.
type sink struct {
	dir          string
	primaryPath  string
	criticalPath string

	mu       sync.Mutex
	file     *os.File
	critical *os.File
	size     int64
	created  time.Time
	closed   bool

	cfg           sinkConfig
	timeCache     *timecache.TimeCache
	errorCallback func(operation string, err error)

	rotationCount atomic.Uint64
	bytesWritten  atomic.Uint64

	workers          *backgroundWorkers
	lastCompressScan atomic.Int64 // unix time of last aged-backup sweep
}

// newSink creates the log directory and opens both targets. Failing to
// create the directory is the one fatal error class of the pipeline: a
// caller that structurally requires logging cannot proceed without it.
func newSink(dir string, cfg sinkConfig, tc *timecache.TimeCache, errorCallback func(string, error)) (*sink, error) {
	if dir == "" {
		return nil, errors.New("log directory cannot be empty")
	}
	if err := ValidatePathLength(dir); err != nil {
		return nil, fmt.Errorf("invalid log directory: %w", err)
	}
	if cfg.fileMode == 0 {
		cfg.fileMode = GetDefaultFileMode()
	}
	if cfg.retryCount == 0 {
		cfg.retryCount = 3
	}
	if cfg.retryDelay == 0 {
		cfg.retryDelay = 10 * time.Millisecond
	}

	sanitized := filepath.Join(filepath.Dir(dir), SanitizeFilename(filepath.Base(dir)))
	err := RetryFileOperation(func() error {
		return os.MkdirAll(sanitized, 0750)
	}, cfg.retryCount, cfg.retryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", sanitized, err)
	}

	s := &sink{
		dir:           sanitized,
		primaryPath:   filepath.Join(sanitized, primaryLogName),
		criticalPath:  filepath.Join(sanitized, criticalLogName),
		cfg:           cfg,
		timeCache:     tc,
		errorCallback: errorCallback,
		workers:       newBackgroundWorkers(2),
	}

	if err := s.openPrimary(); err != nil {
		s.workers.stop()
		return nil, err
	}
	if err := s.openCritical(); err != nil {
		// The fallback target failing to open is reported but not fatal:
		// critical writes still land in the primary file.
		s.reportError("critical_open", err)
	}

	return s, nil
}

func (s *sink) openPrimary() error {
	var file *os.File
	err := RetryFileOperation(func() error {
		var err error
		file, err = os.OpenFile(s.primaryPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, s.cfg.fileMode) // #nosec G304 -- path is derived from the validated log directory
		return err
	}, s.cfg.retryCount, s.cfg.retryDelay)
	if err != nil {
		s.reportError("file_open", fmt.Errorf("failed to open log file %q: %v (check permissions and disk space)", s.primaryPath, err))
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		s.reportError("file_stat", err)
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	size := info.Size()
	if size < 0 {
		size = 0
	}

	s.file = file
	s.size = size
	s.created = s.now()
	if size > 0 {
		// Reopening an existing file: age from its mtime, not from now,
		// so day-based rotation survives process restarts.
		s.created = info.ModTime()
	}
	return nil
}

func (s *sink) openCritical() error {
	var file *os.File
	err := RetryFileOperation(func() error {
		var err error
		file, err = os.OpenFile(s.criticalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, s.cfg.fileMode) // #nosec G304 -- path is derived from the validated log directory
		return err
	}, s.cfg.retryCount, s.cfg.retryDelay)
	if err != nil {
		return err
	}
	s.critical = file
	return nil
}

func (s *sink) now() time.Time {
	if s.timeCache != nil {
		return s.timeCache.CachedTime()
	}
	return time.Now()
}

// writeLine appends one newline-terminated formatted line to the primary
// target and rotates when a threshold is exceeded. I/O failures are
// reported through the error callback and swallowed: logging must never
// become the reason the request fails.
func (s *sink) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.file == nil {
		return
	}

	n, err := s.file.WriteString(line + "\n")
	if err != nil {
		s.reportError("write", err)
		return
	}
	s.size += int64(n)
	s.bytesWritten.Add(uint64(n)) // #nosec G115 -- n is a successful write count, never negative

	if s.shouldRotate() {
		if err := s.rotateLocked(); err != nil {
			s.reportError("rotation", err)
		}
	}
}

// writeCritical appends to the always-on fallback target synchronously and
// mirrors the line into the primary path. Critical events must reach
// durable storage immediately; buffering is only for lower severities.
func (s *sink) writeCritical(line string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.critical == nil {
		// Fallback target lost earlier, try once to restore it.
		if err := s.openCritical(); err != nil {
			s.reportError("critical_open", err)
		}
	}
	if s.critical != nil {
		if _, err := s.critical.WriteString(line + "\n"); err != nil {
			s.reportError("critical_write", err)
		} else if err := s.critical.Sync(); err != nil {
			s.reportError("critical_sync", err)
		}
	}
	s.mu.Unlock()

	// Mirror into the primary stream so searches see critical events in
	// their chronological place.
	s.writeLine(line)
}

// shouldRotate checks rotation thresholds. Caller holds s.mu.
func (s *sink) shouldRotate() bool {
	if s.cfg.maxSizeBytes > 0 && s.size >= s.cfg.maxSizeBytes {
		return true
	}
	if s.cfg.rotationAge > 0 && s.now().Sub(s.created) >= s.cfg.rotationAge {
		return true
	}
	return false
}

// rotateLocked closes the current primary file, renames it with a
// timestamp and reopens a fresh one. Caller holds s.mu.
func (s *sink) rotateLocked() error {
	if s.file == nil {
		return errors.New("no current file to rotate")
	}

	backupName := fmt.Sprintf("%s.%s", s.primaryPath, s.now().UTC().Format("2006-01-02-15-04-05"))

	err := RetryFileOperation(func() error {
		return s.file.Close()
	}, s.cfg.retryCount, s.cfg.retryDelay)
	if err != nil {
		return fmt.Errorf("failed to close current file: %v", err)
	}

	err = RetryFileOperation(func() error {
		return os.Rename(s.primaryPath, backupName)
	}, s.cfg.retryCount, s.cfg.retryDelay)
	if err != nil {
		return fmt.Errorf("failed to rename log file: %v", err)
	}

	// Small delay to ensure file handles are released (Windows)
	time.Sleep(s.cfg.retryDelay)

	var newFile *os.File
	err = RetryFileOperation(func() error {
		var err error
		newFile, err = os.OpenFile(s.primaryPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, s.cfg.fileMode) // #nosec G304 -- path is derived from the validated log directory
		return err
	}, s.cfg.retryCount, s.cfg.retryDelay)
	if err != nil {
		return fmt.Errorf("failed to create new log file: %v", err)
	}

	s.file = newFile
	s.size = 0
	s.created = s.now()
	s.rotationCount.Add(1)

	s.scheduleBackgroundTasks(backupName)
	return nil
}

// Rotate forces an immediate rotation regardless of thresholds.
func (s *sink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.rotateLocked()
}

// scheduleBackgroundTasks submits retention and compression work for a
// freshly rotated backup. Caller holds s.mu.
func (s *sink) scheduleBackgroundTasks(backupName string) {
	if s.cfg.maxBackups > 0 || s.cfg.maxFileAge > 0 {
		s.workers.submit(backgroundTask{taskType: taskCleanup, sink: s})
	}
	if s.cfg.compress && s.cfg.compressAfter <= 0 {
		// Immediate compression mode: compress the backup as soon as it
		// rotates. Age-gated compression runs through sweepAgedBackups.
		s.workers.submit(backgroundTask{taskType: taskCompress, filePath: backupName, sink: s})
	}
}

// sweepAgedBackups compresses rotated files older than compressAfter.
// Runs at most once per day; compression failures are logged but never fatal.
func (s *sink) sweepAgedBackups() {
	if !s.cfg.compress || s.cfg.compressAfter <= 0 {
		return
	}

	now := s.now()
	last := s.lastCompressScan.Load()
	if last > 0 && now.Sub(time.Unix(last, 0)) < 24*time.Hour {
		return
	}
	if !s.lastCompressScan.CompareAndSwap(last, now.Unix()) {
		return // another sweep claimed this period
	}

	for _, backup := range s.backupFiles() {
		if filepath.Ext(backup) == ".gz" {
			continue
		}
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) >= s.cfg.compressAfter {
			s.workers.submit(backgroundTask{taskType: taskCompress, filePath: backup, sink: s})
		}
	}
}

// backupFiles returns all rotated backups of the primary target.
func (s *sink) backupFiles() []string {
	matches, err := filepath.Glob(s.primaryPath + ".*")
	if err != nil {
		return nil
	}
	return matches
}

// logFiles returns every file the search index may read: the primary
// target, the critical fallback and all rotated backups (compressed or not).
func (s *sink) logFiles() []string {
	files := []string{s.primaryPath, s.criticalPath}
	files = append(files, s.backupFiles()...)
	return files
}

// diskUsage sums the size of every sink-owned file, for the adaptive
// layer's disk growth metric.
func (s *sink) diskUsage() int64 {
	var total int64
	for _, f := range s.logFiles() {
		if info, err := os.Stat(f); err == nil {
			total += info.Size()
		}
	}
	return total
}

// fileInfo holds file information for sorting
type fileInfo struct {
	name    string
	modTime time.Time
}

// cleanupOldFiles removes rotated backups beyond maxBackups or older than
// maxFileAge. The critical fallback file is never cleaned up.
func (s *sink) cleanupOldFiles() {
	matches := s.backupFiles()
	now := s.now()

	var files []fileInfo
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue // Skip files we can't stat
		}

		if s.cfg.maxFileAge > 0 {
			fileAge := now.Sub(info.ModTime())
			if fileAge > s.cfg.maxFileAge {
				if err := os.Remove(match); err != nil {
					s.reportError("age_cleanup", fmt.Errorf("failed to remove old file %s (age: %v): %v", match, fileAge, err))
				}
				continue
			}
		}

		files = append(files, fileInfo{name: match, modTime: info.ModTime()})
	}

	if s.cfg.maxBackups <= 0 || len(files) <= s.cfg.maxBackups {
		return
	}

	// Oldest first
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	filesToRemove := len(files) - s.cfg.maxBackups
	for i := 0; i < filesToRemove; i++ {
		if err := os.Remove(files[i].name); err != nil {
			s.reportError("count_cleanup", fmt.Errorf("failed to remove excess backup file %s: %v", files[i].name, err))
		}
	}
}

// compressFile gzip-compresses a rotated log file with crash consistency:
// the compressed output lands under a temporary name and is renamed into
// place only when complete, so a crash leaves either the original or the
// finished archive, never a torn file.
func (s *sink) compressFile(filename string) {
	var source *os.File
	err := RetryFileOperation(func() error {
		var err error
		source, err = os.Open(filename) // #nosec G304 -- filename is an internal backup file path, not user input
		return err
	}, s.cfg.retryCount, s.cfg.retryDelay)
	if err != nil {
		s.reportError("compress_open", err)
		return
	}
	defer source.Close()

	compressedName := filename + ".gz"
	tempName := compressedName + ".tmp"

	target, err := os.Create(tempName) // #nosec G304 -- tempName is internally generated, not user input
	if err != nil {
		s.reportError("compress_create", err)
		return
	}
	defer target.Close()

	gzWriter := gzip.NewWriter(target)

	if _, err = io.Copy(gzWriter, source); err != nil {
		_ = gzWriter.Close()
		_ = target.Close()
		_ = os.Remove(tempName)
		s.reportError("compress_copy", err)
		return
	}

	if err = gzWriter.Close(); err != nil {
		_ = target.Close()
		_ = os.Remove(tempName)
		s.reportError("compress_finalize", err)
		return
	}

	if err = target.Close(); err != nil {
		_ = os.Remove(tempName)
		s.reportError("compress_close", err)
		return
	}

	if err = os.Rename(tempName, compressedName); err != nil {
		_ = os.Remove(tempName)
		s.reportError("compress_rename", fmt.Errorf("failed to rename %s to %s: %v", tempName, compressedName, err))
		return
	}

	// Remove original only after the archive is durable
	if err := os.Remove(filename); err != nil {
		s.reportError("compress_cleanup", err)
	}
}

// setRetention lets the adaptive layer retune backup retention and
// compression at runtime.
func (s *sink) setRetention(maxFileAge time.Duration, maxBackups int, compress bool) {
	s.mu.Lock()
	s.cfg.maxFileAge = maxFileAge
	s.cfg.maxBackups = maxBackups
	s.cfg.compress = compress
	s.mu.Unlock()
}

// waitForBackgroundTasks blocks until queued cleanup/compression work has
// drained. Test hook, mirrors the write path in no way.
func (s *sink) waitForBackgroundTasks() {
	s.workers.waitForCompletion()
}

// Close stops the background workers and closes both targets.
func (s *sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	file, critical := s.file, s.critical
	s.file, s.critical = nil, nil
	s.mu.Unlock()

	s.workers.stop()

	var closeErr error
	if file != nil {
		closeErr = file.Close()
	}
	if critical != nil {
		if err := critical.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

func (s *sink) reportError(operation string, err error) {
	if s.errorCallback != nil {
		s.errorCallback(operation, err)
	}
}

// Background worker pool for cleanup and compression, kept off the
// request path.

type taskType int

const (
	taskCleanup taskType = iota
	taskCompress
)

type backgroundTask struct {
	taskType taskType
	filePath string
	sink     *sink
}

type backgroundWorkers struct {
	ctx          context.Context
	cancel       context.CancelFunc
	taskQueue    chan backgroundTask
	wg           sync.WaitGroup
	pendingTasks atomic.Int64 // submitted and not yet fully processed
	stopOnce     sync.Once
}

func newBackgroundWorkers(numWorkers int) *backgroundWorkers {
	ctx, cancel := context.WithCancel(context.Background())

	bg := &backgroundWorkers{
		ctx:       ctx,
		cancel:    cancel,
		taskQueue: make(chan backgroundTask, 100),
	}

	for i := 0; i < numWorkers; i++ {
		bg.wg.Add(1)
		go bg.worker()
	}

	return bg
}

func (bg *backgroundWorkers) worker() {
	defer bg.wg.Done()

	for {
		select {
		case <-bg.ctx.Done():
			return
		case task := <-bg.taskQueue:
			bg.processTask(task)
		}
	}
}

func (bg *backgroundWorkers) processTask(task backgroundTask) {
	defer bg.pendingTasks.Add(-1)

	switch task.taskType {
	case taskCleanup:
		task.sink.cleanupOldFiles()
	case taskCompress:
		task.sink.compressFile(task.filePath)
	}
}

// submit queues a task without blocking; a full queue drops the task, the
// next rotation re-submits equivalent work. The pending counter covers a
// task from submission through processing, so waitForCompletion cannot
// return while a task sits between the queue and a worker.
func (bg *backgroundWorkers) submit(task backgroundTask) {
	select {
	case <-bg.ctx.Done():
		return
	default:
	}

	bg.pendingTasks.Add(1)
	select {
	case bg.taskQueue <- task:
	default:
		bg.pendingTasks.Add(-1)
	}
}

func (bg *backgroundWorkers) stop() {
	bg.stopOnce.Do(func() {
		bg.cancel()
		bg.wg.Wait()
	})
}

func (bg *backgroundWorkers) waitForCompletion() {
	for bg.pendingTasks.Load() > 0 {
		time.Sleep(1 * time.Millisecond)
	}
}
