// Package trace provides file-based trace persistence with JSON Lines format,
// daily files, retention cleanup, and a bounded retry buffer for disk outages.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/trace"
)

// dateLayout is the UTC date format embedded in trace filenames.
const dateLayout = "2006-01-02"

// TraceFileConfig holds configuration for the file-based trace store.
type TraceFileConfig struct {
	// Dir is the directory where trace files are stored.
	Dir string
	// RetentionDays is the number of days to keep trace files (default 7).
	RetentionDays int
	// MaxPending caps the number of unwritten records held in memory during
	// a disk outage (default 1000). Overflow drops the oldest records.
	MaxPending int
}

// FileTraceStore implements trace.Store with one JSONL file per UTC date.
// Disk failures never propagate to callers: affected records wait in a
// bounded buffer and are retried on the next append or flush.
type FileTraceStore struct {
	dir           string
	retentionDays int
	maxPending    int
	currentFile   *os.File
	currentDate   string
	pending       []trace.Record
	dropped       uint64
	mu            sync.Mutex
	logger        *slog.Logger
	cancel        context.CancelFunc
	closed        bool
}

// traceFilePattern matches trace log filenames: shield_trace_YYYY-MM-DD.jsonl
var traceFilePattern = regexp.MustCompile(`^shield_trace_(\d{4}-\d{2}-\d{2})\.jsonl$`)

// NewFileTraceStore creates a new file-based trace store.
// It creates the directory if it does not exist, opens today's file so that
// permission problems surface at startup, runs retention cleanup, and starts
// the hourly cleanup goroutine.
func NewFileTraceStore(cfg TraceFileConfig, logger *slog.Logger) (*FileTraceStore, error) {
	// Apply defaults
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1000
	}

	// Create directory with restricted permissions
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &FileTraceStore{
		dir:           cfg.Dir,
		retentionDays: cfg.RetentionDays,
		maxPending:    cfg.MaxPending,
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format(dateLayout)
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open trace file: %w", err)
	}

	// Run retention cleanup at boot
	s.runCleanup()

	// Start hourly cleanup goroutine
	go s.startCleanupLoop(ctx)

	return s, nil
}

// Append queues records and writes them to the current day's file.
// Write errors are logged, never returned: records that could not reach disk
// stay queued for the next attempt until the buffer cap forces the oldest out.
func (s *FileTraceStore) Append(_ context.Context, records ...trace.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.enqueueLocked(records)
	s.writePendingLocked(time.Now().UTC())
	return nil
}

// Flush retries queued records and syncs the current file.
func (s *FileTraceStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writePendingLocked(time.Now().UTC())
	if len(s.pending) > 0 {
		s.logger.Warn("trace flush incomplete", "queued", len(s.pending))
	}
	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close makes a final write attempt, stops the cleanup goroutine, and closes
// the current file.
func (s *FileTraceStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	// Cancel the cleanup goroutine
	s.cancel()

	s.writePendingLocked(time.Now().UTC())
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}

	return nil
}

// Dropped returns the number of records lost to the buffer cap or to
// serialization failures since the store was created.
func (s *FileTraceStore) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueueLocked appends records to the pending buffer, dropping the oldest
// entries past the cap. Must be called with s.mu held.
func (s *FileTraceStore) enqueueLocked(records []trace.Record) {
	s.pending = append(s.pending, records...)
	if over := len(s.pending) - s.maxPending; over > 0 {
		s.pending = append(s.pending[:0], s.pending[over:]...)
		s.dropped += uint64(over)
		s.logger.Warn("trace buffer full, dropped oldest records",
			"dropped", over, "total_dropped", s.dropped)
	}
}

// writePendingLocked writes queued records to the file for the given wall
// clock, rotating first when the UTC date has rolled over. On a write error
// it stops, severs the file handle so the next attempt reopens, and leaves
// the unwritten suffix queued. Must be called with s.mu held.
func (s *FileTraceStore) writePendingLocked(now time.Time) {
	if len(s.pending) == 0 {
		return
	}

	dateStr := now.Format(dateLayout)
	if dateStr != s.currentDate || s.currentFile == nil {
		if err := s.rotateDateLocked(dateStr); err != nil {
			s.logger.Warn("trace file unavailable, keeping records queued",
				"error", err, "queued", len(s.pending))
			return
		}
	}

	written := 0
	for _, rec := range s.pending {
		data, err := json.Marshal(rec)
		if err != nil {
			// A record that cannot serialize will never succeed. Drop it.
			s.logger.Warn("trace record dropped: marshal failed", "error", err)
			s.dropped++
			written++
			continue
		}

		line := append(data, '\n')
		if _, err := s.currentFile.Write(line); err != nil {
			s.logger.Warn("trace write failed, keeping records queued",
				"error", err, "queued", len(s.pending)-written)
			_ = s.currentFile.Close()
			s.currentFile = nil
			break
		}
		written++
	}

	s.pending = append(s.pending[:0], s.pending[written:]...)
}

// openCurrentFile opens or creates the trace file for the given date.
func (s *FileTraceStore) openCurrentFile(dateStr string) error {
	f, err := s.openFile(dateStr)
	if err != nil {
		return err
	}

	s.currentFile = f
	s.currentDate = dateStr
	return nil
}

// openFile opens a trace file for the given date in append mode.
func (s *FileTraceStore) openFile(dateStr string) (*os.File, error) {
	filename := buildFilename(dateStr)
	path := filepath.Join(s.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open file %s: %w", filename, err)
	}
	return f, nil
}

// buildFilename constructs the trace filename for a UTC date.
func buildFilename(dateStr string) string {
	return fmt.Sprintf("shield_trace_%s.jsonl", dateStr)
}

// parseTraceDate extracts the date component from a trace filename.
func parseTraceDate(name string) (string, bool) {
	matches := traceFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return "", false
	}
	return matches[1], true
}

// rotateDateLocked closes the current file and opens the one for the given
// date. Must be called with s.mu held.
func (s *FileTraceStore) rotateDateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}

	s.currentDate = dateStr

	f, err := s.openFile(dateStr)
	if err != nil {
		return err
	}

	s.currentFile = f
	return nil
}

// runCleanup deletes trace files older than the retention period.
func (s *FileTraceStore) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("trace cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0

	for _, e := range entries {
		dateStr, ok := parseTraceDate(e.Name())
		if !ok {
			continue
		}

		fileDate, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			continue
		}

		if fileDate.Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Error("trace cleanup: failed to delete file",
					"file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}

	if deleted > 0 {
		s.logger.Info("trace cleanup completed", "deleted", deleted)
	}
}

// startCleanupLoop runs retention cleanup every hour until the context is cancelled.
func (s *FileTraceStore) startCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// Compile-time interface verification.
var _ trace.Store = (*FileTraceStore)(nil)
