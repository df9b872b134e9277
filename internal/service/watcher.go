package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// DefaultWatchInterval is the poll cadence for on-disk rule changes.
const DefaultWatchInterval = 2 * time.Second

// fingerprint identifies one rule file state. A change in either field
// counts as an edit.
type fingerprint struct {
	modTime time.Time
	size    int64
}

// RuleWatcher hot-reloads the engine when rule files change on disk. It
// polls mtime and size rather than subscribing to filesystem events, so
// editors that replace files, bind mounts, and network filesystems all
// look the same.
type RuleWatcher struct {
	engine   *ShieldEngine
	path     string
	interval time.Duration
	logger   *slog.Logger

	// seen is touched only by the constructor and the poll loop.
	seen map[string]fingerprint

	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewRuleWatcher creates a watcher over path, a rules file or a directory
// of *.yaml/*.yml files. The current on-disk state becomes the baseline;
// only later edits trigger reloads.
func NewRuleWatcher(engine *ShieldEngine, path string, interval time.Duration, logger *slog.Logger) (*RuleWatcher, error) {
	if engine == nil {
		return nil, errors.New("watcher: engine is required")
	}
	if path == "" {
		return nil, errors.New("watcher: rules path is required")
	}
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &RuleWatcher{
		engine:   engine,
		path:     path,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	seen, err := w.scan()
	if err != nil {
		return nil, err
	}
	w.seen = seen
	return w, nil
}

// Start launches the poll loop. Call Stop to shut it down.
func (w *RuleWatcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopChan:
				return
			case <-ticker.C:
				w.poll()
			}
		}
	}()
}

// Stop terminates the poll loop and waits for it to exit.
func (w *RuleWatcher) Stop() {
	w.once.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
}

// poll reloads the engine when the fingerprints moved. Fingerprints advance
// even when the reload fails, so a broken edit is attempted once and the
// previous rule-set keeps serving until the next edit.
func (w *RuleWatcher) poll() {
	seen, err := w.scan()
	if err != nil {
		w.logger.Warn("rules path unreadable", "path", w.path, "error", err)
		return
	}
	if fingerprintsEqual(w.seen, seen) {
		return
	}
	w.seen = seen

	cs, err := w.engine.Reload()
	if err != nil {
		w.logger.Error("rule reload failed, keeping previous rule-set",
			"path", w.path,
			"error", err,
		)
		return
	}
	w.logger.Info("rules reloaded from disk",
		"path", w.path,
		"rules_count", cs.RulesCount(),
		"rules_hash", cs.Source.Hash,
	)
}

// scan fingerprints the watched path: the file itself, or every rule file
// directly under the directory.
func (w *RuleWatcher) scan() (map[string]fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, err
	}

	files := []string{w.path}
	if info.IsDir() {
		files, err = rule.RuleFiles(w.path)
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]fingerprint, len(files))
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			// Removed between listing and stat. The smaller map is the
			// change signal.
			continue
		}
		seen[f] = fingerprint{modTime: fi.ModTime(), size: fi.Size()}
	}
	return seen, nil
}

func fingerprintsEqual(a, b map[string]fingerprint) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.modTime.Equal(bv.modTime) || av.size != bv.size {
			return false
		}
	}
	return true
}
