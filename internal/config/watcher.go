package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the poll period used when none is configured.
const DefaultWatchInterval = 5 * time.Second

// Change is one accepted revision of the watched file.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// fileStamp identifies a revision of the file cheaply; the digest settles
// whether a new stamp carries new content.
type fileStamp struct {
	mod  time.Time
	size int64
}

// Watcher polls a config file for new valid revisions. A revision that fails
// to parse or validate is logged and skipped; the last valid config stays
// current.
type Watcher struct {
	path     string
	interval time.Duration

	mu       sync.Mutex
	current  *Config
	stamp    fileStamp
	digest   [sha256.Size]byte
	rejected int
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path as the baseline revision. It fails if that revision
// cannot be loaded.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval}
	for _, opt := range opts {
		opt(w)
	}
	cfg, stamp, digest, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp, w.digest = cfg, stamp, digest
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Rejected returns how many changed revisions failed to load.
func (w *Watcher) Rejected() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rejected
}

// Run polls until ctx ends and calls apply for every accepted revision.
// apply runs on Run's goroutine; the next poll waits for it to return.
func (w *Watcher) Run(ctx context.Context, apply func(Change)) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if ch, ok := w.Poll(); ok && apply != nil {
			apply(ch)
		}
	}
}

// Poll checks the file once. It reports a [Change] when the file holds a new
// valid revision.
func (w *Watcher) Poll() (Change, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return Change{}, false
	}
	w.mu.Lock()
	same := w.stamp == fileStamp{mod: info.ModTime(), size: info.Size()}
	w.mu.Unlock()
	if same {
		return Change{}, false
	}

	cfg, stamp, digest, err := w.load()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.stamp = stamp
		w.rejected++
		slog.Warn("config watcher: revision rejected, keeping previous config", "path", w.path, "err", err)
		return Change{}, false
	}
	w.stamp = stamp
	if digest == w.digest {
		return Change{}, false
	}
	ch := Change{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.current, w.digest = cfg, digest
	slog.Info("config watcher: revision accepted", "path", w.path,
		"sinks_changed", ch.Diff.SinksChanged(),
		"log_level_changed", ch.Diff.LogLevelChanged,
		"restart_required", ch.Diff.RestartRequired,
	)
	return ch, true
}

// load reads and validates the file. The stamp is returned even when the
// content is invalid, so the same broken revision is not re-parsed.
func (w *Watcher) load() (*Config, fileStamp, [sha256.Size]byte, error) {
	var digest [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, digest, err
	}
	stamp := fileStamp{mod: info.ModTime(), size: info.Size()}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp, digest, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp, digest, err
	}
	return cfg, stamp, sha256.Sum256(data), nil
}
