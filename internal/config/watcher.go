package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats the config file.
const DefaultPollInterval = 5 * time.Second

// ChangeFunc receives a reloaded config together with the previous one and
// the difference between them. It is only called for effective changes.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher polls a config file and reports effective changes. Every reload
// goes through the same environment overlay, defaults and validation as
// [Load]; an invalid file keeps the previous config, and an edit that
// changes nothing after defaults (comments, reordering) is absorbed
// silently.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// fileStamp identifies one version of the watched file.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger used for reload diagnostics.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once and returns a watcher ready to [Watcher.Run].
// A file that cannot be loaded is an error.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.stamp = stamp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and calls onChange for every effective change.
// It always returns nil; the signature fits an errgroup.
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if old, cfg, d, ok := w.check(); ok && onChange != nil {
				onChange(old, cfg, d)
			}
		}
	}
}

// check reloads the file if its stamp moved. ok is true only when the new
// config differs from the current one.
func (w *Watcher) check() (old, cfg *Config, d ConfigDiff, ok bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return nil, nil, d, false
	}

	w.mu.Lock()
	prev := w.stamp
	w.mu.Unlock()
	if info.ModTime().Equal(prev.mtime) && info.Size() == prev.size {
		return nil, nil, d, false
	}

	cfg, stamp, err := w.read()
	if err != nil {
		w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return nil, nil, d, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamp = stamp
	if stamp.sum == prev.sum {
		return nil, nil, d, false
	}

	d = Diff(w.current, cfg)
	if d.IsZero() {
		w.log.Debug("config: file edited without effective change", "path", w.path)
		w.current = cfg
		return nil, nil, d, false
	}
	old = w.current
	w.current = cfg
	w.log.Info("config: reloaded", "path", w.path, "reloadable", d.HasReloadable(), "restart_required", d.RestartRequired)
	return old, cfg, d, true
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := parse(data, true)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
