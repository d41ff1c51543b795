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

// DefaultPollInterval is how often a [Watcher] stats its file.
const DefaultPollInterval = 5 * time.Second

// ReloadFunc receives the previous and the newly accepted configuration.
type ReloadFunc func(old, next *Config)

// Watcher keeps a configuration file and the running process in step.
//
// [Watcher.Run] polls the file's modification time; [Watcher.Reload] forces a
// read (the CLI calls it on SIGHUP). A new revision is accepted only when its
// content hash differs and it passes [Validate]. Rejected revisions are logged
// and the last accepted configuration stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	log      *slog.Logger

	// reloadMu serialises Reload so callbacks never overlap.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	rev     revision
}

// revision identifies one observed version of the file.
type revision struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload diagnostics.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher reads path once and returns a Watcher holding the result. It
// fails if the file cannot be read or does not validate. onReload may be nil.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onReload: onReload,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, rev, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.rev = cfg, rev
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Current returns the most recently accepted configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !w.touched() {
				continue
			}
			if _, err := w.Reload(); err != nil {
				w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// touched reports whether the file's mtime moved since the last accepted or
// ignored revision.
func (w *Watcher) touched() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: stat failed", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return !info.ModTime().Equal(w.rev.mtime)
}

// Reload reads the file now. It reports whether a new configuration was
// accepted; an unchanged file yields false and a nil error. The reload
// callback runs before Reload returns, outside any lock held by Current.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, rev, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if rev.sum == w.rev.sum {
		w.rev.mtime = rev.mtime
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.rev = cfg, rev
	w.mu.Unlock()

	w.log.Info("config: reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, revision, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, revision{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, revision{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, revision{}, err
	}
	return cfg, revision{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
