package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Watcher polls the assistant profile file so persona edits reach new calls
// without a restart. Polling (rather than fsnotify) keeps the dependency
// surface flat and behaves the same across bind mounts and network
// filesystems. Calls already in progress keep the profile snapshot they
// started with.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Profile)

	current  atomic.Pointer[Profile]
	done     chan struct{}
	stopOnce sync.Once

	// Change-detection state, owned by the poll goroutine once it starts.
	seenMtime time.Time
	seenSum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the profile at path and starts polling it for edits.
// onChange, when non-nil, runs on the poll goroutine after each applied
// reload. A file that later turns invalid never replaces the last good
// profile.
func NewWatcher(path string, onChange func(old, new *Profile), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	// Stat before reading: if an edit slips between the two, the stale mtime
	// just means the first sweep re-reads and the hash sorts it out.
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: profile %q: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: profile %q: %w", path, err)
	}
	p, err := LoadProfileFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: profile %q: %w", path, err)
	}

	w.seenMtime = info.ModTime()
	w.seenSum = sha256.Sum256(data)
	w.current.Store(p)

	go w.run()
	return w, nil
}

// Current returns the most recently applied profile.
func (w *Watcher) Current() *Profile {
	return w.current.Load()
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) run() {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-tick.C:
			w.sweep()
		}
	}
}

// sweep applies the profile file if it changed since the last look. The mtime
// gates the read, the content hash ignores touch-only writes, and a file that
// no longer parses is logged once and skipped until the next edit.
func (w *Watcher) sweep() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("profile watcher: stat failed", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.seenMtime) {
		return
	}
	w.seenMtime = info.ModTime()

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("profile watcher: read failed", "path", w.path, "err", err)
		return
	}
	sum := sha256.Sum256(data)
	if sum == w.seenSum {
		return
	}

	p, err := LoadProfileFromReader(bytes.NewReader(data))
	if err != nil {
		slog.Warn("profile watcher: keeping previous profile", "path", w.path, "err", err)
		return
	}
	w.seenSum = sum

	old := w.current.Swap(p)
	slog.Info("assistant profile reloaded",
		"path", w.path,
		"changed", DiffProfiles(old, p),
	)
	if w.onChange != nil {
		w.onChange(old, p)
	}
}
