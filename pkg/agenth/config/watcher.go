package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"time"
)

// Watcher polls a file (mtime + sha256) and applies its content when it
// changes. Content that fails to apply is skipped and retried on the next
// change.
type Watcher struct {
	path     string
	lastMod  time.Time
	lastHash [32]byte
	interval time.Duration
	apply    func(data []byte) error
	logger   *slog.Logger
}

// NewWatcher watches the config file and invokes onChange with the new
// config when it still parses. interval defaults to 5s.
func NewWatcher(path string, interval time.Duration, onChange func(*Config), logger *slog.Logger) *Watcher {
	w := newWatcher(path, interval, nil, logger)
	w.apply = func(data []byte) error {
		cfg, err := Parse(data)
		if err != nil {
			return err
		}
		ResolveSecrets(cfg, w.logger)
		if onChange != nil {
			onChange(cfg)
		}
		return nil
	}
	return w
}

// NewFileWatcher watches any file, such as the agent specs. validate may
// be nil.
func NewFileWatcher(path string, interval time.Duration, validate func([]byte) error, onChange func(), logger *slog.Logger) *Watcher {
	return newWatcher(path, interval, func(data []byte) error {
		if validate != nil {
			if err := validate(data); err != nil {
				return err
			}
		}
		if onChange != nil {
			onChange()
		}
		return nil
	}, logger)
}

func newWatcher(path string, interval time.Duration, apply func([]byte) error, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		interval: interval,
		apply:    apply,
		logger:   logger.With("component", "config_watcher", "path", path),
	}
}

// Run polls until ctx is cancelled. The first check only records a baseline.
func (w *Watcher) Run(ctx context.Context) {
	w.check()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file watcher stopped")
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check returns true when the new content was applied.
func (w *Watcher) check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}

	mod := info.ModTime()
	if !mod.After(w.lastMod) && !w.lastMod.IsZero() {
		return false
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("failed to read watched file", "error", err)
		return false
	}

	hash := sha256.Sum256(data)
	if hash == w.lastHash {
		w.lastMod = mod
		return false
	}

	var zero [32]byte
	if w.lastHash == zero {
		w.lastMod = mod
		w.lastHash = hash
		return false
	}

	w.logger.Info("watched file changed, reloading")
	if err := w.apply(data); err != nil {
		w.logger.Warn("invalid content, skipping reload", "error", err)
		return false
	}
	w.lastMod = mod
	w.lastHash = hash
	return true
}
