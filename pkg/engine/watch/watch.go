// Package watch re-runs the audit whenever the repository changes.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/DrSkyle/charterguard/pkg/engine/report"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultSkip lists directories that never trigger an audit. The policy root
// is watched.
var DefaultSkip = []string{".git", "**/vendor", "**/node_modules", "**/__pycache__"}

// AuditFunc produces one report.
type AuditFunc func(ctx context.Context) (*report.Report, error)

// Watcher coalesces bursts of file events into a single audit.
type Watcher struct {
	root     string
	skip     []string
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
}

type Option func(*Watcher)

// WithDebounce sets how long the tree must stay quiet before re-auditing.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithSkip adds directory globs, relative to the root, to DefaultSkip.
func WithSkip(globs ...string) Option {
	return func(w *Watcher) { w.skip = append(w.skip, globs...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

func New(root string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start file watcher: %w", err)
	}
	w := &Watcher{
		root:     filepath.Clean(root),
		skip:     append([]string{}, DefaultSkip...),
		debounce: 300 * time.Millisecond,
		logger:   slog.Default(),
		fsw:      fsw,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run audits once, then again after every quiet period following a change,
// passing each outcome to onReport. It returns when ctx is done.
func (w *Watcher) Run(ctx context.Context, audit AuditFunc, onReport func(*report.Report, error)) error {
	defer w.fsw.Close()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	w.logger.Info("File watcher started", "root", w.root, "debounce", w.debounce)

	onReport(audit(ctx))

	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			rel, relevant := w.handle(ev)
			if !relevant {
				continue
			}
			pending[rel] = true
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)

		case <-timer.C:
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			clear(pending)

			w.logger.Info("Change detected, re-auditing", "files", len(changed), "first", changed[0])
			rep, err := audit(ctx)
			if ctx.Err() != nil {
				return nil
			}
			onReport(rep, err)
		}
	}
}

// handle reports whether ev should trigger an audit. New directories are
// watched as they appear.
func (w *Watcher) handle(ev fsnotify.Event) (string, bool) {
	if ev.Op == fsnotify.Chmod {
		return "", false
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if w.skipped(rel) {
		return "", false
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", rel, "error", err)
			}
		}
	}
	return rel, true
}

// skipped matches rel and each of its parent directories against the skip
// globs.
func (w *Watcher) skipped(rel string) bool {
	for dir := rel; dir != "." && dir != "/" && dir != ""; dir = filepath.ToSlash(filepath.Dir(dir)) {
		for _, pattern := range w.skip {
			if ok, _ := doublestar.Match(pattern, dir); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(w.root, p); relErr == nil && w.skipped(filepath.ToSlash(rel)) {
			return fs.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Warn("Failed to watch directory", "path", p, "error", err)
		}
		return nil
	})
}
