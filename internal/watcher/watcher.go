// Package watcher rescans files that a running process creates in its slot
// directory and removes the ones the security gate flags.
package watcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/bothost/internal/archive"
	"github.com/jkaninda/bothost/internal/notification"
	"github.com/jkaninda/bothost/internal/security"
	"github.com/jkaninda/bothost/internal/supervisor"
	"github.com/zeebo/blake3"
)

// ErrOutsideDir is returned when a deletion target resolves outside the watched directory.
var ErrOutsideDir = errors.New("target outside watched directory")

// Scanner classifies files relative to dir.
type Scanner interface {
	Scan(ctx context.Context, dir string, files []string, progress security.BatchProgress) map[string]security.ScanResult
}

// Liveness reports whether the process in a slot is still running.
type Liveness interface {
	IsRunning(userID string, slot int) bool
}

// Recorder persists watcher findings.
type Recorder interface {
	RecordScan(ctx context.Context, userID string, slot int, source security.Source, r security.ScanResult, fingerprint string, deleted bool) error
}

// DeletionObserver is told about every flagged file the watcher removed.
type DeletionObserver interface {
	ObserveDeletion(userID string, slot int, file string)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithRecorder stores every classified file.
func WithRecorder(r Recorder) Option {
	return func(w *Watcher) { w.recorder = r }
}

// WithDeletionObserver reports removed files to o.
func WithDeletionObserver(o DeletionObserver) Option {
	return func(w *Watcher) { w.observer = o }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// Watcher polls slot directories of running processes.
type Watcher struct {
	scanner  Scanner
	running  Liveness
	notifier notification.Notifier
	recorder Recorder
	observer DeletionObserver
	interval time.Duration
	metrics  *Metrics
	logger   *slog.Logger
}

// New creates a watcher. A zero interval means 12s.
func New(scanner Scanner, running Liveness, notifier notification.Notifier, interval time.Duration, logger *slog.Logger, opts ...Option) *Watcher {
	if interval <= 0 {
		interval = 12 * time.Second
	}
	w := &Watcher{
		scanner:  scanner,
		running:  running,
		notifier: notifier,
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch polls dir until the process in (userID, slot) is no longer running
// or ctx is done. Files present when Watch starts are never scanned. It
// returns nil when the process stopped and ctx.Err() on cancellation. A poll
// already scanning when ctx is cancelled runs to completion.
func (w *Watcher) Watch(ctx context.Context, userID string, slot int, dir string) error {
	log := w.logger.With(slog.String("user_id", userID), slog.Int("slot", slot))

	known, err := snapshot(dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.DebugContext(ctx, "file watcher started", slog.Duration("interval", w.interval))
	for {
		if !w.running.IsRunning(userID, slot) {
			log.DebugContext(ctx, "file watcher stopped, process not running")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !w.running.IsRunning(userID, slot) {
			log.DebugContext(ctx, "file watcher stopped, process not running")
			return nil
		}

		current, err := snapshot(dir)
		if err != nil {
			log.WarnContext(ctx, "listing slot directory failed", slog.String("error", err.Error()))
			continue
		}
		var added []string
		for f := range current {
			if !known[f] {
				added = append(added, f)
			}
		}
		known = current
		w.metrics.poll(len(added))
		if len(added) == 0 {
			continue
		}
		// A deleted file that reappears must be scanned again.
		for _, f := range w.handle(context.WithoutCancel(ctx), log, userID, slot, dir, added) {
			delete(known, f)
		}
	}
}

// handle scans added files, deletes the flagged ones and returns the names
// it removed.
func (w *Watcher) handle(ctx context.Context, log *slog.Logger, userID string, slot int, dir string, added []string) []string {
	log.InfoContext(ctx, "new files detected", slog.Int("count", len(added)))

	scanCtx := security.WithSubject(ctx, security.Subject{UserID: userID, Slot: slot, Source: security.SourceWatcher})
	results := w.scanner.Scan(scanCtx, dir, added, nil)

	ev := &notification.Event{
		Kind:   notification.KindWatcherScan,
		UserID: userID,
		Slot:   slot,
	}
	var removed []string
	for _, f := range added {
		r, ok := results[f]
		if !ok || !r.Malicious() {
			ev.Safe = append(ev.Safe, f)
			w.record(ctx, log, userID, slot, r, "", false)
			continue
		}

		fp, err := Fingerprint(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			log.WarnContext(ctx, "fingerprinting flagged file failed", slog.String("file", f), slog.String("error", err.Error()))
		}
		deleted := true
		if err := RemoveInside(dir, f); err != nil {
			deleted = false
			w.metrics.deleteFailed()
			log.ErrorContext(ctx, "deleting flagged file failed", slog.String("file", f), slog.String("error", err.Error()))
		} else {
			w.metrics.deleted()
			removed = append(removed, f)
			if w.observer != nil {
				w.observer.ObserveDeletion(userID, slot, f)
			}
			log.WarnContext(ctx, "deleted flagged file", slog.String("file", f), slog.String("statement", r.Statement))
		}
		ev.Malicious = append(ev.Malicious, notification.Finding{
			Path:        f,
			Statement:   r.Statement,
			Fingerprint: fp,
			Deleted:     deleted,
		})
		w.record(ctx, log, userID, slot, r, fp, deleted)
	}

	if w.notifier != nil {
		if err := w.notifier.Notify(ctx, ev); err != nil {
			log.WarnContext(ctx, "watcher notification failed", slog.String("error", err.Error()))
		}
	}
	return removed
}

func (w *Watcher) record(ctx context.Context, log *slog.Logger, userID string, slot int, r security.ScanResult, fp string, deleted bool) {
	if w.recorder == nil || r.FilePath == "" {
		return
	}
	if err := w.recorder.RecordScan(ctx, userID, slot, security.SourceWatcher, r, fp, deleted); err != nil {
		log.WarnContext(ctx, "recording watcher scan failed", slog.String("file", r.FilePath), slog.String("error", err.Error()))
	}
}

func snapshot(dir string) (map[string]bool, error) {
	files, err := archive.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[f] = true
	}
	return set, nil
}

// RemoveInside deletes rel (slash-separated, relative to dir) after checking
// that its resolved location is still inside dir. A symlink is removed
// itself, never its target.
func RemoveInside(dir, rel string) error {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}
	target := filepath.Join(root, filepath.FromSlash(rel))
	if !supervisor.Within(root, target) || target == root {
		return fmt.Errorf("%w: %s", ErrOutsideDir, rel)
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return fmt.Errorf("resolving parent of %s: %w", rel, err)
	}
	if !supervisor.Within(root, parent) {
		return fmt.Errorf("%w: %s", ErrOutsideDir, rel)
	}
	if err := os.Remove(filepath.Join(parent, filepath.Base(target))); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Fingerprint returns the hex BLAKE3-256 digest of a file's content.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
