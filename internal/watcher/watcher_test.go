package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/bothost/internal/notification"
	"github.com/jkaninda/bothost/internal/security"
	"github.com/prometheus/client_golang/prometheus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// nameScanner flags every file whose name contains "evil".
type nameScanner struct {
	mu      sync.Mutex
	scanned [][]string
	sources []security.Source
}

func (s *nameScanner) Scan(ctx context.Context, _ string, files []string, _ security.BatchProgress) map[string]security.ScanResult {
	s.mu.Lock()
	s.scanned = append(s.scanned, files)
	s.sources = append(s.sources, security.SubjectFrom(ctx).Source)
	s.mu.Unlock()

	out := make(map[string]security.ScanResult, len(files))
	for _, f := range files {
		v := security.VerdictNormal
		if strings.Contains(f, "evil") {
			v = security.VerdictMalicious
		}
		out[f] = security.ScanResult{FilePath: f, Verdict: v, Statement: "test verdict"}
	}
	return out
}

type liveness struct{ alive atomic.Bool }

func (l *liveness) IsRunning(string, int) bool { return l.alive.Load() }

type chanNotifier struct{ events chan *notification.Event }

func (n *chanNotifier) Notify(_ context.Context, ev *notification.Event) error {
	n.events <- ev
	return nil
}

type memRecorder struct {
	mu   sync.Mutex
	recs []string
}

func (r *memRecorder) RecordScan(_ context.Context, _ string, _ int, _ security.Source, res security.ScanResult, _ string, deleted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if deleted {
		r.recs = append(r.recs, res.FilePath+":deleted")
	} else {
		r.recs = append(r.recs, res.FilePath)
	}
	return nil
}

func TestWatch_ScansNewFilesAndDeletesFlagged(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)"), 0644)

	scanner := &nameScanner{}
	live := &liveness{}
	live.alive.Store(true)
	notifier := &chanNotifier{events: make(chan *notification.Event, 4)}
	rec := &memRecorder{}
	reg := prometheus.NewRegistry()

	w := New(scanner, live, notifier, 20*time.Millisecond, discardLogger(),
		WithRecorder(rec), WithMetrics(NewMetrics(reg)))

	done := make(chan error, 1)
	go func() { done <- w.Watch(context.Background(), "u1", 1, dir) }()

	// Give the watcher time to take its initial snapshot.
	time.Sleep(50 * time.Millisecond)
	os.MkdirAll(filepath.Join(dir, "out"), 0755)
	os.WriteFile(filepath.Join(dir, "out", "log.txt"), []byte("ok"), 0644)
	os.WriteFile(filepath.Join(dir, "evil.py"), []byte("import os; os.system('rm -rf /')"), 0644)

	var ev *notification.Event
	select {
	case ev = <-notifier.events:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}

	// Both files may land in separate polls; collect until both are seen.
	safe := append([]string(nil), ev.Safe...)
	malicious := append([]notification.Finding(nil), ev.Malicious...)
	for len(safe)+len(malicious) < 2 {
		select {
		case ev = <-notifier.events:
			safe = append(safe, ev.Safe...)
			malicious = append(malicious, ev.Malicious...)
		case <-time.After(5 * time.Second):
			t.Fatalf("incomplete notifications: safe=%v malicious=%v", safe, malicious)
		}
	}

	if len(safe) != 1 || safe[0] != "out/log.txt" {
		t.Errorf("safe = %v, want [out/log.txt]", safe)
	}
	if len(malicious) != 1 || malicious[0].Path != "evil.py" || !malicious[0].Deleted {
		t.Fatalf("malicious = %+v", malicious)
	}
	if len(malicious[0].Fingerprint) != 64 {
		t.Errorf("fingerprint = %q, want 64 hex chars", malicious[0].Fingerprint)
	}
	if _, err := os.Stat(filepath.Join(dir, "evil.py")); !os.IsNotExist(err) {
		t.Error("flagged file not deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "out", "log.txt")); err != nil {
		t.Error("safe file removed")
	}

	live.alive.Store(false)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after the process ended")
	}

	scanner.mu.Lock()
	for _, batch := range scanner.scanned {
		for _, f := range batch {
			if f == "main.py" {
				t.Error("pre-existing file was scanned")
			}
		}
	}
	for _, src := range scanner.sources {
		if src != security.SourceWatcher {
			t.Errorf("scan source = %q", src)
		}
	}
	scanner.mu.Unlock()

	rec.mu.Lock()
	recorded := strings.Join(rec.recs, ",")
	rec.mu.Unlock()
	if !strings.Contains(recorded, "evil.py:deleted") || !strings.Contains(recorded, "out/log.txt") {
		t.Errorf("recorded = %q", recorded)
	}

	families, _ := reg.Gather()
	var deletions float64
	for _, f := range families {
		if f.GetName() == "bothost_watcher_deletions_total" {
			deletions = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if deletions != 1 {
		t.Errorf("deletions_total = %v, want 1", deletions)
	}
}

func TestWatch_NotRunningReturnsImmediately(t *testing.T) {
	w := New(&nameScanner{}, &liveness{}, nil, time.Hour, discardLogger())
	if err := w.Watch(context.Background(), "u", 1, t.TempDir()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWatch_ContextCancel(t *testing.T) {
	live := &liveness{}
	live.alive.Store(true)
	w := New(&nameScanner{}, live, nil, time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, "u", 1, t.TempDir()) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher ignored cancellation")
	}
}

func TestWatch_MissingDir(t *testing.T) {
	live := &liveness{}
	live.alive.Store(true)
	w := New(&nameScanner{}, live, nil, time.Hour, discardLogger())
	if err := w.Watch(context.Background(), "u", 1, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestRemoveInside(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	os.WriteFile(filepath.Join(outside, "keep.txt"), []byte("x"), 0644)
	os.Symlink(outside, filepath.Join(dir, "link"))
	os.WriteFile(filepath.Join(dir, "bad.py"), []byte("x"), 0644)

	if err := RemoveInside(dir, "../keep.txt"); !errors.Is(err, ErrOutsideDir) {
		t.Errorf("parent traversal: err = %v, want ErrOutsideDir", err)
	}
	if err := RemoveInside(dir, "link/keep.txt"); !errors.Is(err, ErrOutsideDir) {
		t.Errorf("symlinked parent: err = %v, want ErrOutsideDir", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "keep.txt")); err != nil {
		t.Fatal("file outside the directory was removed")
	}

	if err := RemoveInside(dir, "bad.py"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bad.py")); !os.IsNotExist(err) {
		t.Error("file not removed")
	}
	// Already gone is not an error.
	if err := RemoveInside(dir, "bad.py"); err != nil {
		t.Errorf("second remove: %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	os.WriteFile(a, []byte("same"), 0644)
	os.WriteFile(b, []byte("same"), 0644)

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, _ := Fingerprint(b)
	if fa != fb || len(fa) != 64 {
		t.Errorf("fingerprints %q / %q", fa, fb)
	}
	os.WriteFile(b, []byte("different"), 0644)
	if fb2, _ := Fingerprint(b); fb2 == fa {
		t.Error("different content produced the same fingerprint")
	}
}

func TestWatch_RescansRecreatedFlaggedFile(t *testing.T) {
	dir := t.TempDir()
	scanner := &nameScanner{}
	live := &liveness{}
	live.alive.Store(true)
	notifier := &chanNotifier{events: make(chan *notification.Event, 4)}

	w := New(scanner, live, notifier, 20*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx, "u1", 1, dir)

	time.Sleep(50 * time.Millisecond)
	path := filepath.Join(dir, "evil.py")

	for round := 1; round <= 2; round++ {
		if err := os.WriteFile(path, []byte("import os; os.system('id')"), 0644); err != nil {
			t.Fatal(err)
		}
		select {
		case ev := <-notifier.events:
			if len(ev.Malicious) != 1 || !ev.Malicious[0].Deleted {
				t.Fatalf("round %d: malicious = %+v, want evil.py deleted", round, ev.Malicious)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: evil.py was not rescanned", round)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("round %d: evil.py still on disk (err=%v)", round, err)
		}
	}
}

type chanObserver struct{ removed chan string }

func (o *chanObserver) ObserveDeletion(userID string, slot int, file string) {
	o.removed <- fmt.Sprintf("%s/%d/%s", userID, slot, file)
}

func TestWatch_ReportsDeletionsToObserver(t *testing.T) {
	dir := t.TempDir()
	live := &liveness{}
	live.alive.Store(true)
	notifier := &chanNotifier{events: make(chan *notification.Event, 4)}
	observer := &chanObserver{removed: make(chan string, 4)}

	w := New(&nameScanner{}, live, notifier, 20*time.Millisecond, discardLogger(), WithDeletionObserver(observer))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx, "u2", 3, dir)

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "evil.py"), []byte("import os; os.system('id')"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-notifier.events:
	case <-time.After(5 * time.Second):
		t.Fatal("no watcher event")
	}
	select {
	case got := <-observer.removed:
		if got != "u2/3/evil.py" {
			t.Errorf("observed %q, want u2/3/evil.py", got)
		}
	default:
		t.Fatal("deletion not reported to observer")
	}
	select {
	case extra := <-observer.removed:
		t.Errorf("unexpected deletion %q", extra)
	default:
	}
}
