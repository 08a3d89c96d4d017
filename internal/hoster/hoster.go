// Package hoster composes the slot registry, archive ingestion, the security
// gate, the process supervisor and the file watcher into the operations a
// client calls: begin an upload, deliver an archive, pick an entry file, run,
// stop and delete.
package hoster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/bothost/internal/generator"
	"github.com/jkaninda/bothost/internal/installer"
	"github.com/jkaninda/bothost/internal/notification"
	"github.com/jkaninda/bothost/internal/observability"
	"github.com/jkaninda/bothost/internal/security"
	"github.com/jkaninda/bothost/internal/session"
	"github.com/jkaninda/bothost/internal/storage"
	"github.com/jkaninda/bothost/internal/supervisor"
	"github.com/jkaninda/bothost/internal/watcher"
	"github.com/jkaninda/bothost/internal/workspace"
)

var (
	// ErrArchiveTooLarge is returned when an uploaded archive exceeds the size cap.
	ErrArchiveTooLarge = errors.New("archive too large")
	// ErrEntryNotSelected is returned by Run before SelectEntry was called for the slot.
	ErrEntryNotSelected = errors.New("no entry file selected")
	// ErrGeneratorDisabled is returned by Generate when no model is configured.
	ErrGeneratorDisabled = errors.New("code generation is not configured")
	// ErrNothingToRepair is returned by Repair when the slot has no finished run.
	ErrNothingToRepair = errors.New("no finished run to repair")
	// ErrMaliciousCode is returned when the gate flagged an upload. The
	// accompanying Delivery carries the statements.
	ErrMaliciousCode = errors.New("malicious code detected")
)

// Scanner classifies files of a slot directory.
type Scanner interface {
	Scan(ctx context.Context, dir string, files []string, progress security.BatchProgress) map[string]security.ScanResult
}

// Ingestor unpacks an archive into a directory.
type Ingestor interface {
	Extract(ctx context.Context, archivePath, destDir string) ([]string, error)
}

// Publisher receives live events for connected consoles.
type Publisher interface {
	Send(ctx context.Context, ev *notification.Event) error
}

// Deps are the collaborators of a Service. Watcher, Generator, Store,
// Notifier, Live and Metrics may be nil.
type Deps struct {
	Sessions   *session.Manager
	Supervisor *supervisor.Supervisor
	Workspace  *workspace.Workspace
	Ingestor   Ingestor
	Scanner    Scanner
	Installer  *installer.Installer
	Watcher    *watcher.Watcher
	Generator  *generator.Generator
	Store      storage.Store
	Notifier   notification.Notifier
	Live       Publisher
	Metrics    *observability.MetricsCollector
}

// Config holds the limits applied by the Service.
type Config struct {
	// MaxArchiveSize caps the uploaded archive in bytes.
	MaxArchiveSize int64
	// InlineOutputChars is the largest final output delivered inline; longer
	// output is delivered as a blob.
	InlineOutputChars int
	// EnvKeyLimit caps the keys listed by EnvKeys.
	EnvKeyLimit int
	// TempDir receives archives while they are extracted. Empty means os.TempDir().
	TempDir string
}

type slotKey struct {
	user string
	slot int
}

// Service is the core facade. Safe for concurrent use.
type Service struct {
	Deps
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[slotKey]string
	outputs map[slotKey][]string // final lines of the last finished run

	// ctx outlives requests; monitors and watchers run under it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service.
func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxArchiveSize <= 0 {
		cfg.MaxArchiveSize = 50 << 20
	}
	if cfg.InlineOutputChars <= 0 {
		cfg.InlineOutputChars = 1900
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		Deps:    deps,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[slotKey]string),
		outputs: make(map[slotKey][]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Status lists the user's slots.
func (s *Service) Status(userID string) []session.SlotStatus {
	return s.Sessions.Status(userID)
}

// RunningCount returns the number of live processes across all users.
func (s *Service) RunningCount() int {
	return s.Sessions.RunningCount()
}

// Runs returns the user's recent runs, newest first. Without a store it
// returns an empty list.
func (s *Service) Runs(ctx context.Context, userID string, limit int) ([]storage.RunRecord, error) {
	if s.Store == nil {
		return []storage.RunRecord{}, nil
	}
	runs, err := s.Store.Runs().ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Shutdown stops every running process, then waits for their monitors to
// record the exits or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	for _, u := range s.Sessions.Users() {
		if err := s.Sessions.StopProcess(ctx, u, session.AllSlots); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	case <-time.After(s.Supervisor.GracePeriod() * 2):
	}
	s.cancel()
	return errors.Join(errs...)
}

func (s *Service) setEntry(userID string, slot int, entry string) {
	s.mu.Lock()
	s.entries[slotKey{userID, slot}] = entry
	s.mu.Unlock()
}

func (s *Service) entry(userID string, slot int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[slotKey{userID, slot}]
	return e, ok
}

func (s *Service) clearEntries(userID string, slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.user == userID && (slot == session.AllSlots || k.slot == slot) {
			delete(s.entries, k)
		}
	}
	for k := range s.outputs {
		if k.user == userID && (slot == session.AllSlots || k.slot == slot) {
			delete(s.outputs, k)
		}
	}
}

func (s *Service) setOutput(userID string, slot int, lines []string) {
	s.mu.Lock()
	s.outputs[slotKey{userID, slot}] = lines
	s.mu.Unlock()
}

func (s *Service) output(userID string, slot int) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, ok := s.outputs[slotKey{userID, slot}]
	return lines, ok
}

func (s *Service) notify(ctx context.Context, ev *notification.Event) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("kind", ev.Kind),
			slog.String("user_id", ev.UserID),
			slog.String("error", err.Error()),
		)
	}
}
