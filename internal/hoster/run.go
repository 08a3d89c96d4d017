package hoster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/bothost/internal/notification"
	"github.com/jkaninda/bothost/internal/session"
	"github.com/jkaninda/bothost/internal/storage"
	"github.com/jkaninda/bothost/internal/supervisor"
)

// Stop reasons recorded with a run.
const (
	ReasonExited   = "exited"
	ReasonStopped  = "stopped"
	ReasonShutdown = "shutdown"
)

// Blob is final output too long to show inline.
type Blob struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ExitEvent is the terminal event of a run.
type ExitEvent struct {
	Type     string    `json:"type"`
	RunID    uuid.UUID `json:"run_id"`
	Slot     int       `json:"slot"`
	ExitCode int       `json:"exit_code"`
	Reason   string    `json:"reason"`
	Lines    []string  `json:"lines"`
	Inline   string    `json:"inline,omitempty"`
	Blob     *Blob     `json:"blob,omitempty"`
}

// FinalOutput builds the exit payload fields for lines: inline when the
// joined text fits in max characters, otherwise a console_<user>.txt blob.
func FinalOutput(userID string, lines []string, max int) (string, *Blob) {
	text := strings.Join(lines, "\n")
	if len([]rune(text)) <= max {
		return text, nil
	}
	return "", &Blob{Name: "console_" + userID + ".txt", Content: text}
}

// Run is a started process as seen by the caller.
type Run struct {
	ID        uuid.UUID `json:"run_id"`
	UserID    string    `json:"user_id"`
	Slot      int       `json:"slot"`
	PID       int       `json:"pid"`
	EntryFile string    `json:"entry_file"`
	StartedAt time.Time `json:"started_at"`

	done chan struct{}
	once sync.Once
	exit *ExitEvent
}

// Done is closed once the exit event is available.
func (r *Run) Done() <-chan struct{} { return r.done }

// Exit returns the terminal event, or nil while the process runs.
func (r *Run) Exit() *ExitEvent {
	select {
	case <-r.done:
		return r.exit
	default:
		return nil
	}
}

// Wait blocks until the run ends or ctx is done.
func (r *Run) Wait(ctx context.Context) (*ExitEvent, error) {
	select {
	case <-r.done:
		return r.exit, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) finish(ev *ExitEvent) {
	r.once.Do(func() {
		r.exit = ev
		close(r.done)
	})
}

// SelectEntry checks that entry is a regular file inside the slot directory
// and remembers it for Run.
func (s *Service) SelectEntry(ctx context.Context, userID string, slot int, entry string) error {
	if err := s.checkSlot(slot); err != nil {
		return err
	}
	dir, err := s.Workspace.SlotDir(userID, slot)
	if err != nil {
		return err
	}
	root, resolved, err := supervisor.ResolveEntry(entry, dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return fmt.Errorf("%w: %s", supervisor.ErrPathEscape, entry)
	}
	s.setEntry(userID, slot, filepath.ToSlash(rel))
	s.logger.InfoContext(ctx, "entry file selected",
		slog.String("user_id", userID),
		slog.Int("slot", slot),
		slog.String("entry", rel),
	)
	return nil
}

// Run starts the selected entry of the slot and registers it. sink, if not
// nil, receives output batches. Monitoring and file watching continue in
// the background after Run returns, for as long as the process lives.
func (s *Service) Run(ctx context.Context, userID string, slot int, sink supervisor.OutputSink) (*Run, error) {
	if err := s.checkSlot(slot); err != nil {
		return nil, err
	}
	entry, ok := s.entry(userID, slot)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d", ErrEntryNotSelected, slot)
	}
	if s.Sessions.IsRunning(userID, slot) {
		return nil, fmt.Errorf("%w: slot %d is already running", session.ErrSlotConflict, slot)
	}
	if s.Sessions.UploadPending(userID, slot) {
		return nil, fmt.Errorf("%w: slot %d has an upload in progress", session.ErrSlotConflict, slot)
	}
	dir, err := s.Workspace.SlotDir(userID, slot)
	if err != nil {
		return nil, err
	}

	proc, err := s.Supervisor.Start(ctx, entry, dir)
	s.Metrics.ProcessStarted(err)
	if err != nil {
		return nil, err
	}

	out := s.liveSink(userID, slot, sink)
	if err := s.Sessions.RegisterRunningProcess(userID, slot, proc, dir, out); err != nil {
		_ = s.Supervisor.Stop(proc, 0)
		return nil, err
	}

	run := &Run{
		ID:        uuid.New(),
		UserID:    userID,
		Slot:      slot,
		PID:       proc.PID(),
		EntryFile: entry,
		StartedAt: proc.StartedAt,
		done:      make(chan struct{}),
	}
	if s.Store != nil {
		rec := &storage.RunRecord{
			ID:        run.ID,
			UserID:    userID,
			Slot:      slot,
			EntryFile: entry,
			PID:       run.PID,
			StartedAt: run.StartedAt.UTC(),
		}
		if err := s.Store.Runs().Create(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "recording run failed", slog.String("error", err.Error()))
		}
	}

	// The watcher ends with the monitor, not a poll interval later.
	watchCtx, stopWatch := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go s.monitor(run, proc, out, stopWatch)

	if s.Watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Watcher.Watch(watchCtx, userID, slot, dir); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("file watcher ended",
					slog.String("user_id", userID),
					slog.Int("slot", slot),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	return run, nil
}

func (s *Service) monitor(run *Run, proc *supervisor.Process, sink supervisor.OutputSink, stopWatch context.CancelFunc) {
	defer s.wg.Done()

	lines := s.Supervisor.Monitor(s.ctx, proc, sink)
	stopWatch()

	reason := ReasonExited
	switch {
	case proc.Alive():
		reason = ReasonShutdown
	case proc.Stopped():
		reason = ReasonStopped
	}
	if !proc.Alive() {
		s.Sessions.Remove(run.UserID, run.Slot, proc)
	}

	s.setOutput(run.UserID, run.Slot, lines)
	inline, blob := FinalOutput(run.UserID, lines, s.cfg.InlineOutputChars)
	ev := &ExitEvent{
		Type:     "exit",
		RunID:    run.ID,
		Slot:     run.Slot,
		ExitCode: proc.ExitCode(),
		Reason:   reason,
		Lines:    lines,
		Inline:   inline,
		Blob:     blob,
	}

	// The service context may already be cancelled at shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
	defer cancel()

	if s.Store != nil {
		final := strings.Join(lines, "\n")
		if err := s.Store.Runs().Finish(ctx, run.ID, time.Now().UTC(), ev.ExitCode, reason, final); err != nil {
			s.logger.WarnContext(ctx, "finishing run record failed",
				slog.String("run_id", run.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	msg := inline
	if blob != nil {
		msg = "output attached as " + blob.Name
	}
	s.notify(ctx, &notification.Event{
		Kind:    notification.KindProcessExit,
		UserID:  run.UserID,
		Slot:    run.Slot,
		Message: msg,
		Lines:   lines,
		Metadata: map[string]string{
			"run_id":    run.ID.String(),
			"exit_code": strconv.Itoa(ev.ExitCode),
			"reason":    reason,
		},
	})

	run.finish(ev)
}

// liveSink fans output batches out to the caller's sink and the live publisher.
func (s *Service) liveSink(userID string, slot int, sink supervisor.OutputSink) supervisor.OutputSink {
	return supervisor.OutputSinkFunc(func(lines []string) {
		if sink != nil {
			sink.OnOutput(lines)
		}
		if s.Live == nil {
			return
		}
		_ = s.Live.Send(s.ctx, &notification.Event{
			Kind:   notification.KindProcessOutput,
			UserID: userID,
			Slot:   slot,
			Time:   time.Now().UTC(),
			Lines:  lines,
		})
	})
}

// Stop terminates the process in slot, or all of the user's processes for
// session.AllSlots. Stopping an idle slot succeeds.
func (s *Service) Stop(ctx context.Context, userID string, slot int) error {
	if slot != session.AllSlots {
		if err := s.checkSlot(slot); err != nil {
			return err
		}
	}
	return s.Sessions.StopProcess(ctx, userID, slot)
}

// DeleteAll stops every process of the user, ends the upload session and
// removes the user's directory tree.
func (s *Service) DeleteAll(ctx context.Context, userID string) error {
	stopErr := s.Sessions.StopProcess(ctx, userID, session.AllSlots)
	s.Sessions.EndUploadSession(userID)
	s.clearEntries(userID, session.AllSlots)
	if err := s.Workspace.RemoveUser(userID); err != nil {
		return errors.Join(stopErr, err)
	}
	s.logger.InfoContext(ctx, "user projects deleted", slog.String("user_id", userID))
	return stopErr
}

func (s *Service) checkSlot(slot int) error {
	if slot < 1 || slot > s.Sessions.MaxSlots() {
		return fmt.Errorf("%w: slot %d outside 1..%d", session.ErrSlotConflict, slot, s.Sessions.MaxSlots())
	}
	return nil
}
