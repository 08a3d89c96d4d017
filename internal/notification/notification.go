// Package notification delivers events about hosted processes (files flagged
// by the watcher, process exits) to external collaborators.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event kinds.
const (
	KindWatcherScan   = "watcher.scan"
	KindProcessExit   = "process.exit"
	KindUploadScan    = "upload.scan"
	KindProcessOutput = "process.output" // console batch, live subscribers only
)

// Finding describes one flagged file.
type Finding struct {
	Path        string `json:"path"`
	Statement   string `json:"statement"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Deleted     bool   `json:"deleted"`
}

// Event is the payload handed to every sender.
type Event struct {
	Kind      string            `json:"kind"`
	UserID    string            `json:"user_id"`
	Slot      int               `json:"slot"`
	Time      time.Time         `json:"time"`
	Safe      []string          `json:"safe,omitempty"`
	Malicious []Finding         `json:"malicious,omitempty"`
	Message   string            `json:"message,omitempty"`
	Lines     []string          `json:"lines,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Notifier accepts events.
type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}

// Sender is a single delivery backend.
type Sender interface {
	// Type returns the backend identifier ("webhook", "log", "hub").
	Type() string
	Send(ctx context.Context, ev *Event) error
}

// Dispatcher fans an event out to every registered sender.
// Thread-safe.
type Dispatcher struct {
	mu      sync.RWMutex
	senders []Sender
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher with the given senders.
func NewDispatcher(logger *slog.Logger, senders ...Sender) *Dispatcher {
	return &Dispatcher{senders: senders, logger: logger}
}

// RegisterSender adds a backend.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders = append(d.senders, s)
}

// Notify sends ev to every sender. A failing sender does not stop the
// others; failures are logged and returned joined.
func (d *Dispatcher) Notify(ctx context.Context, ev *Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	d.mu.RLock()
	senders := append([]Sender(nil), d.senders...)
	d.mu.RUnlock()

	var errs []error
	for _, s := range senders {
		if err := s.Send(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Type(), err))
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("type", s.Type()),
				slog.String("kind", ev.Kind),
				slog.String("user_id", ev.UserID),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.logger.DebugContext(ctx, "notification sent",
			slog.String("type", s.Type()),
			slog.String("kind", ev.Kind),
		)
	}
	return errors.Join(errs...)
}

// LogSender writes events to the structured log.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-backed sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Type() string { return "log" }

func (s *LogSender) Send(ctx context.Context, ev *Event) error {
	level := slog.LevelInfo
	if len(ev.Malicious) > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "notification",
		slog.String("kind", ev.Kind),
		slog.String("user_id", ev.UserID),
		slog.Int("slot", ev.Slot),
		slog.Int("safe", len(ev.Safe)),
		slog.Int("malicious", len(ev.Malicious)),
		slog.String("message", ev.Message),
	)
	return nil
}
