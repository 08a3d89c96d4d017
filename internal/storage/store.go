// Package storage defines the persistence interfaces for run history and
// scan findings. Two backends are provided: SQLite (default, zero-config)
// and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// Store is the unified persistence interface.
type Store interface {
	Runs() RunStore
	Scans() ScanStore

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// RunRecord is one hosted process run.
type RunRecord struct {
	ID          uuid.UUID  `json:"id"`
	UserID      string     `json:"user_id"`
	Slot        int        `json:"slot"`
	EntryFile   string     `json:"entry_file"`
	PID         int        `json:"pid"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StopReason  string     `json:"stop_reason,omitempty"` // "exited", "stopped", "shutdown"
	FinalOutput string     `json:"final_output,omitempty"`
}

// Running reports whether the run has not been finished.
func (r *RunRecord) Running() bool { return r.EndedAt == nil }

// RunStore persists run history.
type RunStore interface {
	Create(ctx context.Context, run *RunRecord) error
	Finish(ctx context.Context, id uuid.UUID, endedAt time.Time, exitCode int, reason, finalOutput string) error
	Get(ctx context.Context, id uuid.UUID) (*RunRecord, error)
	// ListByUser returns the user's runs, newest first. Limit defaults to 50.
	ListByUser(ctx context.Context, userID string, limit int) ([]RunRecord, error)
}

// ScanRecord is one classified file.
type ScanRecord struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	Slot        int       `json:"slot"`
	FilePath    string    `json:"file_path"`
	Verdict     string    `json:"verdict"`
	Statement   string    `json:"statement"`
	Model       string    `json:"model,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Source      string    `json:"source"` // "upload", "watcher", "generator"
	Deleted     bool      `json:"deleted"`
	CreatedAt   time.Time `json:"created_at"`
}

// ScanStore persists scan findings. Append-only.
type ScanStore interface {
	Append(ctx context.Context, rec *ScanRecord) error
	// ListByUser returns the user's records, newest first. Limit defaults to 100.
	ListByUser(ctx context.Context, userID string, limit int) ([]ScanRecord, error)
}
