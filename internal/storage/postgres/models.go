package postgres

import (
	"time"

	"github.com/google/uuid"
)

// RunModel maps to the "runs" table.
type RunModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      string    `gorm:"not null;index:idx_runs_user_started,priority:1"`
	Slot        int       `gorm:"not null"`
	EntryFile   string    `gorm:"not null"`
	PID         int
	StartedAt   time.Time `gorm:"not null;index:idx_runs_user_started,priority:2"`
	EndedAt     *time.Time
	ExitCode    *int
	StopReason  string
	FinalOutput string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (RunModel) TableName() string { return "runs" }

// ScanModel maps to the "scan_records" table.
type ScanModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      string    `gorm:"not null;index:idx_scans_user_created,priority:1"`
	Slot        int       `gorm:"not null"`
	FilePath    string    `gorm:"not null"`
	Verdict     string    `gorm:"not null"`
	Statement   string    `gorm:"type:text"`
	Model       string
	Fingerprint string `gorm:"index"`
	Source      string `gorm:"not null"`
	Deleted     bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"not null;index:idx_scans_user_created,priority:2"`
}

func (ScanModel) TableName() string { return "scan_records" }
