package postgres

import (
	"github.com/google/uuid"

	"github.com/jkaninda/bothost/internal/storage"
)

func toRunModel(r *storage.RunRecord) RunModel {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return RunModel{
		ID:          r.ID,
		UserID:      r.UserID,
		Slot:        r.Slot,
		EntryFile:   r.EntryFile,
		PID:         r.PID,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		ExitCode:    r.ExitCode,
		StopReason:  r.StopReason,
		FinalOutput: r.FinalOutput,
	}
}

func toRunDomain(m *RunModel) storage.RunRecord {
	return storage.RunRecord{
		ID:          m.ID,
		UserID:      m.UserID,
		Slot:        m.Slot,
		EntryFile:   m.EntryFile,
		PID:         m.PID,
		StartedAt:   m.StartedAt,
		EndedAt:     m.EndedAt,
		ExitCode:    m.ExitCode,
		StopReason:  m.StopReason,
		FinalOutput: m.FinalOutput,
	}
}

func toScanModel(r *storage.ScanRecord) ScanModel {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return ScanModel{
		ID:          r.ID,
		UserID:      r.UserID,
		Slot:        r.Slot,
		FilePath:    r.FilePath,
		Verdict:     r.Verdict,
		Statement:   r.Statement,
		Model:       r.Model,
		Fingerprint: r.Fingerprint,
		Source:      r.Source,
		Deleted:     r.Deleted,
		CreatedAt:   r.CreatedAt,
	}
}

func toScanDomain(m *ScanModel) storage.ScanRecord {
	return storage.ScanRecord{
		ID:          m.ID,
		UserID:      m.UserID,
		Slot:        m.Slot,
		FilePath:    m.FilePath,
		Verdict:     m.Verdict,
		Statement:   m.Statement,
		Model:       m.Model,
		Fingerprint: m.Fingerprint,
		Source:      m.Source,
		Deleted:     m.Deleted,
		CreatedAt:   m.CreatedAt,
	}
}
