package hoster

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/bothost/internal/security"
	"github.com/jkaninda/bothost/internal/storage"
)

// Recorder writes scan verdicts to the scan store. It satisfies watcher.Recorder.
type Recorder struct {
	scans storage.ScanStore
}

// NewRecorder creates a Recorder on the store's scan records.
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{scans: store.Scans()}
}

// RecordScan appends one verdict.
func (r *Recorder) RecordScan(ctx context.Context, userID string, slot int, source security.Source, res security.ScanResult, fingerprint string, deleted bool) error {
	return r.scans.Append(ctx, &storage.ScanRecord{
		ID:          uuid.New(),
		UserID:      userID,
		Slot:        slot,
		FilePath:    res.FilePath,
		Verdict:     string(res.Verdict),
		Statement:   res.Statement,
		Model:       res.Model,
		Fingerprint: fingerprint,
		Source:      string(source),
		Deleted:     deleted,
	})
}
