package hoster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jkaninda/bothost/internal/generator"
	"github.com/jkaninda/bothost/internal/installer"
	"github.com/jkaninda/bothost/internal/notification"
	"github.com/jkaninda/bothost/internal/security"
	"github.com/jkaninda/bothost/internal/session"
	"github.com/jkaninda/bothost/internal/watcher"
)

// Delivery is the outcome of placing code into a slot.
type Delivery struct {
	Slot         int                            `json:"slot"`
	Files        []string                       `json:"files"`
	Results      map[string]security.ScanResult `json:"results"`
	Flagged      []security.ScanResult          `json:"flagged,omitempty"`
	Requirements string                         `json:"requirements,omitempty"`
	Model        string                         `json:"model,omitempty"`
}

// BeginUpload reserves the user's lowest free slot. The entry chosen for an
// earlier upload into that slot is forgotten.
func (s *Service) BeginUpload(ctx context.Context, userID string, loc session.Location) (*session.UploadSession, error) {
	sess, err := s.Sessions.StartUploadSession(userID, loc)
	if err != nil {
		return nil, err
	}
	s.clearEntries(userID, sess.Slot)
	return sess, nil
}

// EndUpload drops the user's upload reservations.
func (s *Service) EndUpload(userID string) {
	s.Sessions.EndUploadSession(userID)
}

// DeliverArchive reads a zip archive from r into the reserved slot, extracts
// it and scans every file. A flagged upload wipes the slot, ends the
// reservation and returns ErrMaliciousCode with the Delivery. Ingestion
// errors end the reservation. No process can take the slot until the
// archive has been accepted.
func (s *Service) DeliverArchive(ctx context.Context, userID string, slot int, r io.Reader, progress security.BatchProgress) (*Delivery, error) {
	release, err := s.Sessions.ClaimUpload(userID, slot)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx = security.WithSubject(ctx, security.Subject{UserID: userID, Slot: slot, Source: security.SourceUpload})

	tmp, err := s.spool(r)
	if err != nil {
		s.Sessions.EndUploadSlot(userID, slot)
		return nil, err
	}
	defer os.Remove(tmp)

	dir, err := s.Workspace.ResetSlot(userID, slot)
	if err != nil {
		s.Sessions.EndUploadSlot(userID, slot)
		return nil, err
	}
	s.clearEntries(userID, slot)

	files, err := s.Ingestor.Extract(ctx, tmp, dir)
	if err != nil {
		s.Sessions.EndUploadSlot(userID, slot)
		s.logger.WarnContext(ctx, "archive rejected",
			slog.String("user_id", userID),
			slog.Int("slot", slot),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	d := &Delivery{Slot: slot, Files: files}
	if err := s.gate(ctx, userID, slot, dir, d, security.SourceUpload, progress); err != nil {
		return d, err
	}
	return d, s.Sessions.CompleteUpload(userID, slot)
}

// Generate asks the code generator for a project, writes it into the
// reserved slot and scans it like an upload.
func (s *Service) Generate(ctx context.Context, userID string, slot int, prompt string, progress security.BatchProgress) (*Delivery, error) {
	if s.Generator == nil {
		return nil, ErrGeneratorDisabled
	}
	release, err := s.Sessions.ClaimUpload(userID, slot)
	if err != nil {
		return nil, err
	}
	defer release()

	files, model, err := s.Generator.Generate(ctx, prompt)
	if err != nil {
		s.Sessions.EndUploadSlot(userID, slot)
		return nil, err
	}
	dir, err := s.Workspace.ResetSlot(userID, slot)
	if err != nil {
		s.Sessions.EndUploadSlot(userID, slot)
		return nil, err
	}
	s.clearEntries(userID, slot)

	written, err := generator.WriteFiles(dir, files)
	if err != nil {
		s.Sessions.EndUploadSlot(userID, slot)
		if _, rerr := s.Workspace.ResetSlot(userID, slot); rerr != nil {
			s.logger.ErrorContext(ctx, "wiping partially generated slot failed",
				slog.String("user_id", userID),
				slog.Int("slot", slot),
				slog.String("error", rerr.Error()),
			)
		}
		return nil, err
	}

	d := &Delivery{Slot: slot, Files: written, Model: model}
	if err := s.gate(ctx, userID, slot, dir, d, security.SourceGenerator, progress); err != nil {
		return d, err
	}
	return d, s.Sessions.CompleteUpload(userID, slot)
}

// gate scans d.Files and fills in the results. Flagged code is recorded,
// removed from disk and reported as ErrMaliciousCode.
func (s *Service) gate(ctx context.Context, userID string, slot int, dir string, d *Delivery, source security.Source, progress security.BatchProgress) error {
	scanCtx := security.WithSubject(ctx, security.Subject{UserID: userID, Slot: slot, Source: source})
	d.Results = s.Scanner.Scan(scanCtx, dir, d.Files, progress)
	d.Flagged = security.Flagged(d.Files, d.Results)
	d.Requirements = installer.FindRequirements(d.Files)

	if len(d.Flagged) == 0 {
		s.logger.InfoContext(ctx, "code accepted",
			slog.String("user_id", userID),
			slog.Int("slot", slot),
			slog.String("source", string(source)),
			slog.Int("files", len(d.Files)),
		)
		return nil
	}

	ev := &notification.Event{Kind: notification.KindUploadScan, UserID: userID, Slot: slot}
	for _, r := range d.Flagged {
		fp, _ := watcher.Fingerprint(filepath.Join(dir, filepath.FromSlash(r.FilePath)))
		s.recordScan(ctx, userID, slot, source, r, fp, true)
		ev.Malicious = append(ev.Malicious, notification.Finding{
			Path:        r.FilePath,
			Statement:   r.Statement,
			Fingerprint: fp,
			Deleted:     true,
		})
	}
	for _, f := range d.Files {
		if r, ok := d.Results[f]; !ok || !r.Malicious() {
			ev.Safe = append(ev.Safe, f)
		}
	}

	if _, err := s.Workspace.ResetSlot(userID, slot); err != nil {
		s.logger.ErrorContext(ctx, "wiping flagged slot failed",
			slog.String("user_id", userID),
			slog.Int("slot", slot),
			slog.String("error", err.Error()),
		)
	}
	s.Sessions.EndUploadSlot(userID, slot)

	s.logger.WarnContext(ctx, "code rejected",
		slog.String("user_id", userID),
		slog.Int("slot", slot),
		slog.String("source", string(source)),
		slog.Int("flagged", len(d.Flagged)),
	)
	s.notify(ctx, ev)
	return fmt.Errorf("%w: %d of %d files flagged", ErrMaliciousCode, len(d.Flagged), len(d.Files))
}

// spool copies the archive to a temporary file, enforcing MaxArchiveSize.
func (s *Service) spool(r io.Reader) (string, error) {
	f, err := os.CreateTemp(s.cfg.TempDir, "bothost-upload-*.zip")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.cfg.MaxArchiveSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("receiving archive: %w", err)
	}
	if n > s.cfg.MaxArchiveSize {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: over %d bytes", ErrArchiveTooLarge, s.cfg.MaxArchiveSize)
	}
	return f.Name(), nil
}

func (s *Service) recordScan(ctx context.Context, userID string, slot int, source security.Source, r security.ScanResult, fp string, deleted bool) {
	if s.Store == nil {
		return
	}
	rec := NewRecorder(s.Store)
	if err := rec.RecordScan(ctx, userID, slot, source, r, fp, deleted); err != nil {
		s.logger.WarnContext(ctx, "recording scan failed",
			slog.String("file", r.FilePath),
			slog.String("error", err.Error()),
		)
	}
}
