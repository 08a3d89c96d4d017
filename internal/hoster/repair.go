package hoster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/bothost/internal/archive"
	"github.com/jkaninda/bothost/internal/generator"
	"github.com/jkaninda/bothost/internal/security"
)

// maxRepairFileSize skips larger files when sending a project for repair.
const maxRepairFileSize = 64 << 10

// RepairResult is the outcome of Repair.
type RepairResult struct {
	Slot          int       `json:"slot"`
	ErrorDetected bool      `json:"error_detected"`
	Statement     string    `json:"statement,omitempty"`
	Model         string    `json:"model,omitempty"`
	Delivery      *Delivery `json:"delivery,omitempty"`
}

// Repair asks the generator whether the last run of the slot failed and, if
// so, for a fix. Changed files are written into the slot and scanned like
// generated code; a flagged fix wipes the slot.
func (s *Service) Repair(ctx context.Context, userID string, slot int, progress security.BatchProgress) (*RepairResult, error) {
	if s.Generator == nil {
		return nil, ErrGeneratorDisabled
	}
	dir, err := s.slotDir(userID, slot)
	if err != nil {
		return nil, err
	}
	release, err := s.Sessions.ClaimIdle(userID, slot)
	if err != nil {
		return nil, err
	}
	defer release()
	lines, ok := s.output(userID, slot)
	if !ok {
		return nil, fmt.Errorf("%w: slot %d", ErrNothingToRepair, slot)
	}
	output := strings.Join(lines, "\n")

	res := &RepairResult{Slot: slot}
	failed, err := s.Generator.DetectError(ctx, output)
	if err != nil {
		return nil, err
	}
	if !failed {
		return res, nil
	}
	res.ErrorDetected = true

	files, err := projectFiles(dir)
	if err != nil {
		return nil, err
	}
	fix, model, err := s.Generator.Repair(ctx, files, output)
	if err != nil {
		return nil, err
	}
	res.Statement = fix.Statement
	res.Model = model
	if len(fix.Files) == 0 {
		return res, nil
	}

	written, err := generator.WriteFiles(dir, fix.Files)
	if err != nil {
		return res, err
	}
	s.logger.InfoContext(ctx, "repair applied",
		slog.String("user_id", userID),
		slog.Int("slot", slot),
		slog.String("model", model),
		slog.Int("files", len(written)),
	)

	res.Delivery = &Delivery{Slot: slot, Files: written, Model: model}
	return res, s.gate(ctx, userID, slot, dir, res.Delivery, security.SourceGenerator, progress)
}

// projectFiles reads the slot's files for a repair request. The .env file
// holds secrets and is never sent.
func projectFiles(dir string) ([]generator.File, error) {
	names, err := archive.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []generator.File
	for _, name := range names {
		if filepath.Base(name) == ".env" {
			continue
		}
		p := filepath.Join(dir, filepath.FromSlash(name))
		info, err := os.Stat(p)
		if err != nil || info.Size() > maxRepairFileSize {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		out = append(out, generator.File{Name: name, Content: string(data)})
	}
	return out, nil
}
