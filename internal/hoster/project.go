package hoster

import (
	"context"
	"log/slog"

	"github.com/jkaninda/bothost/internal/archive"
	"github.com/jkaninda/bothost/internal/envfile"
	"github.com/jkaninda/bothost/internal/installer"
)

// InstallRequirements installs packages into the slot's environment. With
// no packages it installs the slot's requirements file.
func (s *Service) InstallRequirements(ctx context.Context, userID string, slot int, packages []string) (*installer.Result, error) {
	dir, err := s.slotDir(userID, slot)
	if err != nil {
		return nil, err
	}

	req := installer.Request{Dir: dir, Packages: packages}
	if len(packages) == 0 {
		files, err := archive.ListFiles(dir)
		if err != nil {
			return nil, err
		}
		req.RequirementsFile = installer.FindRequirements(files)
	}

	res, err := s.Installer.Install(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "requirements installed",
		slog.String("user_id", userID),
		slog.Int("slot", slot),
		slog.Bool("success", res.Success),
		slog.Int("packages", len(res.Installed)),
	)
	return res, nil
}

// EnvKeys lists the variable names defined in the slot's .env file.
func (s *Service) EnvKeys(userID string, slot int) ([]string, error) {
	dir, err := s.slotDir(userID, slot)
	if err != nil {
		return nil, err
	}
	limit := s.cfg.EnvKeyLimit
	if limit <= 0 {
		limit = envfile.DefaultKeyLimit
	}
	return envfile.Keys(dir, limit)
}

// SetEnv merges values into the slot's .env file.
func (s *Service) SetEnv(ctx context.Context, userID string, slot int, values map[string]string) error {
	dir, err := s.slotDir(userID, slot)
	if err != nil {
		return err
	}
	if err := envfile.Write(dir, values); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "environment updated",
		slog.String("user_id", userID),
		slog.Int("slot", slot),
		slog.Int("keys", len(values)),
	)
	return nil
}

func (s *Service) slotDir(userID string, slot int) (string, error) {
	if err := s.checkSlot(slot); err != nil {
		return "", err
	}
	return s.Workspace.SlotDir(userID, slot)
}
