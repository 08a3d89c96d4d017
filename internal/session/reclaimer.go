package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// StartReclaimer runs ReclaimIdleSessions on the given cron schedule
// ("@every 1m", "*/5 * * * *"). The returned function stops it; it also
// stops when ctx is done.
func (m *Manager) StartReclaimer(ctx context.Context, spec string) (func(), error) {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(spec, func() {
		if n := m.ReclaimIdleSessions(m.now()); n > 0 {
			m.logger.Info("reclaimer pass", slog.Int("reclaimed", n))
		}
	}); err != nil {
		return nil, fmt.Errorf("parsing reclaim schedule %q: %w", spec, err)
	}
	c.Start()

	m.logger.InfoContext(ctx, "session reclaimer started",
		slog.String("schedule", spec),
		slog.String("session_timeout", m.cfg.SessionTimeout.String()),
	)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		m.logger.Info("session reclaimer stopped")
	}()
	return cancel, nil
}
