package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tiger/blackbox-orchestrator/internal/observability/telemetry"
)

// MaintenanceConfig schedules background store jobs with 5-field cron expressions.
type MaintenanceConfig struct {
	PruneSchedule string
	SweepSchedule string
	Retention     time.Duration
	// OnDue is called for each reminder the sweep claims.
	OnDue func(Reminder)
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.PruneSchedule == "" {
		c.PruneSchedule = "0 3 * * *"
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "* * * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Maintenance prunes old history and announces due reminders.
type Maintenance struct {
	store  *Store
	cfg    MaintenanceConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// NewMaintenance validates the schedules and registers the jobs. Nothing runs
// until Run is called.
func NewMaintenance(s *Store, cfg MaintenanceConfig) (*Maintenance, error) {
	cfg = cfg.withDefaults()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	m := &Maintenance{
		store:  s,
		cfg:    cfg,
		cron:   cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		logger: s.logger.With("job", "maintenance"),
	}
	if _, err := m.cron.AddFunc(cfg.PruneSchedule, func() { _, _ = m.Prune(context.Background()) }); err != nil {
		return nil, fmt.Errorf("prune schedule %q: %w", cfg.PruneSchedule, err)
	}
	if _, err := m.cron.AddFunc(cfg.SweepSchedule, func() { _, _ = m.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	return m, nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (m *Maintenance) Run(ctx context.Context) error {
	m.cron.Start()
	m.logger.Info("store maintenance started", "prune", m.cfg.PruneSchedule, "sweep", m.cfg.SweepSchedule)
	<-ctx.Done()
	<-m.cron.Stop().Done()
	m.logger.Info("store maintenance stopped")
	return nil
}

// Prune deletes history older than the retention window.
func (m *Maintenance) Prune(ctx context.Context) (int64, error) {
	cutoff := m.store.now().Add(-m.cfg.Retention)
	n, err := m.store.PruneMessages(ctx, cutoff)
	if err != nil {
		m.logger.Error("history prune failed", "error", err)
		return 0, err
	}
	if n > 0 {
		m.logger.Info("history pruned", "messages", n, "cutoff", cutoff)
	}
	return n, nil
}

// Sweep claims due reminders and hands each to OnDue.
func (m *Maintenance) Sweep(ctx context.Context) ([]Reminder, error) {
	now := m.store.now()
	due, err := m.store.ClaimDueReminders(ctx, now)
	if err != nil {
		m.logger.Error("reminder sweep failed", "error", err)
		return nil, err
	}
	emitter := telemetry.DefaultEmitter()
	for _, r := range due {
		m.logger.Info("reminder due", "reminder_id", r.ID, "user_id", r.UserID, "title", r.Title)
		emitter.EmitLog("reminder_due", slog.LevelInfo, r.Title,
			map[string]string{"reminder_id": fmt.Sprint(r.ID), "user_id": r.UserID},
			telemetry.Correlation{Source: "store_maintenance", AtMS: now.UnixMilli()},
		)
		if m.cfg.OnDue != nil {
			m.cfg.OnDue(r)
		}
	}
	return due, nil
}
