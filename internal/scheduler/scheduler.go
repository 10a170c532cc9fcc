// Package scheduler runs the background retention sweep. Telemetry tables
// grow without bound as agents stream metrics and heartbeats; the sweep
// deletes rows past their retention window on a fixed cadence so the
// operational database stays at a predictable size.
//
// The sweep wraps gocron and runs in singleton mode: if a sweep is still
// running when the next tick fires, the new execution is skipped. Deletes
// are issued per table so a failure in one table does not block the others.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// Default retention windows. A zero window in Config falls back to these;
// a negative window disables the sweep for that table entirely.
const (
	DefaultSweepInterval      = time.Hour
	DefaultMetricRetention    = 7 * 24 * time.Hour
	DefaultHeartbeatRetention = 24 * time.Hour
	DefaultEventRetention     = 30 * 24 * time.Hour
	DefaultAlertRetention     = 90 * 24 * time.Hour
)

// Config carries the sweep dependencies and retention windows.
type Config struct {
	Metrics       repositories.MetricRepository
	Heartbeats    repositories.HeartbeatRepository
	Events        repositories.InstanceEventRepository
	Alerts        repositories.AlertRepository
	Notifications repositories.NotificationRepository

	// SweepInterval is how often the sweep runs. Zero means DefaultSweepInterval.
	SweepInterval time.Duration

	// Retention windows per table. Zero means the default for that table;
	// negative disables deletion for that table.
	MetricRetention    time.Duration
	HeartbeatRetention time.Duration
	EventRetention     time.Duration

	// AlertRetention applies to resolved alerts and their notification
	// records. Open alerts are never deleted.
	AlertRetention time.Duration

	Logger *zap.Logger
}

// Sweeper owns the gocron scheduler behind the retention sweep.
// The zero value is not usable; create instances with New.
type Sweeper struct {
	cron gocron.Scheduler
	cfg  Config
	log  *zap.Logger
}

// New creates a retention sweeper. Call Start to begin sweeping.
func New(cfg Config) (*Sweeper, error) {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MetricRetention == 0 {
		cfg.MetricRetention = DefaultMetricRetention
	}
	if cfg.HeartbeatRetention == 0 {
		cfg.HeartbeatRetention = DefaultHeartbeatRetention
	}
	if cfg.EventRetention == 0 {
		cfg.EventRetention = DefaultEventRetention
	}
	if cfg.AlertRetention == 0 {
		cfg.AlertRetention = DefaultAlertRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Sweeper{
		cron: cron,
		cfg:  cfg,
		log:  cfg.Logger.Named("retention"),
	}, nil
}

// Start schedules the sweep and starts the underlying gocron scheduler.
// It should be called once at server startup, after the database connection
// is established.
func (s *Sweeper) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.SweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			s.Sweep(ctx)
		}),
		gocron.WithName("retention-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	s.log.Info("retention sweep scheduled",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Duration("metric_retention", s.cfg.MetricRetention),
		zap.Duration("heartbeat_retention", s.cfg.HeartbeatRetention),
		zap.Duration("event_retention", s.cfg.EventRetention),
		zap.Duration("alert_retention", s.cfg.AlertRetention),
	)
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for a
// running sweep to complete before returning.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("retention sweep shutdown error: %w", err)
	}
	s.log.Info("retention sweep stopped")
	return nil
}

// Sweep runs one full pass over every table with a retention window. Each
// table is swept independently; errors are logged and do not abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	s.sweepTable(ctx, "metrics", s.cfg.MetricRetention, now, s.cfg.Metrics.DeleteOlderThan)
	s.sweepTable(ctx, "heartbeats", s.cfg.HeartbeatRetention, now, s.cfg.Heartbeats.DeleteOlderThan)
	s.sweepTable(ctx, "instance_events", s.cfg.EventRetention, now, s.cfg.Events.DeleteOlderThan)
	s.sweepTable(ctx, "alerts", s.cfg.AlertRetention, now, s.cfg.Alerts.DeleteResolvedBefore)
	s.sweepTable(ctx, "alert_notifications", s.cfg.AlertRetention, now, s.cfg.Notifications.DeleteOlderThan)
}

func (s *Sweeper) sweepTable(
	ctx context.Context,
	table string,
	retention time.Duration,
	now time.Time,
	del func(context.Context, time.Time) (int64, error),
) {
	if retention < 0 {
		return
	}

	deleted, err := del(ctx, now.Add(-retention))
	if err != nil {
		s.log.Error("retention sweep failed", zap.String("table", table), zap.Error(err))
		return
	}
	if deleted > 0 {
		s.log.Info("retention sweep deleted rows",
			zap.String("table", table),
			zap.Int64("deleted", deleted),
		)
	}
}
