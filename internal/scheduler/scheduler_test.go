package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
	"github.com/fleetconsole-io/fleetconsole/internal/scheduler"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		sqlDB, err := database.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return database
}

func newTestSweeper(t *testing.T, database *gorm.DB, cfg scheduler.Config) *scheduler.Sweeper {
	t.Helper()
	cfg.Metrics = repositories.NewMetricRepository(database)
	cfg.Heartbeats = repositories.NewHeartbeatRepository(database)
	cfg.Events = repositories.NewInstanceEventRepository(database)
	cfg.Alerts = repositories.NewAlertRepository(database)
	cfg.Notifications = repositories.NewNotificationRepository(database)
	cfg.Logger = zap.NewNop()

	s, err := scheduler.New(cfg)
	require.NoError(t, err)
	return s
}

func TestSweepDeletesOnlyExpiredRows(t *testing.T) {
	database := newTestDB(t)
	s := newTestSweeper(t, database, scheduler.Config{
		MetricRetention:    time.Hour,
		HeartbeatRetention: time.Hour,
		EventRetention:     time.Hour,
		AlertRetention:     time.Hour,
	})
	ctx := context.Background()

	instanceID := uuid.Must(uuid.NewV7())
	metrics := repositories.NewMetricRepository(database)
	heartbeats := repositories.NewHeartbeatRepository(database)
	events := repositories.NewInstanceEventRepository(database)

	old := time.Now().UTC().Add(-2 * time.Hour)
	fresh := time.Now().UTC().Add(-time.Minute)

	require.NoError(t, metrics.Create(ctx, &db.Metric{InstanceID: instanceID, Timestamp: old}))
	require.NoError(t, metrics.Create(ctx, &db.Metric{InstanceID: instanceID, Timestamp: fresh}))
	require.NoError(t, heartbeats.Create(ctx, &db.Heartbeat{InstanceID: instanceID, Timestamp: old}))
	require.NoError(t, heartbeats.Create(ctx, &db.Heartbeat{InstanceID: instanceID, Timestamp: fresh}))
	require.NoError(t, events.Create(ctx, &db.InstanceEvent{InstanceID: instanceID, EventType: "REGISTERED", OccurredAt: old}))
	require.NoError(t, events.Create(ctx, &db.InstanceEvent{InstanceID: instanceID, EventType: "STATUS_CHANGED", OccurredAt: fresh}))

	s.Sweep(ctx)

	var metricCount, heartbeatCount, eventCount int64
	require.NoError(t, database.Model(&db.Metric{}).Count(&metricCount).Error)
	require.NoError(t, database.Model(&db.Heartbeat{}).Count(&heartbeatCount).Error)
	require.NoError(t, database.Model(&db.InstanceEvent{}).Count(&eventCount).Error)
	assert.Equal(t, int64(1), metricCount)
	assert.Equal(t, int64(1), heartbeatCount)
	assert.Equal(t, int64(1), eventCount)
}

func TestSweepKeepsOpenAlertsRegardlessOfAge(t *testing.T) {
	database := newTestDB(t)
	s := newTestSweeper(t, database, scheduler.Config{AlertRetention: time.Hour})
	ctx := context.Background()

	alerts := repositories.NewAlertRepository(database)
	old := time.Now().UTC().Add(-2 * time.Hour)

	active := &db.Alert{
		RuleID:    uuid.Must(uuid.NewV7()),
		Severity:  "HIGH",
		Title:     "t",
		Message:   "m",
		Status:    "ACTIVE",
		FiredAt:   old,
		DedupeKey: "open",
	}
	require.NoError(t, alerts.Create(ctx, active))

	resolved := &db.Alert{
		RuleID:     uuid.Must(uuid.NewV7()),
		Severity:   "HIGH",
		Title:      "t",
		Message:    "m",
		Status:     "RESOLVED",
		FiredAt:    old,
		ResolvedAt: &old,
		DedupeKey:  "done",
	}
	require.NoError(t, alerts.Create(ctx, resolved))

	notifications := repositories.NewNotificationRepository(database)
	require.NoError(t, notifications.Create(ctx, &db.AlertNotification{
		AlertID:   resolved.ID,
		ChannelID: uuid.Must(uuid.NewV7()),
		Success:   true,
		SentAt:    old,
	}))

	s.Sweep(ctx)

	_, err := alerts.GetByID(ctx, active.ID)
	assert.NoError(t, err, "open alerts survive the sweep")

	_, err = alerts.GetByID(ctx, resolved.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	records, err := notifications.ListByAlert(ctx, resolved.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNegativeRetentionDisablesTable(t *testing.T) {
	database := newTestDB(t)
	s := newTestSweeper(t, database, scheduler.Config{MetricRetention: -1})
	ctx := context.Background()

	metrics := repositories.NewMetricRepository(database)
	require.NoError(t, metrics.Create(ctx, &db.Metric{
		InstanceID: uuid.Must(uuid.NewV7()),
		Timestamp:  time.Now().UTC().Add(-365 * 24 * time.Hour),
	}))

	s.Sweep(ctx)

	var count int64
	require.NoError(t, database.Model(&db.Metric{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStartStop(t *testing.T) {
	database := newTestDB(t)
	s := newTestSweeper(t, database, scheduler.Config{SweepInterval: time.Hour})

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}
