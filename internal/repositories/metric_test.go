package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

func TestMetricRepository_LatestPerInstance(t *testing.T) {
	repo := repositories.NewMetricRepository(newTestDB(t))
	ctx := context.Background()

	instA := uuid.Must(uuid.NewV7())
	instB := uuid.Must(uuid.NewV7())
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, &db.Metric{InstanceID: instA, Timestamp: now.Add(-2 * time.Minute), CPUPercent: 10}))
	require.NoError(t, repo.Create(ctx, &db.Metric{InstanceID: instA, Timestamp: now, CPUPercent: 90}))
	require.NoError(t, repo.Create(ctx, &db.Metric{InstanceID: instB, Timestamp: now.Add(-time.Minute), CPUPercent: 50}))

	latest, err := repo.LatestPerInstance(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 90.0, latest[instA].CPUPercent, "newest sample wins")
	assert.Equal(t, 50.0, latest[instB].CPUPercent)
}

func TestMetricRepository_LatestForInstance(t *testing.T) {
	repo := repositories.NewMetricRepository(newTestDB(t))
	ctx := context.Background()

	inst := uuid.Must(uuid.NewV7())
	_, err := repo.LatestForInstance(ctx, inst)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, &db.Metric{InstanceID: inst, Timestamp: now.Add(-time.Minute), CPUPercent: 10}))
	require.NoError(t, repo.Create(ctx, &db.Metric{InstanceID: inst, Timestamp: now, CPUPercent: 20}))

	got, err := repo.LatestForInstance(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.CPUPercent)
}

func TestMetricRepository_ListRange(t *testing.T) {
	repo := repositories.NewMetricRepository(newTestDB(t))
	ctx := context.Background()

	inst := uuid.Must(uuid.NewV7())
	other := uuid.Must(uuid.NewV7())
	base := time.Now().UTC().Truncate(time.Minute)

	for i := 0; i < 10; i++ {
		require.NoError(t, repo.Create(ctx, &db.Metric{
			InstanceID: inst,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			CPUPercent: float64(i),
		}))
	}
	require.NoError(t, repo.Create(ctx, &db.Metric{InstanceID: other, Timestamp: base.Add(time.Minute)}))

	window, err := repo.ListRange(ctx, inst, base.Add(2*time.Minute), base.Add(6*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 4, "range is [from, to)")
	assert.Equal(t, 2.0, window[0].CPUPercent)
	assert.Equal(t, 5.0, window[len(window)-1].CPUPercent)
	for i := 1; i < len(window); i++ {
		assert.True(t, !window[i].Timestamp.Before(window[i-1].Timestamp), "ascending order")
	}
}

func TestMetricRepository_DeleteOlderThan(t *testing.T) {
	repo := repositories.NewMetricRepository(newTestDB(t))
	ctx := context.Background()

	inst := uuid.Must(uuid.NewV7())
	now := time.Now().UTC()
	require.NoError(t, repo.Create(ctx, &db.Metric{InstanceID: inst, Timestamp: now.Add(-48 * time.Hour)}))
	require.NoError(t, repo.Create(ctx, &db.Metric{InstanceID: inst, Timestamp: now}))

	n, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	latest, err := repo.LatestPerInstance(ctx)
	require.NoError(t, err)
	assert.Len(t, latest, 1)
}

func TestRuleRepository_ListAndScope(t *testing.T) {
	database := newTestDB(t)
	rules := repositories.NewRuleRepository(database)
	ctx := context.Background()

	inst := uuid.Must(uuid.NewV7())
	otherInst := uuid.Must(uuid.NewV7())

	unscoped := &db.AlertRule{Name: "fleet wide", Type: "THRESHOLD", Severity: "HIGH",
		Conditions: `{"metric":"cpu_percent","operator":"gt","threshold":90}`, CooldownSec: 300, Enabled: true}
	require.NoError(t, rules.Create(ctx, unscoped, nil))

	scoped := &db.AlertRule{Name: "one box", Type: "LIFECYCLE", Severity: "LOW", InstanceID: &inst,
		Conditions: `{"event":"unresponsive"}`, CooldownSec: 300, Enabled: true}
	require.NoError(t, rules.Create(ctx, scoped, nil))

	disabled := &db.AlertRule{Name: "off", Type: "THRESHOLD", Severity: "LOW",
		Conditions: `{"metric":"cpu_percent","operator":"gt","threshold":10}`, CooldownSec: 300, Enabled: false}
	require.NoError(t, rules.Create(ctx, disabled, nil))

	enabled, err := rules.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	// Filtering by instance matches rules bound to it and unscoped rules.
	got, total, err := rules.List(ctx, repositories.RuleFilter{InstanceID: &inst}, repositories.ListOptions{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	_ = got

	got, total, err = rules.List(ctx, repositories.RuleFilter{InstanceID: &otherInst}, repositories.ListOptions{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total, "only unscoped rules match a foreign instance")
	for _, r := range got {
		assert.Nil(t, r.InstanceID)
	}
}

func TestRuleRepository_ChannelAssociations(t *testing.T) {
	database := newTestDB(t)
	rules := repositories.NewRuleRepository(database)
	channels := repositories.NewChannelRepository(database)
	ctx := context.Background()

	chA := &db.NotificationChannel{Name: "a", Type: "WEBHOOK", Config: `{"url":"u"}`, Enabled: true}
	chB := &db.NotificationChannel{Name: "b", Type: "SLACK", Config: `{"webhook_url":"u"}`, Enabled: true}
	require.NoError(t, channels.Create(ctx, chA))
	require.NoError(t, channels.Create(ctx, chB))

	rule := &db.AlertRule{Name: "r", Type: "THRESHOLD", Severity: "HIGH",
		Conditions: `{"metric":"cpu_percent","operator":"gt","threshold":90}`, CooldownSec: 300, Enabled: true}
	require.NoError(t, rules.Create(ctx, rule, []uuid.UUID{chA.ID}))

	loaded, err := rules.GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{chA.ID}, loaded.ChannelIDs)

	require.NoError(t, rules.ReplaceChannels(ctx, rule.ID, []uuid.UUID{chB.ID}))
	loaded, err = rules.GetByID(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{chB.ID}, loaded.ChannelIDs)
}

func TestChannelRepository_ListEnabledByIDs(t *testing.T) {
	channels := repositories.NewChannelRepository(newTestDB(t))
	ctx := context.Background()

	enabled := &db.NotificationChannel{Name: "on", Type: "WEBHOOK", Config: `{}`, Enabled: true}
	disabled := &db.NotificationChannel{Name: "off", Type: "WEBHOOK", Config: `{}`, Enabled: false}
	unrelated := &db.NotificationChannel{Name: "other", Type: "SLACK", Config: `{}`, Enabled: true}
	require.NoError(t, channels.Create(ctx, enabled))
	require.NoError(t, channels.Create(ctx, disabled))
	require.NoError(t, channels.Create(ctx, unrelated))

	got, err := channels.ListEnabledByIDs(ctx, []uuid.UUID{enabled.ID, disabled.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, enabled.ID, got[0].ID)

	got, err = channels.ListEnabledByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
