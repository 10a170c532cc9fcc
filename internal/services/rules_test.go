package services_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/alerting"
	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
	"github.com/fleetconsole-io/fleetconsole/internal/services"
)

func newRuleService(t *testing.T) (*services.RuleService, repositories.ChannelRepository) {
	t.Helper()
	database := newTestDB(t)
	return services.NewRuleService(repositories.NewRuleRepository(database), zap.NewNop()),
		repositories.NewChannelRepository(database)
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestRuleService_Create_Defaults(t *testing.T) {
	svc, _ := newRuleService(t)

	rule, err := svc.Create(context.Background(), services.RuleInput{
		Name:       "cpu high",
		Type:       alerting.RuleThreshold,
		Conditions: `{"metric":"cpu_percent","operator":"gt","threshold":90}`,
	})
	require.NoError(t, err)
	assert.Equal(t, 300, rule.CooldownSec, "cooldown defaults to 300 seconds")
	assert.True(t, rule.Enabled, "new rules are enabled")
	assert.Equal(t, alerting.SeverityMedium, rule.Severity)
	assert.Nil(t, rule.InstanceID)
}

func TestRuleService_Create_Validation(t *testing.T) {
	svc, _ := newRuleService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, services.RuleInput{Type: alerting.RuleThreshold})
	assert.Error(t, err, "name is required")

	_, err = svc.Create(ctx, services.RuleInput{
		Name: "x", Type: alerting.RuleThreshold,
		Conditions: `{"metric":"bogus","operator":"gt","threshold":1}`,
	})
	assert.Error(t, err, "conditions are validated against the type")

	_, err = svc.Create(ctx, services.RuleInput{
		Name: "x", Type: alerting.RuleThreshold,
		Conditions:  `{"metric":"cpu_percent","operator":"gt","threshold":1}`,
		CooldownSec: intPtr(-1),
	})
	assert.Error(t, err, "negative cooldown is rejected")
}

func TestRuleService_Create_WithChannels(t *testing.T) {
	svc, channels := newRuleService(t)
	ctx := context.Background()

	ch := &db.NotificationChannel{Name: "hook", Type: alerting.ChannelWebhook, Config: `{"url":"u"}`, Enabled: true}
	require.NoError(t, channels.Create(ctx, ch))

	rule, err := svc.Create(ctx, services.RuleInput{
		Name:       "cpu high",
		Type:       alerting.RuleThreshold,
		Severity:   alerting.SeverityHigh,
		Conditions: `{"metric":"cpu_percent","operator":"gt","threshold":90}`,
		ChannelIDs: []uuid.UUID{ch.ID},
	})
	require.NoError(t, err)

	loaded, err := svc.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ch.ID}, loaded.ChannelIDs)
}

func TestRuleService_Update_PartialAndRevalidated(t *testing.T) {
	svc, _ := newRuleService(t)
	ctx := context.Background()

	rule, err := svc.Create(ctx, services.RuleInput{
		Name:       "cpu high",
		Type:       alerting.RuleThreshold,
		Conditions: `{"metric":"cpu_percent","operator":"gt","threshold":90}`,
	})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, rule.ID, services.RuleInput{
		Severity:    alerting.SeverityCritical,
		CooldownSec: intPtr(600),
	})
	require.NoError(t, err)
	assert.Equal(t, alerting.SeverityCritical, updated.Severity)
	assert.Equal(t, 600, updated.CooldownSec)
	assert.Equal(t, "cpu high", updated.Name, "unset fields stay unchanged")

	// Changing the type without compatible conditions must fail validation.
	_, err = svc.Update(ctx, rule.ID, services.RuleInput{Type: alerting.RuleLifecycle})
	assert.Error(t, err)
}

func TestRuleService_Update_NilChannelIDsKeepsAssociations(t *testing.T) {
	svc, channels := newRuleService(t)
	ctx := context.Background()

	ch := &db.NotificationChannel{Name: "hook", Type: alerting.ChannelWebhook, Config: `{"url":"u"}`, Enabled: true}
	require.NoError(t, channels.Create(ctx, ch))

	rule, err := svc.Create(ctx, services.RuleInput{
		Name:       "r",
		Type:       alerting.RuleThreshold,
		Conditions: `{"metric":"cpu_percent","operator":"gt","threshold":90}`,
		ChannelIDs: []uuid.UUID{ch.ID},
	})
	require.NoError(t, err)

	_, err = svc.Update(ctx, rule.ID, services.RuleInput{Name: "renamed"})
	require.NoError(t, err)

	loaded, err := svc.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ch.ID}, loaded.ChannelIDs, "nil slice leaves associations alone")

	// An empty non-nil slice clears them.
	_, err = svc.Update(ctx, rule.ID, services.RuleInput{ChannelIDs: []uuid.UUID{}})
	require.NoError(t, err)
	loaded, err = svc.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.ChannelIDs)
}

func TestRuleService_SetEnabledAndDelete(t *testing.T) {
	svc, _ := newRuleService(t)
	ctx := context.Background()

	rule, err := svc.Create(ctx, services.RuleInput{
		Name:       "r",
		Type:       alerting.RuleLifecycle,
		Conditions: `{"event":"unresponsive"}`,
		Enabled:    boolPtr(true),
	})
	require.NoError(t, err)

	require.NoError(t, svc.SetEnabled(ctx, rule.ID, false))
	loaded, err := svc.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Enabled)

	require.NoError(t, svc.Delete(ctx, rule.ID))
	_, err = svc.Get(ctx, rule.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestRuleService_List_Filter(t *testing.T) {
	svc, _ := newRuleService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, services.RuleInput{
		Name: "a", Type: alerting.RuleThreshold, Severity: alerting.SeverityHigh,
		Conditions: `{"metric":"cpu_percent","operator":"gt","threshold":90}`,
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, services.RuleInput{
		Name: "b", Type: alerting.RuleLifecycle, Severity: alerting.SeverityLow,
		Conditions: `{"event":"unresponsive"}`,
	})
	require.NoError(t, err)

	rules, total, err := svc.List(ctx, repositories.RuleFilter{Type: alerting.RuleThreshold}, repositories.ListOptions{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, rules, 1)
	assert.Equal(t, "a", rules[0].Name)
}
