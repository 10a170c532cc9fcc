package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetconsole-io/fleetconsole/internal/broker"
	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
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

// testWriter persists alerts through the repository the way the alert service
// does, and records every call for assertions.
type testWriter struct {
	alerts repositories.AlertRepository

	mu       sync.Mutex
	fired    []uuid.UUID
	resolved []uuid.UUID
}

func (w *testWriter) FireAlert(ctx context.Context, alert *db.Alert) (*db.Alert, bool, error) {
	if err := w.alerts.Create(ctx, alert); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			winner, ferr := w.alerts.GetOpenByDedupeKey(ctx, alert.DedupeKey)
			if ferr != nil {
				return nil, false, ferr
			}
			return winner, true, nil
		}
		return nil, false, err
	}
	w.mu.Lock()
	w.fired = append(w.fired, alert.ID)
	w.mu.Unlock()
	return alert, false, nil
}

func (w *testWriter) AutoResolve(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	alert, err := w.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	alert.Status = StatusResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = AutoResolveActor
	if err := w.alerts.Update(ctx, alert); err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.resolved = append(w.resolved, id)
	w.mu.Unlock()
	return alert, nil
}

func (w *testWriter) firedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.fired)
}

func (w *testWriter) resolvedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.resolved)
}

type evaluatorFixture struct {
	database  *gorm.DB
	evaluator *Evaluator
	writer    *testWriter
	rules     repositories.RuleRepository
	instances repositories.InstanceRepository
	metrics   repositories.MetricRepository
	hbs       repositories.HeartbeatRepository
	alerts    repositories.AlertRepository
}

func newEvaluatorFixture(t *testing.T) *evaluatorFixture {
	t.Helper()
	database := newTestDB(t)

	f := &evaluatorFixture{
		database:  database,
		rules:     repositories.NewRuleRepository(database),
		instances: repositories.NewInstanceRepository(database),
		metrics:   repositories.NewMetricRepository(database),
		hbs:       repositories.NewHeartbeatRepository(database),
		alerts:    repositories.NewAlertRepository(database),
	}
	f.writer = &testWriter{alerts: f.alerts}

	dispatcher := NewDispatcher(DispatcherConfig{
		Alerts:        f.alerts,
		Rules:         f.rules,
		Channels:      repositories.NewChannelRepository(database),
		Notifications: repositories.NewNotificationRepository(database),
		Broker:        broker.NewMemory(),
		Logger:        zap.NewNop(),
	})

	evaluator, err := NewEvaluator(EvaluatorConfig{
		Rules:      f.rules,
		Instances:  f.instances,
		Metrics:    f.metrics,
		Heartbeats: f.hbs,
		Alerts:     f.alerts,
		Writer:     f.writer,
		Dispatcher: dispatcher,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	f.evaluator = evaluator
	return f
}

func (f *evaluatorFixture) addInstance(t *testing.T, name, status string) *db.Instance {
	t.Helper()
	inst := &db.Instance{Name: name, Status: status}
	require.NoError(t, f.instances.Create(context.Background(), inst))
	return inst
}

func (f *evaluatorFixture) addRule(t *testing.T, ruleType, severity, conditions string, cooldownSec int, instanceID *uuid.UUID) *db.AlertRule {
	t.Helper()
	rule := &db.AlertRule{
		Name:        "rule " + ruleType,
		Type:        ruleType,
		Severity:    severity,
		InstanceID:  instanceID,
		Conditions:  conditions,
		CooldownSec: cooldownSec,
		Enabled:     true,
	}
	require.NoError(t, f.rules.Create(context.Background(), rule, nil))
	return rule
}

func (f *evaluatorFixture) addMetric(t *testing.T, instanceID uuid.UUID, ts time.Time, mutate func(*db.Metric)) {
	t.Helper()
	m := &db.Metric{InstanceID: instanceID, Timestamp: ts}
	if mutate != nil {
		mutate(m)
	}
	require.NoError(t, f.metrics.Create(context.Background(), m))
}

// ---------------------------------------------------------------------------
// Pure evaluation
// ---------------------------------------------------------------------------

func TestEvalThreshold_FiresWithExactMessages(t *testing.T) {
	inst := &db.Instance{Name: "web-1"}
	m := &db.Metric{CPUPercent: 92.7}
	c := &ThresholdConditions{Metric: "cpu_percent", Operator: "gt", Threshold: 90}

	result := evalThreshold(c, m, inst)
	require.True(t, result.fired)
	assert.Equal(t, "CPU usage threshold exceeded on web-1", result.title)
	assert.Equal(t, "CPU usage is 92.7% (threshold: gt 90%)", result.message)
	assert.Equal(t, "cpu_percent", result.metadata["metric"])
	assert.Equal(t, 92.7, result.metadata["value"])
	assert.Equal(t, 90.0, result.metadata["threshold"])
	assert.Equal(t, "gt", result.metadata["operator"])
}

func TestEvalThreshold_BelowThresholdDoesNotFire(t *testing.T) {
	inst := &db.Instance{Name: "web-1"}
	m := &db.Metric{CPUPercent: 42}
	c := &ThresholdConditions{Metric: "cpu_percent", Operator: "gt", Threshold: 90}
	assert.False(t, evalThreshold(c, m, inst).fired)
}

func TestEvalThreshold_DerivedPercentMetrics(t *testing.T) {
	inst := &db.Instance{Name: "db-1"}
	m := &db.Metric{MemUsed: 900, MemTotal: 1000, DiskUsed: 10, DiskTotal: 100}

	result := evalThreshold(&ThresholdConditions{Metric: "mem_percent", Operator: "gte", Threshold: 90}, m, inst)
	require.True(t, result.fired)
	assert.Equal(t, "Memory usage threshold exceeded on db-1", result.title)
	assert.Equal(t, "Memory usage is 90.0% (threshold: gte 90%)", result.message)

	assert.False(t, evalThreshold(&ThresholdConditions{Metric: "disk_percent", Operator: "gt", Threshold: 50}, m, inst).fired)
}

func TestEvalThreshold_LoadAverageHasNoPercentSuffix(t *testing.T) {
	inst := &db.Instance{Name: "worker-1"}
	m := &db.Metric{LoadAvg1: 6.5}

	result := evalThreshold(&ThresholdConditions{Metric: "load_avg_1", Operator: "gt", Threshold: 4}, m, inst)
	require.True(t, result.fired)
	assert.Equal(t, "Load average (1m) is 6.5 (threshold: gt 4)", result.message)
}

func TestEvalLifecycle_HeartbeatLost(t *testing.T) {
	now := time.Now().UTC()
	inst := &db.Instance{Name: "edge-1", Status: "RUNNING"}
	c := &LifecycleConditions{Event: EventHeartbeatLost, TimeoutSec: 120}

	t.Run("fresh heartbeat does not fire", func(t *testing.T) {
		hb := &db.Heartbeat{Timestamp: now.Add(-30 * time.Second)}
		assert.False(t, evalLifecycle(c, inst, hb, now).fired)
	})

	t.Run("stale heartbeat fires with age", func(t *testing.T) {
		hb := &db.Heartbeat{Timestamp: now.Add(-200 * time.Second)}
		result := evalLifecycle(c, inst, hb, now)
		require.True(t, result.fired)
		assert.Equal(t, "Heartbeat lost on edge-1", result.title)
		assert.Equal(t, "Last heartbeat from edge-1 was 200s ago (timeout: 120s)", result.message)
		assert.Equal(t, 200, result.metadata["ageSeconds"])
		assert.Equal(t, 120, result.metadata["timeoutSec"])
	})

	t.Run("no heartbeat on a running instance fires", func(t *testing.T) {
		result := evalLifecycle(c, inst, nil, now)
		require.True(t, result.fired)
		assert.Equal(t, "No heartbeat has ever been received from edge-1 (timeout: 120s)", result.message)
	})

	t.Run("no heartbeat on a stopped instance does not fire", func(t *testing.T) {
		stopped := &db.Instance{Name: "edge-2", Status: "STOPPED"}
		assert.False(t, evalLifecycle(c, stopped, nil, now).fired)
	})

	t.Run("zero timeout falls back to the default", func(t *testing.T) {
		noTimeout := &LifecycleConditions{Event: EventHeartbeatLost}
		hb := &db.Heartbeat{Timestamp: now.Add(-121 * time.Second)}
		result := evalLifecycle(noTimeout, inst, hb, now)
		require.True(t, result.fired)
		assert.Equal(t, defaultHeartbeatTimeoutSec, result.metadata["timeoutSec"])
	})
}

func TestEvalLifecycle_Unresponsive(t *testing.T) {
	now := time.Now().UTC()
	c := &LifecycleConditions{Event: EventUnresponsive}

	result := evalLifecycle(c, &db.Instance{Name: "api-1", Status: "ERROR"}, nil, now)
	require.True(t, result.fired)
	assert.Equal(t, "Instance api-1 is unresponsive", result.title)

	assert.True(t, evalLifecycle(c, &db.Instance{Name: "api-2", Status: "UNKNOWN"}, nil, now).fired)
	assert.False(t, evalLifecycle(c, &db.Instance{Name: "api-3", Status: "RUNNING"}, nil, now).fired)
}

func TestEvalLifecycle_StatusChanged(t *testing.T) {
	now := time.Now().UTC()

	custom := &LifecycleConditions{Event: EventStatusChanged, TargetStatuses: []string{"STOPPED"}}
	assert.True(t, evalLifecycle(custom, &db.Instance{Name: "x", Status: "STOPPED"}, nil, now).fired)
	assert.False(t, evalLifecycle(custom, &db.Instance{Name: "x", Status: "ERROR"}, nil, now).fired)

	// Default target set is ERROR and UNKNOWN.
	def := &LifecycleConditions{Event: EventStatusChanged}
	assert.True(t, evalLifecycle(def, &db.Instance{Name: "x", Status: "ERROR"}, nil, now).fired)
	assert.True(t, evalLifecycle(def, &db.Instance{Name: "x", Status: "UNKNOWN"}, nil, now).fired)
	assert.False(t, evalLifecycle(def, &db.Instance{Name: "x", Status: "RUNNING"}, nil, now).fired)
}

// ---------------------------------------------------------------------------
// Full tick
// ---------------------------------------------------------------------------

func TestEvaluator_ThresholdFiresOnTick(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	inst := f.addInstance(t, "web-1", "RUNNING")
	rule := f.addRule(t, RuleThreshold, SeverityHigh, `{"metric":"cpu_percent","operator":"gt","threshold":90}`, 300, nil)
	f.addMetric(t, inst.ID, time.Now().UTC(), func(m *db.Metric) { m.CPUPercent = 92.7 })

	require.NoError(t, f.evaluator.runTick(ctx))
	assert.Equal(t, 1, f.writer.firedCount())

	dedupeKey := rule.ID.String() + ":" + inst.ID.String()
	alert, err := f.alerts.GetOpenByDedupeKey(ctx, dedupeKey)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, alert.Status)
	assert.Equal(t, SeverityHigh, alert.Severity)
	assert.Equal(t, rule.ID, alert.RuleID)
	require.NotNil(t, alert.InstanceID)
	assert.Equal(t, inst.ID, *alert.InstanceID)
	assert.Contains(t, alert.Metadata, `"metric":"cpu_percent"`)

	// A second tick inside the cooldown must not fire again.
	require.NoError(t, f.evaluator.runTick(ctx))
	assert.Equal(t, 1, f.writer.firedCount())
}

func TestEvaluator_CooldownSkipsWholePair(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	inst := f.addInstance(t, "web-1", "RUNNING")
	rule := f.addRule(t, RuleThreshold, SeverityMedium, `{"metric":"cpu_percent","operator":"gt","threshold":90}`, 300, nil)

	// Open alert fired 10 seconds ago, well inside the 300s cooldown.
	instID := inst.ID
	open := &db.Alert{
		RuleID:     rule.ID,
		InstanceID: &instID,
		Severity:   SeverityMedium,
		Title:      "t",
		Message:    "m",
		Status:     StatusActive,
		FiredAt:    time.Now().UTC().Add(-10 * time.Second),
		DedupeKey:  rule.ID.String() + ":" + inst.ID.String(),
	}
	require.NoError(t, f.alerts.Create(ctx, open))

	// Metric is back under the threshold. Outside the cooldown this would
	// auto-resolve; inside it the pair is skipped entirely.
	f.addMetric(t, inst.ID, time.Now().UTC(), func(m *db.Metric) { m.CPUPercent = 5 })

	require.NoError(t, f.evaluator.runTick(ctx))
	assert.Zero(t, f.writer.firedCount())
	assert.Zero(t, f.writer.resolvedCount())

	current, err := f.alerts.GetByID(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, current.Status)
}

func TestEvaluator_AutoResolvesAfterCooldown(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	inst := f.addInstance(t, "web-1", "RUNNING")
	rule := f.addRule(t, RuleThreshold, SeverityMedium, `{"metric":"cpu_percent","operator":"gt","threshold":90}`, 300, nil)

	instID := inst.ID
	open := &db.Alert{
		RuleID:     rule.ID,
		InstanceID: &instID,
		Severity:   SeverityMedium,
		Title:      "t",
		Message:    "m",
		Status:     StatusActive,
		FiredAt:    time.Now().UTC().Add(-10 * time.Minute),
		DedupeKey:  rule.ID.String() + ":" + inst.ID.String(),
	}
	require.NoError(t, f.alerts.Create(ctx, open))
	f.addMetric(t, inst.ID, time.Now().UTC(), func(m *db.Metric) { m.CPUPercent = 5 })

	require.NoError(t, f.evaluator.runTick(ctx))
	assert.Equal(t, 1, f.writer.resolvedCount())

	resolved, err := f.alerts.GetByID(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, AutoResolveActor, resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestEvaluator_ScopedRuleTargetsOnlyBoundInstance(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	bound := f.addInstance(t, "bound", "RUNNING")
	other := f.addInstance(t, "other", "RUNNING")

	boundID := bound.ID
	f.addRule(t, RuleThreshold, SeverityLow, `{"metric":"cpu_percent","operator":"gt","threshold":50}`, 300, &boundID)

	// Both instances are over the threshold; only the bound one may fire.
	f.addMetric(t, bound.ID, time.Now().UTC(), func(m *db.Metric) { m.CPUPercent = 99 })
	f.addMetric(t, other.ID, time.Now().UTC(), func(m *db.Metric) { m.CPUPercent = 99 })

	require.NoError(t, f.evaluator.runTick(ctx))
	require.Equal(t, 1, f.writer.firedCount())

	alerts, _, err := f.alerts.List(ctx, repositories.AlertFilter{}, repositories.ListOptions{Limit: 50})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.NotNil(t, alerts[0].InstanceID)
	assert.Equal(t, bound.ID, *alerts[0].InstanceID)
}

func TestEvaluator_InertRuleTypesNeverFire(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	inst := f.addInstance(t, "web-1", "RUNNING")
	f.addRule(t, RuleSecurity, SeverityCritical, `{}`, 300, nil)
	f.addRule(t, RuleCost, SeverityLow, `{}`, 300, nil)
	f.addMetric(t, inst.ID, time.Now().UTC(), func(m *db.Metric) { m.CPUPercent = 100 })

	require.NoError(t, f.evaluator.runTick(ctx))
	assert.Zero(t, f.writer.firedCount())
}

func TestEvaluator_AnomalyFiresOnDeviation(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	inst := f.addInstance(t, "web-1", "RUNNING")
	f.addRule(t, RuleAnomaly, SeverityMedium, `{"metric":"cpu_percent","deviation_percent":50,"window_sec":3600}`, 300, nil)

	now := time.Now().UTC()
	// Baseline around 10 percent over six samples, then a spike to 30.
	for i := 6; i >= 1; i-- {
		v := 10.0
		f.addMetric(t, inst.ID, now.Add(-time.Duration(i)*time.Minute), func(m *db.Metric) { m.CPUPercent = v })
	}
	f.addMetric(t, inst.ID, now, func(m *db.Metric) { m.CPUPercent = 30 })

	require.NoError(t, f.evaluator.runTick(ctx))
	require.Equal(t, 1, f.writer.firedCount())

	alerts, _, err := f.alerts.List(ctx, repositories.AlertFilter{}, repositories.ListOptions{Limit: 50})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Title, "anomaly detected on web-1")
	assert.Contains(t, alerts[0].Metadata, `"windowSec":3600`)
}

func TestEvaluator_AnomalyNeedsEnoughSamples(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	inst := f.addInstance(t, "web-1", "RUNNING")
	f.addRule(t, RuleAnomaly, SeverityMedium, `{"metric":"cpu_percent","deviation_percent":50,"window_sec":3600}`, 300, nil)

	now := time.Now().UTC()
	for i := 3; i >= 1; i-- {
		f.addMetric(t, inst.ID, now.Add(-time.Duration(i)*time.Minute), func(m *db.Metric) { m.CPUPercent = 10 })
	}
	f.addMetric(t, inst.ID, now, func(m *db.Metric) { m.CPUPercent = 99 })

	require.NoError(t, f.evaluator.runTick(ctx))
	assert.Zero(t, f.writer.firedCount(), "fewer than 5 samples in the window must not fire")
}

func TestEvaluator_HeartbeatLostOnTick(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	inst := f.addInstance(t, "edge-1", "RUNNING")
	f.addRule(t, RuleLifecycle, SeverityCritical, `{"event":"heartbeat_lost","timeout_sec":120}`, 300, nil)

	hb := &db.Heartbeat{InstanceID: inst.ID, Timestamp: time.Now().UTC().Add(-5 * time.Minute)}
	require.NoError(t, f.hbs.Create(ctx, hb))

	require.NoError(t, f.evaluator.runTick(ctx))
	require.Equal(t, 1, f.writer.firedCount())

	alerts, _, err := f.alerts.List(ctx, repositories.AlertFilter{}, repositories.ListOptions{Limit: 50})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Heartbeat lost on edge-1", alerts[0].Title)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestEvaluator_DisabledRulesAreIgnored(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	inst := f.addInstance(t, "web-1", "RUNNING")
	rule := f.addRule(t, RuleThreshold, SeverityHigh, `{"metric":"cpu_percent","operator":"gt","threshold":50}`, 300, nil)
	require.NoError(t, f.rules.SetEnabled(ctx, rule.ID, false))
	f.addMetric(t, inst.ID, time.Now().UTC(), func(m *db.Metric) { m.CPUPercent = 99 })

	require.NoError(t, f.evaluator.runTick(ctx))
	assert.Zero(t, f.writer.firedCount())
}
