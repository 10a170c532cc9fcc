package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

func TestValidateConditions_Threshold(t *testing.T) {
	assert.NoError(t, ValidateConditions(RuleThreshold, `{"metric":"cpu_percent","operator":"gt","threshold":90}`))
	assert.NoError(t, ValidateConditions(RuleThreshold, `{"metric":"load_avg_5","operator":"gte","threshold":4}`))

	assert.Error(t, ValidateConditions(RuleThreshold, `not json`))
	assert.Error(t, ValidateConditions(RuleThreshold, `{"metric":"unknown_metric","operator":"gt","threshold":1}`))
	assert.Error(t, ValidateConditions(RuleThreshold, `{"metric":"cpu_percent","operator":"==","threshold":1}`))
}

func TestValidateConditions_Anomaly(t *testing.T) {
	assert.NoError(t, ValidateConditions(RuleAnomaly, `{"metric":"net_bytes_recv","deviation_percent":50,"window_sec":3600}`))

	assert.Error(t, ValidateConditions(RuleAnomaly, `{"metric":"disk_percent","deviation_percent":50,"window_sec":3600}`), "disk is not an anomaly metric")
	assert.Error(t, ValidateConditions(RuleAnomaly, `{"metric":"cpu_percent","deviation_percent":0,"window_sec":3600}`))
	assert.Error(t, ValidateConditions(RuleAnomaly, `{"metric":"cpu_percent","deviation_percent":50,"window_sec":0}`))
}

func TestValidateConditions_Lifecycle(t *testing.T) {
	assert.NoError(t, ValidateConditions(RuleLifecycle, `{"event":"heartbeat_lost","timeout_sec":180}`))
	assert.NoError(t, ValidateConditions(RuleLifecycle, `{"event":"unresponsive"}`))
	assert.NoError(t, ValidateConditions(RuleLifecycle, `{"event":"status_changed","target_statuses":["ERROR"]}`))

	assert.Error(t, ValidateConditions(RuleLifecycle, `{"event":"rebooted"}`))
	assert.Error(t, ValidateConditions(RuleLifecycle, `{}`))
}

func TestValidateConditions_InertTypesAcceptAnything(t *testing.T) {
	assert.NoError(t, ValidateConditions(RuleSecurity, `{"whatever":true}`))
	assert.NoError(t, ValidateConditions(RuleCost, `{}`))
}

func TestValidateConditions_UnknownType(t *testing.T) {
	assert.Error(t, ValidateConditions("WEATHER", `{}`))
}

func TestParseConditions_MatchesRuleType(t *testing.T) {
	rule := &db.AlertRule{Type: RuleThreshold, Conditions: `{"metric":"mem_percent","operator":"gte","threshold":80}`}
	conds, err := parseConditions(rule)
	require.NoError(t, err)
	tc, ok := conds.(*ThresholdConditions)
	require.True(t, ok)
	assert.Equal(t, "mem_percent", tc.Metric)
	assert.Equal(t, "gte", tc.Operator)
	assert.Equal(t, 80.0, tc.Threshold)
}

func TestParseConditions_InertTypesReturnNil(t *testing.T) {
	for _, typ := range []string{RuleSecurity, RuleCost} {
		conds, err := parseConditions(&db.AlertRule{Type: typ, Conditions: `{}`})
		require.NoError(t, err)
		assert.Nil(t, conds)
	}
}

func TestCompare(t *testing.T) {
	assert.True(t, compare(91, "gt", 90))
	assert.False(t, compare(90, "gt", 90))
	assert.True(t, compare(90, "gte", 90))
	assert.True(t, compare(10, "lt", 20))
	assert.False(t, compare(20, "lt", 20))
	assert.True(t, compare(20, "lte", 20))
	assert.False(t, compare(1, "between", 2), "unknown operator never matches")
}
