// Package alerting contains the alert engine: the periodic evaluator that
// turns rules plus observations into fired or auto-resolved alerts, and the
// dispatcher that delivers fired alerts to notification channels.
package alerting

import (
	"encoding/json"
	"fmt"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

// Rule types. Conditions are a closed union keyed by the rule's type; each
// variant has its own payload struct and the evaluator branches once on the
// discriminator.
const (
	RuleThreshold = "THRESHOLD"
	RuleAnomaly   = "ANOMALY"
	RuleLifecycle = "LIFECYCLE"
	RuleSecurity  = "SECURITY"
	RuleCost      = "COST"
)

// Lifecycle condition events.
const (
	EventHeartbeatLost = "heartbeat_lost"
	EventUnresponsive  = "unresponsive"
	EventStatusChanged = "status_changed"
)

// ThresholdConditions fires when the latest sample of a metric compares true
// against a fixed bound. DurationSec is a reserved hint for sustained-
// condition evaluation and is not applied yet.
type ThresholdConditions struct {
	Metric      string  `json:"metric"`   // cpu_percent, mem_percent, disk_percent, load_avg_1, load_avg_5
	Operator    string  `json:"operator"` // gt, gte, lt, lte
	Threshold   float64 `json:"threshold"`
	DurationSec int     `json:"duration_sec,omitempty"`
}

// AnomalyConditions fires when the current value deviates from the windowed
// mean by at least DeviationPercent.
type AnomalyConditions struct {
	Metric           string  `json:"metric"` // cpu_percent, mem_percent, net_bytes_recv, net_bytes_sent
	DeviationPercent float64 `json:"deviation_percent"`
	WindowSec        int     `json:"window_sec"`
}

// LifecycleConditions fires on liveness and status conditions.
type LifecycleConditions struct {
	Event          string   `json:"event"`
	TimeoutSec     int      `json:"timeout_sec,omitempty"`     // heartbeat_lost, default 120
	TargetStatuses []string `json:"target_statuses,omitempty"` // status_changed, default ERROR+UNKNOWN
}

var validThresholdMetrics = map[string]bool{
	"cpu_percent":  true,
	"mem_percent":  true,
	"disk_percent": true,
	"load_avg_1":   true,
	"load_avg_5":   true,
}

var validAnomalyMetrics = map[string]bool{
	"cpu_percent":    true,
	"mem_percent":    true,
	"net_bytes_recv": true,
	"net_bytes_sent": true,
}

var validOperators = map[string]bool{
	"gt": true, "gte": true, "lt": true, "lte": true,
}

// ValidateConditions checks that a conditions document matches the shape
// required by the rule type. Called by the rule service on create and update.
func ValidateConditions(ruleType, conditions string) error {
	switch ruleType {
	case RuleThreshold:
		var c ThresholdConditions
		if err := json.Unmarshal([]byte(conditions), &c); err != nil {
			return fmt.Errorf("alerting: invalid threshold conditions: %w", err)
		}
		if !validThresholdMetrics[c.Metric] {
			return fmt.Errorf("alerting: unknown threshold metric %q", c.Metric)
		}
		if !validOperators[c.Operator] {
			return fmt.Errorf("alerting: unknown operator %q", c.Operator)
		}
		return nil

	case RuleAnomaly:
		var c AnomalyConditions
		if err := json.Unmarshal([]byte(conditions), &c); err != nil {
			return fmt.Errorf("alerting: invalid anomaly conditions: %w", err)
		}
		if !validAnomalyMetrics[c.Metric] {
			return fmt.Errorf("alerting: unknown anomaly metric %q", c.Metric)
		}
		if c.DeviationPercent <= 0 {
			return fmt.Errorf("alerting: deviation_percent must be positive")
		}
		if c.WindowSec <= 0 {
			return fmt.Errorf("alerting: window_sec must be positive")
		}
		return nil

	case RuleLifecycle:
		var c LifecycleConditions
		if err := json.Unmarshal([]byte(conditions), &c); err != nil {
			return fmt.Errorf("alerting: invalid lifecycle conditions: %w", err)
		}
		switch c.Event {
		case EventHeartbeatLost, EventUnresponsive, EventStatusChanged:
			return nil
		default:
			return fmt.Errorf("alerting: unknown lifecycle event %q", c.Event)
		}

	case RuleSecurity, RuleCost:
		// Reserved for external integrations; any document is accepted and
		// the evaluator never fires them.
		return nil

	default:
		return fmt.Errorf("alerting: unknown rule type %q", ruleType)
	}
}

// parseConditions decodes a rule's conditions into the variant matching its
// type. Security and cost rules return nil: they are inert in the core.
func parseConditions(rule *db.AlertRule) (interface{}, error) {
	switch rule.Type {
	case RuleThreshold:
		var c ThresholdConditions
		if err := json.Unmarshal([]byte(rule.Conditions), &c); err != nil {
			return nil, fmt.Errorf("alerting: rule %s: %w", rule.ID, err)
		}
		return &c, nil
	case RuleAnomaly:
		var c AnomalyConditions
		if err := json.Unmarshal([]byte(rule.Conditions), &c); err != nil {
			return nil, fmt.Errorf("alerting: rule %s: %w", rule.ID, err)
		}
		return &c, nil
	case RuleLifecycle:
		var c LifecycleConditions
		if err := json.Unmarshal([]byte(rule.Conditions), &c); err != nil {
			return nil, fmt.Errorf("alerting: rule %s: %w", rule.ID, err)
		}
		return &c, nil
	case RuleSecurity, RuleCost:
		return nil, nil
	default:
		return nil, fmt.Errorf("alerting: rule %s has unknown type %q", rule.ID, rule.Type)
	}
}

// compare applies a threshold operator.
func compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	}
	return false
}
