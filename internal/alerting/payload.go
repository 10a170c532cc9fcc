package alerting

import (
	"encoding/json"
	"time"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

// Severities, most urgent first.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityInfo     = "INFO"
)

// Alert statuses. ACTIVE and ACKNOWLEDGED are non-terminal.
const (
	StatusActive       = "ACTIVE"
	StatusAcknowledged = "ACKNOWLEDGED"
	StatusResolved     = "RESOLVED"
	StatusSilenced     = "SILENCED"
)

// AutoResolveActor is recorded as resolvedBy when the evaluator resolves an
// alert whose rule ceased to fire.
const AutoResolveActor = "system:auto-resolution"

// AlertPayload is the stable delivery body built once per dispatch and sent
// to every channel. FiredAt is ISO-8601.
type AlertPayload struct {
	AlertID    string                 `json:"alertId"`
	RuleID     string                 `json:"ruleId"`
	RuleName   string                 `json:"ruleName"`
	RuleType   string                 `json:"ruleType"`
	InstanceID string                 `json:"instanceId,omitempty"`
	Severity   string                 `json:"severity"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Status     string                 `json:"status"`
	FiredAt    string                 `json:"firedAt"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// buildPayload assembles the delivery body for one alert and its rule.
func buildPayload(alert *db.Alert, rule *db.AlertRule) AlertPayload {
	p := AlertPayload{
		AlertID:  alert.ID.String(),
		RuleID:   rule.ID.String(),
		RuleName: rule.Name,
		RuleType: rule.Type,
		Severity: alert.Severity,
		Title:    alert.Title,
		Message:  alert.Message,
		Status:   alert.Status,
		FiredAt:  alert.FiredAt.UTC().Format(time.RFC3339),
	}
	if alert.InstanceID != nil {
		p.InstanceID = alert.InstanceID.String()
	}
	if alert.Metadata != "" && alert.Metadata != "{}" {
		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(alert.Metadata), &meta); err == nil {
			p.Metadata = meta
		}
	}
	return p
}

// encodeMetadata serialises evaluation metadata for the alert row. An empty
// map encodes to the column default.
func encodeMetadata(meta map[string]interface{}) string {
	if len(meta) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// severityColor maps a severity to the attachment colour used by chat-style
// channels.
func severityColor(severity string) string {
	switch severity {
	case SeverityCritical:
		return "#FF0000"
	case SeverityHigh:
		return "#FF6600"
	case SeverityMedium:
		return "#FFA500"
	case SeverityLow:
		return "#0099FF"
	default:
		return "#999999"
	}
}

// severityEmoji maps a severity to the emoji prefixed to chat titles.
func severityEmoji(severity string) string {
	switch severity {
	case SeverityCritical:
		return "🚨"
	case SeverityHigh:
		return "🔴"
	case SeverityMedium:
		return "🟠"
	case SeverityLow:
		return "🔵"
	default:
		return "ℹ️"
	}
}
