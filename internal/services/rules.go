package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/alerting"
	"github.com/fleetconsole-io/fleetconsole/internal/db"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// defaultCooldownSec applies to new rules that do not specify a cooldown.
const defaultCooldownSec = 300

// RuleInput is the write shape for creating or updating an alert rule.
// Nil pointer fields on update mean "leave unchanged"; a nil ChannelIDs slice
// keeps the existing associations while an empty non-nil one clears them.
type RuleInput struct {
	Name        string
	Type        string
	Severity    string
	InstanceID  *uuid.UUID
	Conditions  string
	CooldownSec *int
	Enabled     *bool
	ChannelIDs  []uuid.UUID
}

// RuleService validates and persists alert rules. Conditions are checked
// against the rule type before anything is written so the evaluator never
// sees a malformed document.
type RuleService struct {
	rules repositories.RuleRepository
	log   *zap.Logger
}

func NewRuleService(rules repositories.RuleRepository, logger *zap.Logger) *RuleService {
	return &RuleService{rules: rules, log: logger.Named("rules")}
}

// Create validates the input and inserts the rule with its channel
// associations. Cooldown defaults to 300 seconds and new rules are enabled
// unless the input says otherwise.
func (s *RuleService) Create(ctx context.Context, in RuleInput) (*db.AlertRule, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("services: rule name is required")
	}
	conditions := in.Conditions
	if conditions == "" {
		conditions = "{}"
	}
	if err := alerting.ValidateConditions(in.Type, conditions); err != nil {
		return nil, err
	}

	cooldown := defaultCooldownSec
	if in.CooldownSec != nil {
		if *in.CooldownSec < 0 {
			return nil, fmt.Errorf("services: cooldown must not be negative")
		}
		cooldown = *in.CooldownSec
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	severity := in.Severity
	if severity == "" {
		severity = alerting.SeverityMedium
	}

	rule := &db.AlertRule{
		Name:        in.Name,
		Type:        in.Type,
		Severity:    severity,
		InstanceID:  in.InstanceID,
		Conditions:  conditions,
		CooldownSec: cooldown,
		Enabled:     enabled,
	}
	if err := s.rules.Create(ctx, rule, in.ChannelIDs); err != nil {
		return nil, fmt.Errorf("services: create rule: %w", err)
	}
	rule.ChannelIDs = in.ChannelIDs

	s.log.Info("rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("type", rule.Type),
		zap.String("severity", rule.Severity))
	return rule, nil
}

// Update applies the input to an existing rule. The conditions document is
// re-validated against the (possibly changed) type. Channel associations are
// replaced only when ChannelIDs is non-nil.
func (s *RuleService) Update(ctx context.Context, id uuid.UUID, in RuleInput) (*db.AlertRule, error) {
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != "" {
		rule.Name = in.Name
	}
	if in.Type != "" {
		rule.Type = in.Type
	}
	if in.Severity != "" {
		rule.Severity = in.Severity
	}
	if in.InstanceID != nil {
		rule.InstanceID = in.InstanceID
	}
	if in.Conditions != "" {
		rule.Conditions = in.Conditions
	}
	if in.CooldownSec != nil {
		if *in.CooldownSec < 0 {
			return nil, fmt.Errorf("services: cooldown must not be negative")
		}
		rule.CooldownSec = *in.CooldownSec
	}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}

	if err := alerting.ValidateConditions(rule.Type, rule.Conditions); err != nil {
		return nil, err
	}

	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("services: update rule: %w", err)
	}
	if in.ChannelIDs != nil {
		if err := s.rules.ReplaceChannels(ctx, rule.ID, in.ChannelIDs); err != nil {
			return nil, fmt.Errorf("services: replace rule channels: %w", err)
		}
		rule.ChannelIDs = in.ChannelIDs
	}
	return rule, nil
}

func (s *RuleService) Get(ctx context.Context, id uuid.UUID) (*db.AlertRule, error) {
	return s.rules.GetByID(ctx, id)
}

// SetEnabled flips the rule without touching anything else. Disabled rules
// are inert: the evaluator never loads them.
func (s *RuleService) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return s.rules.SetEnabled(ctx, id, enabled)
}

func (s *RuleService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.rules.Delete(ctx, id)
}

func (s *RuleService) List(ctx context.Context, filter repositories.RuleFilter, opts repositories.ListOptions) ([]db.AlertRule, int64, error) {
	return s.rules.List(ctx, filter, opts)
}
