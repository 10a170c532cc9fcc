package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetconsole-io/fleetconsole/internal/db"
)

// gormRuleRepository is the GORM implementation of RuleRepository.
type gormRuleRepository struct {
	db *gorm.DB
}

// NewRuleRepository returns a RuleRepository backed by the provided *gorm.DB.
func NewRuleRepository(db *gorm.DB) RuleRepository {
	return &gormRuleRepository{db: db}
}

// Create inserts the rule and its channel associations in one transaction.
func (r *gormRuleRepository) Create(ctx context.Context, rule *db.AlertRule, channelIDs []uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rule).Error; err != nil {
			return err
		}
		for _, cid := range channelIDs {
			if err := tx.Create(&db.RuleChannel{RuleID: rule.ID, ChannelID: cid}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rules: create: %w", err)
	}
	rule.ChannelIDs = channelIDs
	return nil
}

// GetByID retrieves a rule with ChannelIDs populated from the join table.
// Returns ErrNotFound if no record exists.
func (r *gormRuleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AlertRule, error) {
	var rule db.AlertRule
	err := r.db.WithContext(ctx).First(&rule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rules: get by id: %w", err)
	}
	if err := r.attachChannels(ctx, []*db.AlertRule{&rule}); err != nil {
		return nil, err
	}
	return &rule, nil
}

// Update persists all scalar fields of an existing rule. Channel associations
// are managed separately via ReplaceChannels.
func (r *gormRuleRepository) Update(ctx context.Context, rule *db.AlertRule) error {
	result := r.db.WithContext(ctx).Save(rule)
	if result.Error != nil {
		return fmt.Errorf("rules: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceChannels swaps the rule's channel associations for the given set in
// one transaction.
func (r *gormRuleRepository) ReplaceChannels(ctx context.Context, ruleID uuid.UUID, channelIDs []uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("rule_id = ?", ruleID).Delete(&db.RuleChannel{}).Error; err != nil {
			return err
		}
		for _, cid := range channelIDs {
			if err := tx.Create(&db.RuleChannel{RuleID: ruleID, ChannelID: cid}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rules: replace channels: %w", err)
	}
	return nil
}

// SetEnabled flips only the enabled column.
func (r *gormRuleRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&db.AlertRule{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("rules: set enabled: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the rule and its channel associations in one transaction.
func (r *gormRuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("rule_id = ?", id).Delete(&db.RuleChannel{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&db.AlertRule{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("rules: delete: %w", err)
	}
	return nil
}

// List returns a filtered, paginated list of rules with ChannelIDs populated,
// and the total count. An InstanceID filter also matches unscoped rules,
// because a rule with a null instance applies to every instance.
func (r *gormRuleRepository) List(ctx context.Context, filter RuleFilter, opts ListOptions) ([]db.AlertRule, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.AlertRule{})
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Enabled != nil {
		q = q.Where("enabled = ?", *filter.Enabled)
	}
	if filter.InstanceID != nil {
		q = q.Where("instance_id = ? OR instance_id IS NULL", *filter.InstanceID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("rules: list count: %w", err)
	}

	var rules []db.AlertRule
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("rules: list: %w", err)
	}

	refs := make([]*db.AlertRule, len(rules))
	for i := range rules {
		refs[i] = &rules[i]
	}
	if err := r.attachChannels(ctx, refs); err != nil {
		return nil, 0, err
	}

	return rules, total, nil
}

// ListEnabled returns every enabled rule with ChannelIDs populated.
func (r *gormRuleRepository) ListEnabled(ctx context.Context) ([]db.AlertRule, error) {
	var rules []db.AlertRule
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("created_at ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("rules: list enabled: %w", err)
	}

	refs := make([]*db.AlertRule, len(rules))
	for i := range rules {
		refs[i] = &rules[i]
	}
	if err := r.attachChannels(ctx, refs); err != nil {
		return nil, err
	}
	return rules, nil
}

// attachChannels populates ChannelIDs for the given rules with one join-table
// query. GORM cannot auto-resolve UUID-typed foreign keys, so the relation is
// loaded manually (see db.AlertRule).
func (r *gormRuleRepository) attachChannels(ctx context.Context, rules []*db.AlertRule) error {
	if len(rules) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(rules))
	for i, rule := range rules {
		ids[i] = rule.ID
	}

	var links []db.RuleChannel
	if err := r.db.WithContext(ctx).
		Where("rule_id IN ?", ids).
		Order("created_at ASC").
		Find(&links).Error; err != nil {
		return fmt.Errorf("rules: attach channels: %w", err)
	}

	byRule := make(map[uuid.UUID][]uuid.UUID, len(rules))
	for _, link := range links {
		byRule[link.RuleID] = append(byRule[link.RuleID], link.ChannelID)
	}
	for _, rule := range rules {
		rule.ChannelIDs = byRule[rule.ID]
	}
	return nil
}
