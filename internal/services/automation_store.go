package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autoflow/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRuleNotFound = errors.New("rule not found")

// RuleFilter narrows ListRules.
type RuleFilter struct {
	Enabled     *bool
	TriggerKind models.TriggerKind
	EventType   string
	Limit       int
	Offset      int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	TenantID string
	RuleID   string
	Status   models.ExecutionStatus
	Limit    int
	Offset   int
}

// AutomationStore persists rules, rule versions and executions.
type AutomationStore struct {
	db *gorm.DB
}

func NewAutomationStore(db *gorm.DB) *AutomationStore {
	return &AutomationStore{db: db}
}

// CreateRule inserts the rule and its first version in one transaction.
func (s *AutomationStore) CreateRule(ctx context.Context, rule *models.Rule, version *models.RuleVersion) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rule).Error; err != nil {
			return fmt.Errorf("create rule: %w", err)
		}
		version.RuleID = rule.ID
		version.Version = 1
		if err := tx.Create(version).Error; err != nil {
			return fmt.Errorf("create rule version: %w", err)
		}
		return nil
	})
}

// UpdateRule saves the rule and, when version is non-nil, appends it as the
// next version number in the same transaction.
func (s *AutomationStore) UpdateRule(ctx context.Context, rule *models.Rule, version *models.RuleVersion) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(rule).Error; err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		if version == nil {
			return nil
		}
		var latest int
		if err := tx.Model(&models.RuleVersion{}).
			Where("rule_id = ?", rule.ID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return fmt.Errorf("load latest version: %w", err)
		}
		version.RuleID = rule.ID
		version.Version = latest + 1
		if err := tx.Create(version).Error; err != nil {
			return fmt.Errorf("create rule version: %w", err)
		}
		return nil
	})
}

// DeleteRule removes a rule and its versions. Executions are kept for audit.
func (s *AutomationStore) DeleteRule(ctx context.Context, tenantID, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&models.Rule{})
		if res.Error != nil {
			return fmt.Errorf("delete rule: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrRuleNotFound
		}
		return tx.Where("rule_id = ?", id).Delete(&models.RuleVersion{}).Error
	})
}

func (s *AutomationStore) GetRule(ctx context.Context, tenantID, id string) (*models.Rule, error) {
	var rule models.Rule
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetRuleByID loads a rule without tenant scoping, for scheduler callbacks.
func (s *AutomationStore) GetRuleByID(ctx context.Context, id string) (*models.Rule, error) {
	var rule models.Rule
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *AutomationStore) ListRules(ctx context.Context, tenantID string, f RuleFilter) ([]models.Rule, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Rule{}).Where("tenant_id = ?", tenantID)
	if f.Enabled != nil {
		q = q.Where("enabled = ?", *f.Enabled)
	}
	if f.TriggerKind != "" {
		q = q.Where("trigger_kind = ?", f.TriggerKind)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rules []models.Rule
	if err := paginate(q, f.Limit, f.Offset).Order("created_at ASC").Find(&rules).Error; err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// MatchingEventRules returns the tenant's enabled event rules for eventType.
func (s *AutomationStore) MatchingEventRules(ctx context.Context, tenantID, eventType string) ([]models.Rule, error) {
	var rules []models.Rule
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ? AND trigger_kind = ? AND event_type = ?",
			tenantID, true, models.TriggerKindEvent, eventType).
		Order("created_at ASC").
		Find(&rules).Error
	return rules, err
}

// TimeRules returns every time-triggered rule across tenants.
func (s *AutomationStore) TimeRules(ctx context.Context) ([]models.Rule, error) {
	var rules []models.Rule
	err := s.db.WithContext(ctx).Where("trigger_kind = ?", models.TriggerKindTime).Find(&rules).Error
	return rules, err
}

func (s *AutomationStore) ListVersions(ctx context.Context, ruleID string) ([]models.RuleVersion, error) {
	var versions []models.RuleVersion
	err := s.db.WithContext(ctx).Where("rule_id = ?", ruleID).Order("version ASC").Find(&versions).Error
	return versions, err
}

// FindExecution returns the execution for (rule, event) or nil.
func (s *AutomationStore) FindExecution(ctx context.Context, ruleID, eventID string) (*models.AutomationExecution, error) {
	var exec models.AutomationExecution
	err := s.db.WithContext(ctx).Where("rule_id = ? AND event_id = ?", ruleID, eventID).First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// InsertExecution inserts exec unless a record for the same (rule, event)
// already exists, in which case the stored record is returned and created
// is false.
func (s *AutomationStore) InsertExecution(ctx context.Context, exec *models.AutomationExecution) (stored *models.AutomationExecution, created bool, err error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "rule_id"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(exec)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert execution: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return exec, true, nil
	}
	existing, err := s.FindExecution(ctx, exec.RuleID, exec.EventID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("insert execution: conflicting record for rule %s event %s vanished", exec.RuleID, exec.EventID)
	}
	return existing, false, nil
}

func (s *AutomationStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.AutomationExecution, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.AutomationExecution{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.RuleID != "" {
		q = q.Where("rule_id = ?", f.RuleID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.AutomationExecution
	if err := paginate(q, f.Limit, f.Offset).Order("executed_at DESC").Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// PruneExecutions deletes executions older than before.
func (s *AutomationStore) PruneExecutions(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("executed_at < ?", before).Delete(&models.AutomationExecution{})
	return res.RowsAffected, res.Error
}

func paginate(q *gorm.DB, limit, offset int) *gorm.DB {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return q.Limit(limit).Offset(offset)
}
