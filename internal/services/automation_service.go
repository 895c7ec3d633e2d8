package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"autoflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RuleTaskID is the scheduler ID of a time-triggered rule.
func RuleTaskID(ruleID string) string { return "rule." + ruleID }

// AutomationService manages rule definitions and keeps time-triggered rules
// registered with the scheduler.
type AutomationService struct {
	store     *AutomationStore
	engine    *AutomationEngine
	scheduler *Scheduler
	rules     *Registry
	logger    *logrus.Logger
}

func NewAutomationService(store *AutomationStore, engine *AutomationEngine, scheduler *Scheduler, rules *Registry, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if rules == nil {
		rules = NewRegistry("rules")
	}
	return &AutomationService{store: store, engine: engine, scheduler: scheduler, rules: rules, logger: logger}
}

func (s *AutomationService) Engine() *AutomationEngine { return s.engine }

// CreateRule validates a raw JSON definition and stores it as version 1.
func (s *AutomationService) CreateRule(ctx context.Context, tenantID string, raw []byte) (*models.Rule, error) {
	def, err := ParseRuleDefinition(raw)
	if err != nil {
		return nil, err
	}
	return s.CreateRuleFromDefinition(ctx, tenantID, def)
}

func (s *AutomationService) CreateRuleFromDefinition(ctx context.Context, tenantID string, def *RuleDefinition) (*models.Rule, error) {
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenant_id", Message: "required"}
	}
	rule := &models.Rule{ID: uuid.NewString(), TenantID: tenantID}
	def.Apply(rule)
	version := &models.RuleVersion{Definition: versionSnapshot(rule)}
	if err := s.store.CreateRule(ctx, rule, version); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "tenant_id": tenantID}).Info("automation: rule created")
	s.syncSchedule(rule)
	return rule, nil
}

// UpdateRule merges patch over the stored rule, re-validates the whole
// definition and appends a version when trigger, conditions or actions
// changed.
func (s *AutomationService) UpdateRule(ctx context.Context, tenantID, id string, patch map[string]interface{}) (*models.Rule, error) {
	rule, err := s.store.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	before := versionSnapshot(rule)
	beforeSchedule := scheduleSnapshot(rule)
	def, err := ValidateRuleUpdate(rule, patch)
	if err != nil {
		return nil, err
	}
	def.Apply(rule)
	after := versionSnapshot(rule)

	var version *models.RuleVersion
	if !bytes.Equal(before, after) {
		version = &models.RuleVersion{Definition: after}
	}
	if err := s.store.UpdateRule(ctx, rule, version); err != nil {
		return nil, err
	}
	fields := logrus.Fields{"rule_id": rule.ID, "tenant_id": tenantID}
	if version != nil {
		fields["version"] = version.Version
	}
	s.logger.WithFields(fields).Info("automation: rule updated")
	if bytes.Equal(beforeSchedule, scheduleSnapshot(rule)) {
		s.refreshSchedule(rule)
	} else {
		s.syncSchedule(rule)
	}
	return rule, nil
}

// SetEnabled toggles a rule without touching its definition.
func (s *AutomationService) SetEnabled(ctx context.Context, tenantID, id string, enabled bool) (*models.Rule, error) {
	return s.UpdateRule(ctx, tenantID, id, map[string]interface{}{"enabled": enabled})
}

func (s *AutomationService) DeleteRule(ctx context.Context, tenantID, id string) error {
	if err := s.store.DeleteRule(ctx, tenantID, id); err != nil {
		return err
	}
	s.rules.Remove(RuleTaskID(id))
	if s.scheduler != nil {
		s.scheduler.Cancel(RuleTaskID(id))
	}
	s.logger.WithFields(logrus.Fields{"rule_id": id, "tenant_id": tenantID}).Info("automation: rule deleted")
	return nil
}

func (s *AutomationService) GetRule(ctx context.Context, tenantID, id string) (*models.Rule, error) {
	return s.store.GetRule(ctx, tenantID, id)
}

func (s *AutomationService) ListRules(ctx context.Context, tenantID string, f RuleFilter) ([]models.Rule, int64, error) {
	return s.store.ListRules(ctx, tenantID, f)
}

func (s *AutomationService) ListVersions(ctx context.Context, tenantID, id string) ([]models.RuleVersion, error) {
	if _, err := s.store.GetRule(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, id)
}

func (s *AutomationService) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.AutomationExecution, int64, error) {
	return s.store.ListExecutions(ctx, f)
}

// ExecuteRuleForEvent runs one stored rule against an event, regardless of
// its trigger. Used for manual test runs.
func (s *AutomationService) ExecuteRuleForEvent(ctx context.Context, tenantID, id string, evt *DomainEvent) (*models.AutomationExecution, error) {
	rule, err := s.store.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if evt.TenantID != tenantID {
		return nil, &ValidationError{Field: "tenant_id", Message: "event tenant does not match rule tenant"}
	}
	return s.engine.ExecuteRule(ctx, rule, evt)
}

// LoadTimeTriggers fills the rule registry from storage. Called once before
// the scheduler starts.
func (s *AutomationService) LoadTimeTriggers(ctx context.Context) (int, error) {
	rules, err := s.store.TimeRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load time rules: %w", err)
	}
	for i := range rules {
		s.syncSchedule(&rules[i])
	}
	s.logger.Infof("automation: loaded %d time-triggered rules", len(rules))
	return len(rules), nil
}

func (s *AutomationService) syncSchedule(rule *models.Rule) {
	id := RuleTaskID(rule.ID)
	if rule.Trigger.Kind != models.TriggerKindTime || rule.Trigger.Schedule == nil {
		s.rules.Remove(id)
		if s.scheduler != nil {
			s.scheduler.Cancel(id)
		}
		return
	}

	reg := Registration{
		ID:          id,
		Description: rule.Name,
		Schedule:    *rule.Trigger.Schedule,
		Enabled:     rule.Enabled,
		Run:         s.engine.ScheduledRuleTask(rule.ID),
	}
	s.rules.Put(reg)
	if s.scheduler == nil || !s.scheduler.Running() {
		return
	}
	if !reg.Enabled {
		s.scheduler.Cancel(id)
		return
	}
	if err := s.scheduler.Schedule(reg.ID, reg.Schedule, reg.Run); err != nil && !errors.Is(err, ErrSchedulerStopped) {
		s.logger.WithError(err).WithField("rule_id", rule.ID).Warn("automation: could not schedule rule")
	}
}

// refreshSchedule updates the registration of a rule whose trigger and
// enabled flag did not change. A running unit keeps its phase.
func (s *AutomationService) refreshSchedule(rule *models.Rule) {
	id := RuleTaskID(rule.ID)
	reg, ok := s.rules.Get(id)
	if !ok || s.scheduler == nil || !s.scheduler.IsScheduled(id) {
		s.syncSchedule(rule)
		return
	}
	reg.Description = rule.Name
	s.rules.Put(reg)
}

func scheduleSnapshot(r *models.Rule) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"trigger": r.Trigger,
		"enabled": r.Enabled,
	})
	return raw
}

func versionSnapshot(r *models.Rule) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"trigger":    r.Trigger,
		"conditions": r.Conditions,
		"actions":    r.Actions,
	})
	return raw
}
