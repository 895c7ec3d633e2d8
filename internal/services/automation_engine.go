package services

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"autoflow/internal/metrics"
	"autoflow/internal/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// ScheduledEventType is the event type of synthetic events created for
// time-triggered rules.
const ScheduledEventType = "automation.scheduled"

// ExecutionObserver is notified of every newly written execution.
type ExecutionObserver interface {
	ExecutionRecorded(exec *models.AutomationExecution)
}

// AutomationEngine matches rules against events and records exactly one
// execution per (rule, event).
type AutomationEngine struct {
	store     *AutomationStore
	evaluator *ConditionEvaluator
	executor  *ActionExecutor
	clock     clockwork.Clock
	logger    *logrus.Logger
	tracer    trace.Tracer

	inflight singleflight.Group

	mu        sync.RWMutex
	observers []ExecutionObserver
}

func NewAutomationEngine(store *AutomationStore, evaluator *ConditionEvaluator, executor *ActionExecutor, clock clockwork.Clock, logger *logrus.Logger) *AutomationEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if evaluator == nil {
		evaluator = NewConditionEvaluator(logger)
	}
	if executor == nil {
		executor = NewActionExecutor(logger)
	}
	return &AutomationEngine{
		store:     store,
		evaluator: evaluator,
		executor:  executor,
		clock:     clock,
		logger:    logger,
		tracer:    otel.Tracer("autoflow.automation"),
	}
}

func (e *AutomationEngine) AddObserver(o ExecutionObserver) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// ExecuteRule runs rule against evt. A second call for the same (rule, event)
// returns the stored record without running anything. The error is non-nil
// only when the record itself could not be read or written.
func (e *AutomationEngine) ExecuteRule(ctx context.Context, rule *models.Rule, evt *DomainEvent) (*models.AutomationExecution, error) {
	key := rule.ID + "|" + evt.EventID
	v, err, _ := e.inflight.Do(key, func() (interface{}, error) {
		return e.executeRule(ctx, rule, evt)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.AutomationExecution), nil
}

func (e *AutomationEngine) executeRule(ctx context.Context, rule *models.Rule, evt *DomainEvent) (*models.AutomationExecution, error) {
	ctx, span := e.tracer.Start(ctx, "automation.execute_rule")
	defer span.End()
	span.SetAttributes(
		attribute.String("automation.rule.id", rule.ID),
		attribute.String("automation.event.id", evt.EventID),
		attribute.String("automation.event.type", evt.EventType),
	)
	start := time.Now()
	log := e.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "event_id": evt.EventID})

	existing, err := e.store.FindExecution(ctx, rule.ID, evt.EventID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("lookup execution: %w", err)
	}
	if existing != nil {
		log.Info("automation: event already processed by rule, returning stored execution")
		span.SetAttributes(attribute.Bool("automation.duplicate", true))
		return existing, nil
	}

	exec := &models.AutomationExecution{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		EventID:    evt.EventID,
		TenantID:   rule.TenantID,
		EventType:  evt.EventType,
		ExecutedAt: e.clock.Now().UTC(),
	}

	switch {
	case !rule.Enabled:
		log.Debug("automation: rule disabled, skipping")
		exec.Status = models.ExecutionSkipped
		exec.Result = reasonJSON(models.SkipReasonRuleDisabled)
	case !e.evaluator.Evaluate(rule.Conditions, evt.Tree()):
		log.Debug("automation: conditions not met")
		exec.Status = models.ExecutionSkipped
		exec.Result = reasonJSON(models.SkipReasonConditionsNotMet)
	default:
		result, err := e.runActions(ctx, rule, evt)
		if err != nil {
			log.WithError(err).Error("automation: rule execution failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			exec.Status = models.ExecutionFailed
			exec.ErrorMessage = err.Error()
		} else {
			exec.Status = models.ExecutionSuccess
			exec.Result = result
			log.Info("automation: rule executed")
		}
	}

	stored, created, err := e.store.InsertExecution(ctx, exec)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if created {
		metrics.RuleExecutions.WithLabelValues(string(stored.Status)).Inc()
		metrics.RuleExecutionDuration.Observe(float64(time.Since(start).Milliseconds()))
		e.notify(stored)
	}
	span.SetAttributes(attribute.String("automation.execution.status", string(stored.Status)))
	return stored, nil
}

// runActions turns anything unexpected around the executor into an error.
func (e *AutomationEngine) runActions(ctx context.Context, rule *models.Rule, evt *DomainEvent) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("stack", string(debug.Stack())).Errorf("automation: rule %s panicked: %v", rule.ID, r)
			result, err = nil, fmt.Errorf("rule execution panicked: %v", r)
		}
	}()
	summary := e.executor.Execute(ctx, rule.Actions, evt)
	raw, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode action summary: %w", err)
	}
	return raw, nil
}

// ProcessEvent runs every enabled event rule of the tenant that subscribes
// to evt.EventType. A failing rule is logged and does not stop the rest.
func (e *AutomationEngine) ProcessEvent(ctx context.Context, evt *DomainEvent) ([]*models.AutomationExecution, error) {
	ctx, span := e.tracer.Start(ctx, "automation.process_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("automation.event.type", evt.EventType),
		attribute.String("automation.tenant.id", evt.TenantID),
	)

	rules, err := e.store.MatchingEventRules(ctx, evt.TenantID, evt.EventType)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load rules: %w", err)
	}
	span.SetAttributes(attribute.Int("automation.rules.matched", len(rules)))

	executions := make([]*models.AutomationExecution, 0, len(rules))
	for i := range rules {
		exec, err := e.safeExecute(ctx, &rules[i], evt)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"rule_id":  rules[i].ID,
				"event_id": evt.EventID,
			}).WithError(err).Error("automation: rule processing failed")
			continue
		}
		executions = append(executions, exec)
	}
	return executions, nil
}

func (e *AutomationEngine) safeExecute(ctx context.Context, rule *models.Rule, evt *DomainEvent) (exec *models.AutomationExecution, err error) {
	defer func() {
		if r := recover(); r != nil {
			exec, err = nil, fmt.Errorf("rule %s panicked: %v", rule.ID, r)
		}
	}()
	return e.ExecuteRule(ctx, rule, evt)
}

// ScheduledRuleTask returns the scheduler callback for a time-triggered rule.
// Each fire builds a synthetic event whose ID is derived from the rule and
// fire time, so a repeated fire of the same tick is recorded once.
func (e *AutomationEngine) ScheduledRuleTask(ruleID string) TaskFunc {
	return func(ctx context.Context, firedAt time.Time) error {
		rule, err := e.store.GetRuleByID(ctx, ruleID)
		if err != nil {
			return fmt.Errorf("load scheduled rule %s: %w", ruleID, err)
		}
		evt := ScheduledEvent(rule, firedAt)
		exec, err := e.ExecuteRule(ctx, rule, evt)
		if err != nil {
			return err
		}
		if exec.Status == models.ExecutionFailed {
			return fmt.Errorf("scheduled rule %s failed: %s", ruleID, exec.ErrorMessage)
		}
		return nil
	}
}

// ScheduledEvent builds the synthetic event for a time-triggered rule fire.
func ScheduledEvent(rule *models.Rule, firedAt time.Time) *DomainEvent {
	firedAt = firedAt.UTC()
	metadata := map[string]interface{}{
		"rule_id":  rule.ID,
		"fired_at": firedAt.Format(time.RFC3339),
	}
	if rule.Trigger.Schedule != nil {
		metadata["schedule_kind"] = string(rule.Trigger.Schedule.Kind)
	}
	return &DomainEvent{
		EventID:    fmt.Sprintf("scheduled:%s:%d", rule.ID, firedAt.Unix()),
		EventType:  ScheduledEventType,
		EntityType: "rule",
		EntityID:   rule.ID,
		TenantID:   rule.TenantID,
		Timestamp:  firedAt,
		Metadata:   metadata,
	}
}

func (e *AutomationEngine) notify(exec *models.AutomationExecution) {
	e.mu.RLock()
	observers := append([]ExecutionObserver(nil), e.observers...)
	e.mu.RUnlock()
	for _, o := range observers {
		o.ExecutionRecorded(exec)
	}
}

func reasonJSON(reason string) []byte {
	raw, _ := json.Marshal(map[string]string{"reason": reason})
	return raw
}
