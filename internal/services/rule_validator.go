package services

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"autoflow/internal/models"
)

// ValidationError reports the first violated constraint of a rule definition.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RuleDefinition is a validated, normalized rule.
type RuleDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Enabled     bool               `json:"enabled"`
	Trigger     models.Trigger     `json:"trigger"`
	Conditions  []models.Condition `json:"conditions"`
	Actions     []models.Action    `json:"actions"`
}

// Apply copies the definition onto a rule record.
func (d *RuleDefinition) Apply(r *models.Rule) {
	r.Name = d.Name
	r.Description = d.Description
	r.Enabled = d.Enabled
	r.Trigger = d.Trigger
	r.Conditions = d.Conditions
	r.Actions = d.Actions
	r.SyncTriggerColumns()
}

// DefinitionOf returns the wire form of a stored rule.
func DefinitionOf(r *models.Rule) map[string]interface{} {
	raw, _ := json.Marshal(RuleDefinition{
		Name:        r.Name,
		Description: r.Description,
		Enabled:     r.Enabled,
		Trigger:     r.Trigger,
		Conditions:  r.Conditions,
		Actions:     r.Actions,
	})
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// ParseRuleDefinition decodes and validates a raw JSON rule definition.
func ParseRuleDefinition(raw []byte) (*RuleDefinition, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, invalid("body", "must be a JSON object: %v", err)
	}
	return ValidateRuleDefinition(m)
}

// ValidateRuleDefinition validates a decoded definition and applies defaults
// (enabled=true, conditions=[]).
func ValidateRuleDefinition(m map[string]interface{}) (*RuleDefinition, error) {
	if m == nil {
		return nil, invalid("body", "required")
	}
	def := &RuleDefinition{Enabled: true, Conditions: []models.Condition{}}

	name, ok := m["name"].(string)
	if !ok || name == "" {
		return nil, invalid("name", "required")
	}
	def.Name = name
	if d, ok := m["description"]; ok && d != nil {
		s, ok := d.(string)
		if !ok {
			return nil, invalid("description", "must be a string")
		}
		def.Description = s
	}
	if e, ok := m["enabled"]; ok && e != nil {
		b, ok := e.(bool)
		if !ok {
			return nil, invalid("enabled", "must be a boolean")
		}
		def.Enabled = b
	}

	rawTrigger, present := m["trigger"]
	if !present || rawTrigger == nil {
		return nil, invalid("trigger", "required")
	}
	trigger, verr := parseTrigger(rawTrigger)
	if verr != nil {
		return nil, verr
	}
	def.Trigger = *trigger

	rawActions, present := m["actions"]
	if !present || rawActions == nil {
		return nil, invalid("actions", "required")
	}
	actions, verr := parseActions(rawActions)
	if verr != nil {
		return nil, verr
	}
	def.Actions = actions

	if rawConds, ok := m["conditions"]; ok && rawConds != nil {
		conds, verr := parseConditions(rawConds)
		if verr != nil {
			return nil, verr
		}
		def.Conditions = conds
	}
	return def, nil
}

// ValidateRuleUpdate merges a partial update over the current rule and
// validates the result as a whole.
func ValidateRuleUpdate(current *models.Rule, patch map[string]interface{}) (*RuleDefinition, error) {
	merged := DefinitionOf(current)
	for k, v := range patch {
		switch k {
		case "id", "tenant_id", "created_at", "updated_at":
			continue
		}
		merged[k] = v
	}
	return ValidateRuleDefinition(merged)
}

func parseTrigger(raw interface{}) (*models.Trigger, *ValidationError) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, invalid("trigger", "must be an object")
	}
	kind, _ := obj["kind"].(string)
	if kind == "" {
		kind, _ = obj["type"].(string)
	}
	switch models.TriggerKind(kind) {
	case models.TriggerKindEvent:
		et, _ := obj["event_type"].(string)
		if et == "" {
			return nil, invalid("trigger.event_type", "required for event triggers")
		}
		return &models.Trigger{Kind: models.TriggerKindEvent, EventType: et}, nil
	case models.TriggerKindTime:
		rawSched, present := obj["schedule"]
		if !present || rawSched == nil {
			return nil, invalid("trigger.schedule", "required for time triggers")
		}
		sched, verr := ParseSchedule(rawSched)
		if verr != nil {
			return nil, verr
		}
		return &models.Trigger{Kind: models.TriggerKindTime, Schedule: sched}, nil
	case "":
		return nil, invalid("trigger.kind", "required")
	default:
		return nil, invalid("trigger.kind", "unsupported trigger kind %q", kind)
	}
}

// ParseSchedule validates a schedule descriptor.
func ParseSchedule(raw interface{}) (*models.Schedule, *ValidationError) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, invalid("trigger.schedule", "must be an object")
	}
	kind, _ := obj["kind"].(string)
	if kind == "" {
		kind, _ = obj["type"].(string)
	}
	switch models.ScheduleKind(kind) {
	case models.ScheduleInterval:
		n, ok := toFloat64(obj["seconds"])
		if !ok || n < 1 || n != math.Trunc(n) {
			return nil, invalid("trigger.schedule.seconds", "must be a positive integer")
		}
		return &models.Schedule{Kind: models.ScheduleInterval, Seconds: int(n)}, nil
	case models.ScheduleOnce:
		s, _ := obj["execute_at"].(string)
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, invalid("trigger.schedule.execute_at", "must be an RFC3339 timestamp")
		}
		at = at.UTC()
		return &models.Schedule{Kind: models.ScheduleOnce, ExecuteAt: &at}, nil
	case models.ScheduleCron:
		expr, _ := obj["expression"].(string)
		return &models.Schedule{Kind: models.ScheduleCron, Expression: expr}, nil
	case "":
		return nil, invalid("trigger.schedule.kind", "required")
	default:
		return nil, invalid("trigger.schedule.kind", "unsupported schedule kind %q", kind)
	}
}

func parseActions(raw interface{}) ([]models.Action, *ValidationError) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, invalid("actions", "must be a list")
	}
	if len(list) == 0 {
		return nil, invalid("actions", "must contain at least one action")
	}
	out := make([]models.Action, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, invalid(fmt.Sprintf("actions[%d]", i), "must be an object")
		}
		t, _ := obj["type"].(string)
		if t == "" {
			return nil, invalid(fmt.Sprintf("actions[%d].type", i), "required")
		}
		params := make(map[string]interface{}, len(obj))
		for k, v := range obj {
			if k != "type" {
				params[k] = v
			}
		}
		out = append(out, models.Action{Type: models.ActionType(t), Params: params})
	}
	return out, nil
}

func parseConditions(raw interface{}) ([]models.Condition, *ValidationError) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, invalid("conditions", "must be a list")
	}
	out := make([]models.Condition, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, invalid(fmt.Sprintf("conditions[%d]", i), "must be an object")
		}
		field, _ := obj["field"].(string)
		if field == "" {
			return nil, invalid(fmt.Sprintf("conditions[%d].field", i), "required")
		}
		op, _ := obj["operator"].(string)
		if !models.KnownOperator(models.Operator(op)) {
			return nil, invalid(fmt.Sprintf("conditions[%d].operator", i), "unsupported operator %q", op)
		}
		value, present := obj["value"]
		if !present {
			return nil, invalid(fmt.Sprintf("conditions[%d].value", i), "required")
		}
		out = append(out, models.Condition{Field: field, Operator: models.Operator(op), Value: value})
	}
	return out, nil
}
