package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// TriggerKind 触发器类型
type TriggerKind string

const (
	TriggerKindEvent TriggerKind = "event"
	TriggerKindTime  TriggerKind = "time"
)

// ScheduleKind 时间调度类型
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
	ScheduleCron     ScheduleKind = "cron" // accepted and stored, never fired
)

// Schedule describes when a time trigger or a named task fires.
type Schedule struct {
	Kind       ScheduleKind `json:"kind"`
	Seconds    int          `json:"seconds,omitempty"`
	ExecuteAt  *time.Time   `json:"execute_at,omitempty"`
	Expression string       `json:"expression,omitempty"`
}

// Trigger is either {kind: event, event_type} or {kind: time, schedule}.
type Trigger struct {
	Kind      TriggerKind `json:"kind"`
	EventType string      `json:"event_type,omitempty"`
	Schedule  *Schedule   `json:"schedule,omitempty"`
}

// Operator 条件比较运算符
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpLt       Operator = "<"
	OpGte      Operator = ">="
	OpLte      Operator = "<="
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// KnownOperator reports whether op is one of the supported operators.
func KnownOperator(op Operator) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte, OpIn, OpContains:
		return true
	}
	return false
}

// Condition is a single field/operator/value predicate.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// ActionType 动作类型
type ActionType string

const (
	ActionNotification   ActionType = "notification"
	ActionCreateActivity ActionType = "create_activity"
	ActionInvokeAPI      ActionType = "invoke_api"
)

// Action is a typed side effect. Type-specific fields are kept in Params and
// flattened next to "type" on the wire.
type Action struct {
	Type   ActionType             `json:"type"`
	Params map[string]interface{} `json:"-"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(a.Params)+1)
	for k, v := range a.Params {
		out[k] = v
	}
	out["type"] = string(a.Type)
	return json.Marshal(out)
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, _ := raw["type"].(string)
	delete(raw, "type")
	a.Type = ActionType(t)
	a.Params = raw
	return nil
}

// String returns a string param or "".
func (a Action) String(key string) string {
	s, _ := a.Params[key].(string)
	return s
}

// Rule 自动化规则（租户隔离）
type Rule struct {
	ID          string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	TenantID    string      `gorm:"type:varchar(36);index;not null" json:"tenant_id"`
	Name        string      `gorm:"size:255;not null" json:"name"`
	Description string      `gorm:"type:text" json:"description,omitempty"`
	Enabled     bool        `gorm:"index" json:"enabled"`
	TriggerKind TriggerKind `gorm:"size:16;index" json:"-"`
	EventType   string      `gorm:"size:100;index" json:"-"`
	Trigger     Trigger     `gorm:"serializer:json;type:text" json:"trigger"`
	Conditions  []Condition `gorm:"serializer:json;type:text" json:"conditions"`
	Actions     []Action    `gorm:"serializer:json;type:text" json:"actions"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SyncTriggerColumns copies the trigger discriminator into indexed columns.
func (r *Rule) SyncTriggerColumns() {
	r.TriggerKind = r.Trigger.Kind
	r.EventType = r.Trigger.EventType
}

// RuleVersion 规则定义快照，(rule_id, version) 唯一且不可变
type RuleVersion struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	RuleID     string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_rule_version" json:"rule_id"`
	Version    int            `gorm:"not null;uniqueIndex:idx_rule_version" json:"version"`
	Definition datatypes.JSON `json:"definition"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ExecutionStatus 执行状态
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// Reasons recorded on skipped executions.
const (
	SkipReasonRuleDisabled     = "rule_disabled"
	SkipReasonConditionsNotMet = "conditions_not_met"
)

// AutomationExecution 执行记录，(rule_id, event_id) 是幂等键
type AutomationExecution struct {
	ID           string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	RuleID       string          `gorm:"type:varchar(36);not null;uniqueIndex:idx_execution_rule_event" json:"rule_id"`
	EventID      string          `gorm:"size:128;not null;uniqueIndex:idx_execution_rule_event" json:"event_id"`
	TenantID     string          `gorm:"type:varchar(36);index" json:"tenant_id"`
	EventType    string          `gorm:"size:100" json:"event_type"`
	Status       ExecutionStatus `gorm:"size:16;index" json:"status"`
	Result       datatypes.JSON  `json:"result,omitempty"`
	ErrorMessage string          `gorm:"type:text" json:"error_message,omitempty"`
	ExecutedAt   time.Time       `gorm:"index" json:"executed_at"`
}

// Reason returns the skip reason stored in the result payload, if any.
func (e *AutomationExecution) Reason() string {
	if e == nil || len(e.Result) == 0 {
		return ""
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(e.Result, &body); err != nil {
		return ""
	}
	return body.Reason
}
