package services

import (
	"testing"

	"autoflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRuleDefinition_Defaults(t *testing.T) {
	def, err := ParseRuleDefinition([]byte(`{
		"name": "n",
		"trigger": {"kind": "event", "event_type": "order.created"},
		"actions": [{"type": "notification", "template": "t"}]
	}`))
	require.NoError(t, err)
	assert.True(t, def.Enabled)
	assert.Empty(t, def.Conditions)
	require.Len(t, def.Actions, 1)
	assert.Equal(t, models.ActionNotification, def.Actions[0].Type)
	assert.Equal(t, "t", def.Actions[0].String("template"))
	assert.Equal(t, models.TriggerKindEvent, def.Trigger.Kind)
}

func TestParseRuleDefinition_LegacyTriggerType(t *testing.T) {
	def, err := ParseRuleDefinition([]byte(`{
		"name": "n",
		"trigger": {"type": "time", "schedule": {"type": "interval", "seconds": 60}},
		"actions": [{"type": "notification"}]
	}`))
	require.NoError(t, err)
	require.NotNil(t, def.Trigger.Schedule)
	assert.Equal(t, models.ScheduleInterval, def.Trigger.Schedule.Kind)
	assert.Equal(t, 60, def.Trigger.Schedule.Seconds)
}

func TestParseRuleDefinition_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not json", `[`, "body"},
		{"missing name", `{"trigger":{"kind":"event","event_type":"a.b"},"actions":[{"type":"x"}]}`, "name"},
		{"empty name", `{"name":"","trigger":{"kind":"event","event_type":"a.b"},"actions":[{"type":"x"}]}`, "name"},
		{"enabled not bool", `{"name":"n","enabled":"yes","trigger":{"kind":"event","event_type":"a.b"},"actions":[{"type":"x"}]}`, "enabled"},
		{"missing trigger", `{"name":"n","actions":[{"type":"x"}]}`, "trigger"},
		{"trigger not object", `{"name":"n","trigger":"event","actions":[{"type":"x"}]}`, "trigger"},
		{"unknown trigger kind", `{"name":"n","trigger":{"kind":"webhook"},"actions":[{"type":"x"}]}`, "trigger.kind"},
		{"event without type", `{"name":"n","trigger":{"kind":"event"},"actions":[{"type":"x"}]}`, "trigger.event_type"},
		{"time without schedule", `{"name":"n","trigger":{"kind":"time"},"actions":[{"type":"x"}]}`, "trigger.schedule"},
		{"interval zero", `{"name":"n","trigger":{"kind":"time","schedule":{"kind":"interval","seconds":0}},"actions":[{"type":"x"}]}`, "trigger.schedule.seconds"},
		{"interval fractional", `{"name":"n","trigger":{"kind":"time","schedule":{"kind":"interval","seconds":1.5}},"actions":[{"type":"x"}]}`, "trigger.schedule.seconds"},
		{"once bad time", `{"name":"n","trigger":{"kind":"time","schedule":{"kind":"once","execute_at":"tomorrow"}},"actions":[{"type":"x"}]}`, "trigger.schedule.execute_at"},
		{"unknown schedule", `{"name":"n","trigger":{"kind":"time","schedule":{"kind":"weekly"}},"actions":[{"type":"x"}]}`, "trigger.schedule.kind"},
		{"missing actions", `{"name":"n","trigger":{"kind":"event","event_type":"a.b"}}`, "actions"},
		{"empty actions", `{"name":"n","trigger":{"kind":"event","event_type":"a.b"},"actions":[]}`, "actions"},
		{"action without type", `{"name":"n","trigger":{"kind":"event","event_type":"a.b"},"actions":[{"url":"x"}]}`, "actions[0].type"},
		{"conditions not list", `{"name":"n","trigger":{"kind":"event","event_type":"a.b"},"actions":[{"type":"x"}],"conditions":{}}`, "conditions"},
		{"condition without field", `{"name":"n","trigger":{"kind":"event","event_type":"a.b"},"actions":[{"type":"x"}],"conditions":[{"operator":"==","value":1}]}`, "conditions[0].field"},
		{"condition bad operator", `{"name":"n","trigger":{"kind":"event","event_type":"a.b"},"actions":[{"type":"x"}],"conditions":[{"field":"a","operator":"=~","value":1}]}`, "conditions[0].operator"},
		{"condition without value", `{"name":"n","trigger":{"kind":"event","event_type":"a.b"},"actions":[{"type":"x"}],"conditions":[{"field":"a","operator":"=="}]}`, "conditions[0].value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRuleDefinition([]byte(tt.body))
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestParseRuleDefinition_NullValueIsAllowed(t *testing.T) {
	def, err := ParseRuleDefinition([]byte(`{
		"name": "n",
		"trigger": {"kind": "event", "event_type": "a.b"},
		"conditions": [{"field": "assignee", "operator": "==", "value": null}],
		"actions": [{"type": "notification"}]
	}`))
	require.NoError(t, err)
	require.Len(t, def.Conditions, 1)
	assert.Nil(t, def.Conditions[0].Value)
}

func TestParseSchedule_OnceAndCron(t *testing.T) {
	s, verr := ParseSchedule(map[string]interface{}{"kind": "once", "execute_at": "2025-03-01T10:00:00+01:00"})
	require.Nil(t, verr)
	require.NotNil(t, s.ExecuteAt)
	assert.Equal(t, "2025-03-01T09:00:00Z", s.ExecuteAt.Format("2006-01-02T15:04:05Z07:00"))

	s, verr = ParseSchedule(map[string]interface{}{"kind": "cron", "expression": "0 9 * * *"})
	require.Nil(t, verr)
	assert.Equal(t, models.ScheduleCron, s.Kind)
	assert.Equal(t, "0 9 * * *", s.Expression)
}

func TestValidateRuleUpdate_MergesPatch(t *testing.T) {
	def, err := ParseRuleDefinition([]byte(lowStockRule))
	require.NoError(t, err)
	rule := &models.Rule{ID: "r1", TenantID: "t1"}
	def.Apply(rule)

	updated, err := ValidateRuleUpdate(rule, map[string]interface{}{"name": "renamed", "id": "other"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, rule.Conditions, updated.Conditions)
	assert.Equal(t, models.TriggerKindEvent, updated.Trigger.Kind)

	_, err = ValidateRuleUpdate(rule, map[string]interface{}{"actions": []interface{}{}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "actions", verr.Field)
}
