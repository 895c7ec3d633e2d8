package services

import (
	"context"
	"testing"
	"time"

	"autoflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServiceFixture(t *testing.T) (*AutomationService, *engineFixture, *Scheduler, *Registry) {
	t.Helper()
	fx := newEngineFixture(t)
	rules := NewRegistry("rules")
	sched := NewScheduler(fx.clock, fx.logger, rules)
	svc := NewAutomationService(fx.store, fx.engine, sched, rules, fx.logger)
	return svc, fx, sched, rules
}

const hourlyRule = `{
	"name": "hourly digest",
	"trigger": {"kind": "time", "schedule": {"kind": "interval", "seconds": 3600}},
	"actions": [{"type": "notification", "template": "digest"}]
}`

func TestAutomationService_CreateRule(t *testing.T) {
	svc, _, _, _ := newServiceFixture(t)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, "t1", []byte(lowStockRule))
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.True(t, rule.Enabled)
	assert.Equal(t, "inventory.updated", rule.EventType)

	versions, err := svc.ListVersions(ctx, "t1", rule.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Version)

	_, err = svc.CreateRule(ctx, "", []byte(lowStockRule))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = svc.CreateRule(ctx, "t1", []byte(`{"name":"x"}`))
	assert.ErrorAs(t, err, &verr)
}

func TestAutomationService_UpdateRule_Versions(t *testing.T) {
	svc, _, _, _ := newServiceFixture(t)
	ctx := context.Background()
	rule, err := svc.CreateRule(ctx, "t1", []byte(lowStockRule))
	require.NoError(t, err)

	// name only: no new version
	_, err = svc.UpdateRule(ctx, "t1", rule.ID, map[string]interface{}{"name": "renamed"})
	require.NoError(t, err)
	versions, err := svc.ListVersions(ctx, "t1", rule.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	// conditions change: version 2
	updated, err := svc.UpdateRule(ctx, "t1", rule.ID, map[string]interface{}{
		"conditions": []interface{}{
			map[string]interface{}{"field": "metadata.stock.quantity", "operator": "<", "value": float64(3)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	versions, err = svc.ListVersions(ctx, "t1", rule.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[1].Version)

	// invalid patch leaves the rule untouched
	_, err = svc.UpdateRule(ctx, "t1", rule.ID, map[string]interface{}{"trigger": map[string]interface{}{"kind": "event"}})
	require.Error(t, err)
	stored, err := svc.GetRule(ctx, "t1", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "inventory.updated", stored.Trigger.EventType)

	_, err = svc.UpdateRule(ctx, "t2", rule.ID, map[string]interface{}{"name": "x"})
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestAutomationService_TimeRulesFollowLifecycle(t *testing.T) {
	svc, _, sched, rules := newServiceFixture(t)
	ctx := context.Background()

	// registered before start, scheduled by Start
	early, err := svc.CreateRule(ctx, "t1", []byte(hourlyRule))
	require.NoError(t, err)
	_, ok := rules.Get(RuleTaskID(early.ID))
	assert.True(t, ok)
	assert.False(t, sched.IsScheduled(RuleTaskID(early.ID)))

	require.NoError(t, sched.Start(ctx))
	defer sched.Stop(ctx)
	assert.True(t, sched.IsScheduled(RuleTaskID(early.ID)))

	// created while running: scheduled immediately
	late, err := svc.CreateRule(ctx, "t1", []byte(hourlyRule))
	require.NoError(t, err)
	assert.True(t, sched.IsScheduled(RuleTaskID(late.ID)))

	_, err = svc.SetEnabled(ctx, "t1", late.ID, false)
	require.NoError(t, err)
	assert.False(t, sched.IsScheduled(RuleTaskID(late.ID)))
	reg, ok := rules.Get(RuleTaskID(late.ID))
	require.True(t, ok)
	assert.False(t, reg.Enabled)

	_, err = svc.SetEnabled(ctx, "t1", late.ID, true)
	require.NoError(t, err)
	assert.True(t, sched.IsScheduled(RuleTaskID(late.ID)))

	// switching to an event trigger unschedules
	_, err = svc.UpdateRule(ctx, "t1", late.ID, map[string]interface{}{
		"trigger": map[string]interface{}{"kind": "event", "event_type": "order.created"},
	})
	require.NoError(t, err)
	assert.False(t, sched.IsScheduled(RuleTaskID(late.ID)))
	_, ok = rules.Get(RuleTaskID(late.ID))
	assert.False(t, ok)

	require.NoError(t, svc.DeleteRule(ctx, "t1", early.ID))
	assert.False(t, sched.IsScheduled(RuleTaskID(early.ID)))
	assert.ErrorIs(t, svc.DeleteRule(ctx, "t1", early.ID), ErrRuleNotFound)
}

func TestAutomationService_RenameKeepsSchedulePhase(t *testing.T) {
	svc, fx, sched, rules := newServiceFixture(t)
	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop(ctx)

	rule, err := svc.CreateRule(ctx, "t1", []byte(hourlyRule))
	require.NoError(t, err)
	executions := func() int64 {
		var n int64
		require.NoError(t, fx.db.Model(&models.AutomationExecution{}).Where("rule_id = ?", rule.ID).Count(&n).Error)
		return n
	}

	waitForTimer(t, fx.clock, 1)
	fx.clock.Advance(30 * time.Minute)

	// renaming and a no-op patch leave the running unit alone
	_, err = svc.UpdateRule(ctx, "t1", rule.ID, map[string]interface{}{"name": "hourly summary"})
	require.NoError(t, err)
	_, err = svc.UpdateRule(ctx, "t1", rule.ID, map[string]interface{}{})
	require.NoError(t, err)
	reg, ok := rules.Get(RuleTaskID(rule.ID))
	require.True(t, ok)
	assert.Equal(t, "hourly summary", reg.Description)

	fx.clock.Advance(30 * time.Minute)
	require.Eventually(t, func() bool { return executions() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{RuleTaskID(rule.ID)}, sched.Scheduled())

	// a schedule change restarts the unit from now
	_, err = svc.UpdateRule(ctx, "t1", rule.ID, map[string]interface{}{
		"trigger": map[string]interface{}{"kind": "time", "schedule": map[string]interface{}{"kind": "interval", "seconds": float64(60)}},
	})
	require.NoError(t, err)
	waitForTimer(t, fx.clock, 1)
	fx.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return executions() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAutomationService_LoadTimeTriggers(t *testing.T) {
	_, fx, _, rules := newServiceFixture(t)
	ctx := context.Background()
	createRule(t, fx.store, "t1", hourlyRule)
	createRule(t, fx.store, "t2", lowStockRule)

	fresh := NewRegistry("rules")
	other := NewAutomationService(fx.store, fx.engine, nil, fresh, fx.logger)
	n, err := other.LoadTimeTriggers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, fresh.List(), 1)
	assert.Empty(t, rules.List())
}

func TestAutomationService_ExecuteRuleForEvent(t *testing.T) {
	svc, fx, _, _ := newServiceFixture(t)
	ctx := context.Background()
	rule, err := svc.CreateRule(ctx, "t1", []byte(lowStockRule))
	require.NoError(t, err)

	exec, err := svc.ExecuteRuleForEvent(ctx, "t1", rule.ID, stockEvent("t1", "manual-1", 2))
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, exec.Status)
	assert.Len(t, fx.handler.calls, 1)

	_, err = svc.ExecuteRuleForEvent(ctx, "t1", rule.ID, stockEvent("t2", "manual-2", 2))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
