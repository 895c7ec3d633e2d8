package services

import (
	"testing"

	"autoflow/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestConditionEvaluator_EmptyListMatches(t *testing.T) {
	e := NewConditionEvaluator(newTestLogger())
	assert.True(t, e.Evaluate(nil, ValueOf(map[string]interface{}{})))
	assert.True(t, e.Evaluate([]models.Condition{}, Absent()))
}

func TestConditionEvaluator_StockQuantity(t *testing.T) {
	e := NewConditionEvaluator(newTestLogger())
	cond := []models.Condition{{Field: "metadata.stock.quantity", Operator: models.OpLt, Value: 10}}

	assert.True(t, e.Evaluate(cond, stockEvent("t1", "e1", 5).Tree()))
	assert.False(t, e.Evaluate(cond, stockEvent("t1", "e2", 10).Tree()))
	assert.False(t, e.Evaluate(cond, stockEvent("t1", "e3", 25).Tree()))
}

func TestConditionEvaluator_Operators(t *testing.T) {
	tree := ValueOf(map[string]interface{}{
		"status":   "open",
		"priority": float64(3),
		"tags":     []interface{}{"vip", "urgent"},
		"note":     "customer asked for a refund",
		"customer": map[string]interface{}{"tier": "gold", "id": "c-9"},
		"closed":   false,
		"nothing":  nil,
	})

	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"eq string", models.Condition{Field: "status", Operator: models.OpEq, Value: "open"}, true},
		{"eq int vs float", models.Condition{Field: "priority", Operator: models.OpEq, Value: 3}, true},
		{"eq type mismatch", models.Condition{Field: "priority", Operator: models.OpEq, Value: "3"}, false},
		{"neq", models.Condition{Field: "status", Operator: models.OpNeq, Value: "closed"}, true},
		{"eq bool", models.Condition{Field: "closed", Operator: models.OpEq, Value: false}, true},
		{"eq null", models.Condition{Field: "nothing", Operator: models.OpEq, Value: nil}, true},
		{"gt", models.Condition{Field: "priority", Operator: models.OpGt, Value: 2}, true},
		{"gte equal", models.Condition{Field: "priority", Operator: models.OpGte, Value: 3}, true},
		{"lte", models.Condition{Field: "priority", Operator: models.OpLte, Value: 2}, false},
		{"lt string", models.Condition{Field: "status", Operator: models.OpLt, Value: "pending"}, true},
		{"gt mixed types", models.Condition{Field: "priority", Operator: models.OpGt, Value: "1"}, false},
		{"in list", models.Condition{Field: "status", Operator: models.OpIn, Value: []interface{}{"new", "open"}}, true},
		{"in list miss", models.Condition{Field: "status", Operator: models.OpIn, Value: []interface{}{"closed"}}, false},
		{"in non-list", models.Condition{Field: "status", Operator: models.OpIn, Value: "open"}, false},
		{"contains substring", models.Condition{Field: "note", Operator: models.OpContains, Value: "refund"}, true},
		{"contains element", models.Condition{Field: "tags", Operator: models.OpContains, Value: "vip"}, true},
		{"contains element miss", models.Condition{Field: "tags", Operator: models.OpContains, Value: "new"}, false},
		{"contains key", models.Condition{Field: "customer", Operator: models.OpContains, Value: "tier"}, true},
		{"contains on number", models.Condition{Field: "priority", Operator: models.OpContains, Value: 3}, false},
		{"nested path", models.Condition{Field: "customer.tier", Operator: models.OpEq, Value: "gold"}, true},
		{"array index path", models.Condition{Field: "tags.1", Operator: models.OpEq, Value: "urgent"}, true},
		{"unknown operator", models.Condition{Field: "status", Operator: "~=", Value: "open"}, false},
	}
	e := NewConditionEvaluator(newTestLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.EvaluateOne(tt.cond, tree))
		})
	}
}

func TestConditionEvaluator_AbsentField(t *testing.T) {
	e := NewConditionEvaluator(newTestLogger())
	tree := ValueOf(map[string]interface{}{"status": "open"})

	for _, op := range []models.Operator{models.OpEq, models.OpGt, models.OpLt, models.OpGte, models.OpLte, models.OpIn, models.OpContains} {
		assert.False(t, e.EvaluateOne(models.Condition{Field: "missing.path", Operator: op, Value: 1}, tree), "operator %s", op)
	}
	assert.True(t, e.EvaluateOne(models.Condition{Field: "missing.path", Operator: models.OpNeq, Value: 1}, tree))
}

func TestConditionEvaluator_AllMustHold(t *testing.T) {
	e := NewConditionEvaluator(newTestLogger())
	tree := stockEvent("t1", "e1", 5).Tree()
	conds := []models.Condition{
		{Field: "metadata.stock.quantity", Operator: models.OpLt, Value: 10},
		{Field: "entity_type", Operator: models.OpEq, Value: "order"},
	}
	assert.False(t, e.Evaluate(conds, tree))
	conds[1].Value = "product"
	assert.True(t, e.Evaluate(conds, tree))
}
