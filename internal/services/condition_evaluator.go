package services

import (
	"strings"

	"autoflow/internal/models"

	"github.com/sirupsen/logrus"
)

// ConditionEvaluator evaluates rule conditions against an event tree.
// It never returns an error: an unknown operator, a missing field or a type
// mismatch all make the condition false.
type ConditionEvaluator struct {
	logger *logrus.Logger
}

func NewConditionEvaluator(logger *logrus.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConditionEvaluator{logger: logger}
}

// Evaluate is the AND of every condition. An empty list matches.
func (e *ConditionEvaluator) Evaluate(conds []models.Condition, tree Value) bool {
	for _, c := range conds {
		if !e.EvaluateOne(c, tree) {
			return false
		}
	}
	return true
}

// EvaluateOne evaluates a single condition.
//
// An absent field is false for every operator except "!=", which treats
// "missing" as different from any expected value.
func (e *ConditionEvaluator) EvaluateOne(c models.Condition, tree Value) bool {
	actual := tree.Lookup(c.Field)
	expected := ValueOf(c.Value)

	if actual.IsAbsent() {
		return c.Operator == models.OpNeq
	}

	switch c.Operator {
	case models.OpEq:
		return actual.Equal(expected)
	case models.OpNeq:
		return !actual.Equal(expected)
	case models.OpGt, models.OpLt, models.OpGte, models.OpLte:
		return orderCompare(c.Operator, actual, expected)
	case models.OpIn:
		list, ok := expected.Array()
		if !ok {
			return false
		}
		for _, item := range list {
			if actual.Equal(item) {
				return true
			}
		}
		return false
	case models.OpContains:
		return containsValue(actual, expected)
	default:
		e.logger.WithField("operator", c.Operator).Debug("automation: unknown condition operator")
		return false
	}
}

// orderCompare supports number/number and string/string.
func orderCompare(op models.Operator, left, right Value) bool {
	var cmp int
	if ln, ok := left.Number(); ok {
		rn, ok := right.Number()
		if !ok {
			return false
		}
		switch {
		case ln < rn:
			cmp = -1
		case ln > rn:
			cmp = 1
		}
	} else if ls, ok := left.Str(); ok {
		rs, ok := right.Str()
		if !ok {
			return false
		}
		cmp = strings.Compare(ls, rs)
	} else {
		return false
	}

	switch op {
	case models.OpGt:
		return cmp > 0
	case models.OpLt:
		return cmp < 0
	case models.OpGte:
		return cmp >= 0
	case models.OpLte:
		return cmp <= 0
	}
	return false
}

// containsValue: substring for strings, element for arrays, key for objects.
func containsValue(haystack, needle Value) bool {
	switch haystack.Kind() {
	case KindString:
		hs, _ := haystack.Str()
		ns, ok := needle.Str()
		return ok && strings.Contains(hs, ns)
	case KindArray:
		items, _ := haystack.Array()
		for _, item := range items {
			if item.Equal(needle) {
				return true
			}
		}
	case KindObject:
		obj, _ := haystack.Object()
		key, ok := needle.Str()
		if !ok {
			return false
		}
		_, found := obj[key]
		return found
	}
	return false
}
