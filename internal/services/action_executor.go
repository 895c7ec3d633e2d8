package services

import (
	"context"
	"fmt"
	"runtime/debug"

	"autoflow/internal/metrics"
	"autoflow/internal/models"

	"github.com/sirupsen/logrus"
)

// ActionHandler executes one kind of action.
type ActionHandler interface {
	Type() models.ActionType
	Execute(ctx context.Context, action models.Action, evt *DomainEvent) (map[string]interface{}, error)
}

// ActionOutcome is the result of a single action.
type ActionOutcome struct {
	Action  models.Action          `json:"action"`
	Result  map[string]interface{} `json:"result"`
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
}

// ActionSummary aggregates the outcomes of an action list.
type ActionSummary struct {
	ActionsExecuted int             `json:"actions_executed"`
	Succeeded       int             `json:"succeeded"`
	Failed          int             `json:"failed"`
	Results         []ActionOutcome `json:"results"`
}

// ActionExecutor dispatches actions to their handlers by type. A failing
// action never stops the ones after it.
type ActionExecutor struct {
	handlers map[models.ActionType]ActionHandler
	logger   *logrus.Logger
}

func NewActionExecutor(logger *logrus.Logger, handlers ...ActionHandler) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	x := &ActionExecutor{handlers: make(map[models.ActionType]ActionHandler, len(handlers)), logger: logger}
	for _, h := range handlers {
		x.Register(h)
	}
	return x
}

// Register adds or replaces the handler for h.Type().
func (x *ActionExecutor) Register(h ActionHandler) {
	x.handlers[h.Type()] = h
}

// Types lists the registered action types.
func (x *ActionExecutor) Types() []models.ActionType {
	out := make([]models.ActionType, 0, len(x.handlers))
	for t := range x.handlers {
		out = append(out, t)
	}
	return out
}

// Execute runs every action in order and returns the aggregated summary.
func (x *ActionExecutor) Execute(ctx context.Context, actions []models.Action, evt *DomainEvent) *ActionSummary {
	summary := &ActionSummary{ActionsExecuted: len(actions), Results: make([]ActionOutcome, 0, len(actions))}
	for _, action := range actions {
		result, err := x.executeOne(ctx, action, evt)
		outcome := ActionOutcome{Action: action, Result: result, Success: err == nil}
		if err != nil {
			outcome.Error = err.Error()
			summary.Failed++
			metrics.ActionsExecuted.WithLabelValues(string(action.Type), "failed").Inc()
			x.logger.WithFields(logrus.Fields{
				"action_type": action.Type,
				"event_id":    evt.EventID,
			}).WithError(err).Error("automation: action failed")
		} else {
			summary.Succeeded++
			metrics.ActionsExecuted.WithLabelValues(string(action.Type), "success").Inc()
		}
		summary.Results = append(summary.Results, outcome)
	}
	return summary
}

func (x *ActionExecutor) executeOne(ctx context.Context, action models.Action, evt *DomainEvent) (result map[string]interface{}, err error) {
	h, ok := x.handlers[action.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported action type: %q", action.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			x.logger.WithField("stack", string(debug.Stack())).Errorf("automation: action %s panicked: %v", action.Type, r)
			result = nil
			err = fmt.Errorf("action %s panicked: %v", action.Type, r)
		}
	}()
	return h.Execute(ctx, action, evt)
}
