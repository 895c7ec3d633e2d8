package services

import (
	"context"
	"time"

	"autoflow/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Named maintenance task IDs.
const (
	TaskRetryDeliveries = "webhooks.retry_deliveries"
	TaskPruneExecutions = "automation.prune_executions"
	TaskPruneDeliveries = "webhooks.prune_deliveries"
)

// MaintenanceConfig 后台维护任务配置
type MaintenanceConfig struct {
	RetrySweepSeconds      int
	PruneIntervalSeconds   int
	ExecutionRetentionDays int
	DeliveryRetentionDays  int
}

// RegisterMaintenanceTasks adds the platform's named background tasks to
// reg. A zero retention disables the matching prune task.
func RegisterMaintenanceTasks(reg *Registry, dispatcher *WebhookDispatcher, automation *AutomationStore, webhooks *WebhookStore, clock clockwork.Clock, cfg MaintenanceConfig, logger *logrus.Logger) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.RetrySweepSeconds <= 0 {
		cfg.RetrySweepSeconds = 30
	}
	if cfg.PruneIntervalSeconds <= 0 {
		cfg.PruneIntervalSeconds = 24 * 3600
	}

	tasks := []Registration{
		{
			ID:          TaskRetryDeliveries,
			Description: "resubmit webhook deliveries whose retry time has elapsed",
			Schedule:    models.Schedule{Kind: models.ScheduleInterval, Seconds: cfg.RetrySweepSeconds},
			Enabled:     dispatcher != nil,
			Run: func(ctx context.Context, _ time.Time) error {
				n, err := dispatcher.RetryDue(ctx)
				if n > 0 {
					logger.WithField("count", n).Info("maintenance: webhook deliveries retried")
				}
				return err
			},
		},
		{
			ID:          TaskPruneExecutions,
			Description: "delete automation executions past the retention window",
			Schedule:    models.Schedule{Kind: models.ScheduleInterval, Seconds: cfg.PruneIntervalSeconds},
			Enabled:     automation != nil && cfg.ExecutionRetentionDays > 0,
			Run: func(ctx context.Context, _ time.Time) error {
				cutoff := clock.Now().UTC().AddDate(0, 0, -cfg.ExecutionRetentionDays)
				n, err := automation.PruneExecutions(ctx, cutoff)
				if n > 0 {
					logger.WithField("count", n).Info("maintenance: executions pruned")
				}
				return err
			},
		},
		{
			ID:          TaskPruneDeliveries,
			Description: "delete terminal webhook deliveries past the retention window",
			Schedule:    models.Schedule{Kind: models.ScheduleInterval, Seconds: cfg.PruneIntervalSeconds},
			Enabled:     webhooks != nil && cfg.DeliveryRetentionDays > 0,
			Run: func(ctx context.Context, _ time.Time) error {
				cutoff := clock.Now().UTC().AddDate(0, 0, -cfg.DeliveryRetentionDays)
				n, err := webhooks.PruneDeliveries(ctx, cutoff)
				if n > 0 {
					logger.WithField("count", n).Info("maintenance: deliveries pruned")
				}
				return err
			},
		},
	}
	for _, t := range tasks {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
