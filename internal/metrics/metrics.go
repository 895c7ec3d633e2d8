package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autoflow_events_published_total",
		Help: "Total number of domain events accepted onto the event bus.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autoflow_events_dropped_total",
		Help: "Total number of domain events rejected because the bus queue was full.",
	})

	EventQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autoflow_event_queue_utilization_ratio",
		Help: "Current event bus queue utilization (0-1).",
	})

	RuleExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoflow_rule_executions_total",
		Help: "Rule executions written, labelled by status.",
	}, []string{"status"})

	RuleExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoflow_rule_execution_duration_ms",
		Help:    "Time spent evaluating and executing a single rule, in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoflow_actions_executed_total",
		Help: "Actions executed, labelled by type and status.",
	}, []string{"action_type", "status"})

	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoflow_scheduler_ticks_total",
		Help: "Scheduler callback invocations, labelled by outcome.",
	}, []string{"outcome"})

	ScheduledUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autoflow_scheduler_units",
		Help: "Number of currently running scheduled units.",
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoflow_webhook_deliveries_total",
		Help: "Webhook delivery attempts, labelled by resulting status.",
	}, []string{"status"})

	WebhookDeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoflow_webhook_delivery_duration_ms",
		Help:    "Outbound webhook request latency in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})

	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autoflow_execution_feed_subscribers",
		Help: "Number of connected execution feed subscribers.",
	})

	// RateLimitDrops counts requests rejected with 429, by limiter key kind.
	RateLimitDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoflow_rate_limit_drops_total",
		Help: "Requests rejected by the ingestion rate limiter.",
	}, []string{"scope"})
)
