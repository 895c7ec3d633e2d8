package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"autoflow/internal/metrics"
	"autoflow/internal/models"
	"autoflow/pkg/signature"
	"autoflow/pkg/utils"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDispatcherStopped  = errors.New("webhook dispatcher is not running")
	ErrDeliveryQueueFull  = errors.New("webhook delivery queue is full")
	ErrDeliveryNotRetried = errors.New("only failed deliveries can be redelivered")
)

// WebhookDispatcherConfig bounds delivery behaviour.
type WebhookDispatcherConfig struct {
	Timeout          time.Duration
	MaxResponseBytes int
	MaxErrorBytes    int
	MaxRetryDelay    time.Duration
	RetryBatchSize   int
	QueueSize        int
	Workers          int
}

func (c *WebhookDispatcherConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 1000
	}
	if c.MaxErrorBytes <= 0 {
		c.MaxErrorBytes = 500
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = time.Hour
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = 100
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

type queuedNotification struct {
	tenantID  string
	eventType string
	payload   map[string]interface{}
}

// WebhookDispatcher signs and delivers payloads to subscribed webhooks and
// retries failed deliveries with exponential backoff.
type WebhookDispatcher struct {
	store  *WebhookStore
	client *http.Client
	clock  clockwork.Clock
	cfg    WebhookDispatcherConfig
	logger *logrus.Logger
	tracer trace.Tracer

	mu      sync.RWMutex
	queue   chan queuedNotification
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWebhookDispatcher(store *WebhookStore, client *http.Client, clock clockwork.Clock, cfg WebhookDispatcherConfig, logger *logrus.Logger) *WebhookDispatcher {
	cfg.setDefaults()
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookDispatcher{
		store:  store,
		client: client,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("autoflow.webhooks"),
	}
}

// Trigger delivers payload to every enabled webhook of the tenant subscribed
// to eventType, concurrently. The returned error is non-nil only when a
// delivery record could not be written.
func (d *WebhookDispatcher) Trigger(ctx context.Context, tenantID, eventType string, payload interface{}) ([]*models.WebhookDelivery, error) {
	ctx, span := d.tracer.Start(ctx, "webhooks.trigger")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.tenant.id", tenantID),
		attribute.String("webhook.event.type", eventType),
	)

	hooks, err := d.store.SubscribedWebhooks(ctx, tenantID, eventType)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load webhooks: %w", err)
	}
	if len(hooks) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	span.SetAttributes(attribute.Int("webhook.subscribers", len(hooks)))

	deliveries := make([]*models.WebhookDelivery, len(hooks))
	var g errgroup.Group
	for i := range hooks {
		i := i
		g.Go(func() error {
			dl, err := d.Deliver(ctx, &hooks[i], eventType, raw)
			deliveries[i] = dl
			return err
		})
	}
	err = g.Wait()

	out := deliveries[:0]
	for _, dl := range deliveries {
		if dl != nil {
			out = append(out, dl)
		}
	}
	return out, err
}

// Deliver records a pending delivery of raw to hook and attempts it once.
func (d *WebhookDispatcher) Deliver(ctx context.Context, hook *models.Webhook, eventType string, raw []byte) (*models.WebhookDelivery, error) {
	dl := &models.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: hook.ID,
		TenantID:  hook.TenantID,
		EventType: eventType,
		Status:    models.DeliveryPending,
		Payload:   raw,
	}
	if err := d.store.CreateDelivery(ctx, dl); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	if err := d.attempt(ctx, hook, dl); err != nil {
		return dl, err
	}
	return dl, nil
}

// attempt performs one HTTP request for dl and stores the outcome.
func (d *WebhookDispatcher) attempt(ctx context.Context, hook *models.Webhook, dl *models.WebhookDelivery) error {
	ctx, span := d.tracer.Start(ctx, "webhooks.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.id", hook.ID),
		attribute.String("webhook.delivery.id", dl.ID),
		attribute.Int("webhook.delivery.retry_count", dl.RetryCount),
	)

	started := d.clock.Now().UTC()
	status, body, sendErr := d.send(ctx, hook, dl)
	finished := d.clock.Now().UTC()
	metrics.WebhookDeliveryDuration.Observe(float64(finished.Sub(started).Milliseconds()))

	rec := &models.WebhookDeliveryAttempt{
		DeliveryID: dl.ID,
		Attempt:    dl.RetryCount + 1,
		StatusCode: status,
		StartedAt:  started,
		FinishedAt: finished,
	}
	dl.ResponseStatus = status
	log := d.logger.WithFields(logrus.Fields{"webhook_id": hook.ID, "delivery_id": dl.ID})

	if sendErr == nil && status >= 200 && status < 300 {
		dl.Status = models.DeliverySent
		dl.ResponseBody = utils.Truncate(body, d.cfg.MaxResponseBytes)
		dl.ErrorMessage = ""
		dl.NextRetryAt = nil
		dl.SentAt = &finished
		log.WithField("status_code", status).Info("webhooks: delivered")
	} else {
		msg := fmt.Sprintf("HTTP %d: %s", status, body)
		if sendErr != nil {
			msg = sendErr.Error()
			span.RecordError(sendErr)
		}
		dl.ErrorMessage = utils.Truncate(msg, d.cfg.MaxErrorBytes)
		dl.ResponseBody = utils.Truncate(body, d.cfg.MaxResponseBytes)
		rec.ErrorMessage = dl.ErrorMessage
		d.applyFailure(dl, hook, finished)
		log.WithFields(logrus.Fields{
			"status":      dl.Status,
			"retry_count": dl.RetryCount,
		}).Warnf("webhooks: delivery failed: %s", dl.ErrorMessage)
	}
	metrics.WebhookDeliveries.WithLabelValues(string(dl.Status)).Inc()
	span.SetAttributes(attribute.String("webhook.delivery.status", string(dl.Status)))

	if err := d.store.RecordAttempt(ctx, rec); err != nil {
		log.WithError(err).Warn("webhooks: record attempt failed")
	}
	if err := d.store.SaveDelivery(ctx, dl); err != nil {
		return fmt.Errorf("save delivery: %w", err)
	}
	return nil
}

func (d *WebhookDispatcher) send(ctx context.Context, hook *models.Webhook, dl *models.WebhookDelivery) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	method := strings.ToUpper(utils.FirstNonEmpty(hook.Method, http.MethodPost))
	req, err := http.NewRequestWithContext(ctx, method, hook.URL, bytes.NewReader(dl.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}
	if hook.HasSecret() {
		req.Header.Set(signature.Header, signature.Sign(dl.Payload, hook.Secret))
	}
	req.Header.Set("X-Webhook-Event", dl.EventType)
	req.Header.Set("X-Webhook-Delivery", dl.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.cfg.MaxResponseBytes)*4))
	return resp.StatusCode, string(body), nil
}

// applyFailure moves a failed attempt to retrying or terminal failed.
// retry_count counts scheduled retries and never exceeds max_retries.
func (d *WebhookDispatcher) applyFailure(dl *models.WebhookDelivery, hook *models.Webhook, now time.Time) {
	if dl.RetryCount < hook.MaxRetries {
		next := now.Add(d.Backoff(hook.RetryDelay, dl.RetryCount))
		dl.RetryCount++
		dl.Status = models.DeliveryRetrying
		dl.NextRetryAt = &next
		return
	}
	dl.Status = models.DeliveryFailed
	dl.NextRetryAt = nil
}

// Backoff returns retryDelay seconds * 2^retryCount, capped at the
// configured maximum. retryCount is the number of retries already scheduled.
func (d *WebhookDispatcher) Backoff(retryDelaySeconds, retryCount int) time.Duration {
	base := time.Duration(retryDelaySeconds) * time.Second
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= d.cfg.MaxRetryDelay {
			return d.cfg.MaxRetryDelay
		}
	}
	if delay > d.cfg.MaxRetryDelay {
		return d.cfg.MaxRetryDelay
	}
	return delay
}

// RetryDue resubmits retrying deliveries whose next_retry_at has elapsed.
// Each delivery is claimed with a conditional update first, so overlapping
// sweeps never send the same retry twice.
func (d *WebhookDispatcher) RetryDue(ctx context.Context) (int, error) {
	now := d.clock.Now().UTC()
	due, err := d.store.DueRetries(ctx, now, d.cfg.RetryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due retries: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		retried int
		g       errgroup.Group
	)
	g.SetLimit(d.cfg.Workers)
	for i := range due {
		dl := &due[i]
		g.Go(func() error {
			ok, err := d.store.ClaimRetry(ctx, dl.ID, now)
			if err != nil || !ok {
				return err
			}
			dl.Status = models.DeliveryPending
			dl.NextRetryAt = nil
			if err := d.retryOne(ctx, dl, now); err != nil {
				return err
			}
			mu.Lock()
			retried++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	d.logger.WithField("count", retried).Debug("webhooks: retry sweep finished")
	return retried, err
}

func (d *WebhookDispatcher) retryOne(ctx context.Context, dl *models.WebhookDelivery, now time.Time) error {
	hook, err := d.store.GetWebhookByID(ctx, dl.WebhookID)
	if err != nil && !errors.Is(err, ErrWebhookNotFound) {
		return err
	}
	if hook == nil || !hook.Enabled {
		dl.Status = models.DeliveryFailed
		dl.ErrorMessage = "webhook removed or disabled before retry"
		dl.UpdatedAt = now
		return d.store.SaveDelivery(ctx, dl)
	}
	return d.attempt(ctx, hook, dl)
}

// Redeliver sends the payload of a terminally failed delivery again as a new
// delivery.
func (d *WebhookDispatcher) Redeliver(ctx context.Context, tenantID, deliveryID string) (*models.WebhookDelivery, error) {
	prev, err := d.store.GetDelivery(ctx, tenantID, deliveryID)
	if err != nil {
		return nil, err
	}
	if prev.Status != models.DeliveryFailed {
		return nil, ErrDeliveryNotRetried
	}
	hook, err := d.store.GetWebhook(ctx, tenantID, prev.WebhookID)
	if err != nil {
		return nil, err
	}
	return d.Deliver(ctx, hook, prev.EventType, prev.Payload)
}

// Start launches the workers that drain the Enqueue queue.
func (d *WebhookDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.queue = make(chan queuedNotification, d.cfg.QueueSize)
	d.running = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, d.queue)
	}
	d.logger.Infof("webhooks: dispatcher started with %d workers", d.cfg.Workers)
}

func (d *WebhookDispatcher) worker(ctx context.Context, queue <-chan queuedNotification) {
	defer d.wg.Done()
	for n := range queue {
		// deliveries in flight finish even if Stop cancelled ctx
		if _, err := d.Trigger(context.WithoutCancel(ctx), n.tenantID, n.eventType, n.payload); err != nil {
			d.logger.WithError(err).WithField("event_type", n.eventType).Error("webhooks: queued trigger failed")
		}
	}
}

// Enqueue hands a payload to the workers without blocking.
func (d *WebhookDispatcher) Enqueue(tenantID, eventType string, payload map[string]interface{}) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return ErrDispatcherStopped
	}
	select {
	case d.queue <- queuedNotification{tenantID: tenantID, eventType: eventType, payload: payload}:
		return nil
	default:
		return ErrDeliveryQueueFull
	}
}

// Stop closes the queue and waits for queued payloads to be delivered,
// bounded by ctx.
func (d *WebhookDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("webhook dispatcher stop: %w", ctx.Err())
	}
}
