package services

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"autoflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultWebhookMaxRetries = 3
	defaultWebhookRetryDelay = 60
	maxWebhookRetries        = 10
)

// WebhookInput 创建/更新 webhook 的请求体；更新时 nil 字段保持不变
type WebhookInput struct {
	Name       *string           `json:"name"`
	URL        *string           `json:"url"`
	EventType  *string           `json:"event_type"`
	Method     *string           `json:"method"`
	Headers    map[string]string `json:"headers"`
	Secret     *string           `json:"secret"`
	Enabled    *bool             `json:"enabled"`
	MaxRetries *int              `json:"max_retries"`
	RetryDelay *int              `json:"retry_delay"`
}

// WebhookService manages webhook subscriptions.
type WebhookService struct {
	store      *WebhookStore
	dispatcher *WebhookDispatcher
	logger     *logrus.Logger
}

func NewWebhookService(store *WebhookStore, dispatcher *WebhookDispatcher, logger *logrus.Logger) *WebhookService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookService{store: store, dispatcher: dispatcher, logger: logger}
}

func (s *WebhookService) Dispatcher() *WebhookDispatcher { return s.dispatcher }

func (s *WebhookService) CreateWebhook(ctx context.Context, tenantID string, in WebhookInput) (*models.Webhook, error) {
	if tenantID == "" {
		return nil, &ValidationError{Field: "tenant_id", Message: "required"}
	}
	w := &models.Webhook{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Method:     http.MethodPost,
		Enabled:    true,
		MaxRetries: defaultWebhookMaxRetries,
		RetryDelay: defaultWebhookRetryDelay,
	}
	if in.URL == nil {
		return nil, &ValidationError{Field: "url", Message: "required"}
	}
	if in.EventType == nil {
		return nil, &ValidationError{Field: "event_type", Message: "required"}
	}
	if err := applyWebhookInput(w, in); err != nil {
		return nil, err
	}
	if err := s.store.CreateWebhook(ctx, w); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"webhook_id": w.ID, "tenant_id": tenantID, "event_type": w.EventType}).Info("webhooks: created")
	return w, nil
}

func (s *WebhookService) UpdateWebhook(ctx context.Context, tenantID, id string, in WebhookInput) (*models.Webhook, error) {
	w, err := s.store.GetWebhook(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := applyWebhookInput(w, in); err != nil {
		return nil, err
	}
	if err := s.store.SaveWebhook(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *WebhookService) DeleteWebhook(ctx context.Context, tenantID, id string) error {
	return s.store.DeleteWebhook(ctx, tenantID, id)
}

func (s *WebhookService) GetWebhook(ctx context.Context, tenantID, id string) (*models.Webhook, error) {
	return s.store.GetWebhook(ctx, tenantID, id)
}

func (s *WebhookService) ListWebhooks(ctx context.Context, tenantID string, limit, offset int) ([]models.Webhook, int64, error) {
	return s.store.ListWebhooks(ctx, tenantID, limit, offset)
}

func (s *WebhookService) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]models.WebhookDelivery, int64, error) {
	return s.store.ListDeliveries(ctx, f)
}

func (s *WebhookService) GetDelivery(ctx context.Context, tenantID, id string) (*models.WebhookDelivery, []models.WebhookDeliveryAttempt, error) {
	d, err := s.store.GetDelivery(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return d, attempts, nil
}

func applyWebhookInput(w *models.Webhook, in WebhookInput) error {
	if in.Name != nil {
		w.Name = strings.TrimSpace(*in.Name)
	}
	if in.URL != nil {
		u, err := url.Parse(*in.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "url", Message: "must be an absolute http(s) URL"}
		}
		w.URL = *in.URL
	}
	if in.EventType != nil {
		if !eventTypePattern.MatchString(*in.EventType) {
			return &ValidationError{Field: "event_type", Message: "must match '<module>.<action>'"}
		}
		w.EventType = *in.EventType
	}
	if in.Method != nil {
		m := strings.ToUpper(*in.Method)
		switch m {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			return &ValidationError{Field: "method", Message: "must be POST, PUT or PATCH"}
		}
		w.Method = m
	}
	if in.Headers != nil {
		w.Headers = in.Headers
	}
	if in.Secret != nil {
		w.Secret = *in.Secret
	}
	if in.Enabled != nil {
		w.Enabled = *in.Enabled
	}
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 || *in.MaxRetries > maxWebhookRetries {
			return &ValidationError{Field: "max_retries", Message: "must be between 0 and 10"}
		}
		w.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelay != nil {
		if *in.RetryDelay < 1 {
			return &ValidationError{Field: "retry_delay", Message: "must be at least 1 second"}
		}
		w.RetryDelay = *in.RetryDelay
	}
	return nil
}
