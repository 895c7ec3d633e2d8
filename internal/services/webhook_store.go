package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autoflow/internal/models"

	"gorm.io/gorm"
)

var (
	ErrWebhookNotFound  = errors.New("webhook not found")
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
)

// DeliveryFilter narrows ListDeliveries.
type DeliveryFilter struct {
	TenantID  string
	WebhookID string
	Status    models.DeliveryStatus
	Limit     int
	Offset    int
}

// WebhookStore persists webhooks, deliveries and delivery attempts.
type WebhookStore struct {
	db *gorm.DB
}

func NewWebhookStore(db *gorm.DB) *WebhookStore {
	return &WebhookStore{db: db}
}

func (s *WebhookStore) CreateWebhook(ctx context.Context, w *models.Webhook) error {
	return s.db.WithContext(ctx).Create(w).Error
}

func (s *WebhookStore) SaveWebhook(ctx context.Context, w *models.Webhook) error {
	return s.db.WithContext(ctx).Save(w).Error
}

func (s *WebhookStore) DeleteWebhook(ctx context.Context, tenantID, id string) error {
	res := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&models.Webhook{})
	if res.Error != nil {
		return fmt.Errorf("delete webhook: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

func (s *WebhookStore) GetWebhook(ctx context.Context, tenantID, id string) (*models.Webhook, error) {
	return s.firstWebhook(s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id))
}

// GetWebhookByID loads a webhook without tenant scoping, for retries.
func (s *WebhookStore) GetWebhookByID(ctx context.Context, id string) (*models.Webhook, error) {
	return s.firstWebhook(s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *WebhookStore) firstWebhook(q *gorm.DB) (*models.Webhook, error) {
	var w models.Webhook
	err := q.First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *WebhookStore) ListWebhooks(ctx context.Context, tenantID string, limit, offset int) ([]models.Webhook, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Webhook{}).Where("tenant_id = ?", tenantID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.Webhook
	if err := paginate(q, limit, offset).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// SubscribedWebhooks returns the tenant's enabled webhooks for eventType.
func (s *WebhookStore) SubscribedWebhooks(ctx context.Context, tenantID, eventType string) ([]models.Webhook, error) {
	var out []models.Webhook
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND event_type = ? AND enabled = ?", tenantID, eventType, true).
		Find(&out).Error
	return out, err
}

func (s *WebhookStore) CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *WebhookStore) SaveDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	return s.db.WithContext(ctx).Save(d).Error
}

func (s *WebhookStore) RecordAttempt(ctx context.Context, a *models.WebhookDeliveryAttempt) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *WebhookStore) GetDelivery(ctx context.Context, tenantID, id string) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *WebhookStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]models.WebhookDelivery, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.WebhookDelivery{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.WebhookID != "" {
		q = q.Where("webhook_id = ?", f.WebhookID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.WebhookDelivery
	if err := paginate(q, f.Limit, f.Offset).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *WebhookStore) ListAttempts(ctx context.Context, deliveryID string) ([]models.WebhookDeliveryAttempt, error) {
	var out []models.WebhookDeliveryAttempt
	err := s.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).Order("attempt ASC").Find(&out).Error
	return out, err
}

// DueRetries returns retrying deliveries whose next_retry_at has elapsed.
func (s *WebhookStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.WebhookDelivery
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", models.DeliveryRetrying, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ClaimRetry moves a due retrying delivery back to pending. Only one caller
// can win the claim for a given delivery.
func (s *WebhookStore) ClaimRetry(ctx context.Context, id string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.WebhookDelivery{}).
		Where("id = ? AND status = ? AND next_retry_at <= ?", id, models.DeliveryRetrying, now).
		Updates(map[string]interface{}{
			"status":        models.DeliveryPending,
			"next_retry_at": nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PruneDeliveries deletes terminal deliveries created before the cutoff,
// along with their attempts.
func (s *WebhookStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		terminal := []models.DeliveryStatus{models.DeliverySent, models.DeliveryFailed}
		ids := tx.Model(&models.WebhookDelivery{}).Select("id").
			Where("status IN ? AND created_at < ?", terminal, before)
		if err := tx.Where("delivery_id IN (?)", ids).Delete(&models.WebhookDeliveryAttempt{}).Error; err != nil {
			return err
		}
		res := tx.Where("status IN ? AND created_at < ?", terminal, before).Delete(&models.WebhookDelivery{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}
