package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeliveryStatus 投递状态
// pending -> sent | failed | retrying; retrying -> pending (claimed by sweep)
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// Webhook 租户的出站 webhook 订阅
type Webhook struct {
	ID         string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	TenantID   string            `gorm:"type:varchar(36);index;not null" json:"tenant_id"`
	Name       string            `gorm:"size:255" json:"name"`
	URL        string            `gorm:"size:1000;not null" json:"url"`
	EventType  string            `gorm:"size:100;index;not null" json:"event_type"`
	Method     string            `gorm:"size:10;not null" json:"method"`
	Headers    map[string]string `gorm:"serializer:json;type:text" json:"headers,omitempty"`
	Secret     string            `gorm:"size:255" json:"-"`
	Enabled    bool              `gorm:"index" json:"enabled"`
	MaxRetries int               `gorm:"not null" json:"max_retries"`
	RetryDelay int               `gorm:"not null" json:"retry_delay"` // seconds
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// HasSecret reports whether deliveries are signed.
func (w *Webhook) HasSecret() bool { return w.Secret != "" }

// WebhookDelivery 一次投递（含重试状态）
type WebhookDelivery struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	WebhookID      string         `gorm:"type:varchar(36);index;not null" json:"webhook_id"`
	TenantID       string         `gorm:"type:varchar(36);index;not null" json:"tenant_id"`
	EventType      string         `gorm:"size:100;not null" json:"event_type"`
	Status         DeliveryStatus `gorm:"size:16;index;not null" json:"status"`
	Payload        datatypes.JSON `gorm:"not null" json:"payload"`
	ResponseStatus int            `json:"response_status,omitempty"`
	ResponseBody   string         `gorm:"type:text" json:"response_body,omitempty"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount     int            `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt    *time.Time     `gorm:"index" json:"next_retry_at,omitempty"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
}

// Terminal reports whether no further attempt will be made.
func (d *WebhookDelivery) Terminal() bool {
	return d.Status == DeliverySent || d.Status == DeliveryFailed
}

// WebhookDeliveryAttempt 每次 HTTP 尝试的追加式审计记录
type WebhookDeliveryAttempt struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DeliveryID   string    `gorm:"type:varchar(36);index;not null" json:"delivery_id"`
	Attempt      int       `gorm:"not null" json:"attempt"`
	StatusCode   int       `json:"status_code,omitempty"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}
