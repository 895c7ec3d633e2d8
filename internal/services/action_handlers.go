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
	"time"

	"autoflow/internal/models"
	"autoflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NotificationEventType is the webhook event type notification actions are
// delivered under.
const NotificationEventType = "automation.notification"

// NotificationSink accepts notifications for asynchronous delivery.
type NotificationSink interface {
	Enqueue(tenantID, eventType string, payload map[string]interface{}) error
}

// Activity is an audit entry produced by a create_activity action.
type Activity struct {
	TenantID      string                 `json:"tenant_id"`
	ActivityType  string                 `json:"activity_type"`
	Description   string                 `json:"description"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	UserID        string                 `json:"user_id,omitempty"`
	SourceEventID string                 `json:"source_event_id"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// ActivityRecorder persists or forwards activities.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, a *Activity) error
}

// NotificationHandler 通知动作
type NotificationHandler struct {
	sink   NotificationSink
	logger *logrus.Logger
}

func NewNotificationHandler(sink NotificationSink, logger *logrus.Logger) *NotificationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationHandler{sink: sink, logger: logger}
}

func (h *NotificationHandler) Type() models.ActionType { return models.ActionNotification }

func (h *NotificationHandler) Execute(ctx context.Context, action models.Action, evt *DomainEvent) (map[string]interface{}, error) {
	h.logger.WithFields(logrus.Fields{
		"template":   action.String("template"),
		"recipients": action.Params["recipients"],
		"event_id":   evt.EventID,
	}).Info("automation: notification action")

	if h.sink == nil {
		return map[string]interface{}{
			"type":    string(models.ActionNotification),
			"status":  "queued",
			"message": "no notification sink configured",
		}, nil
	}
	payload := map[string]interface{}{
		"template":   action.String("template"),
		"recipients": action.Params["recipients"],
		"message":    action.String("message"),
		"event":      evt,
	}
	if err := h.sink.Enqueue(evt.TenantID, NotificationEventType, payload); err != nil {
		return nil, fmt.Errorf("enqueue notification: %w", err)
	}
	return map[string]interface{}{
		"type":   string(models.ActionNotification),
		"status": "queued",
	}, nil
}

// CreateActivityHandler 创建活动记录动作
type CreateActivityHandler struct {
	recorder ActivityRecorder
	logger   *logrus.Logger
}

func NewCreateActivityHandler(recorder ActivityRecorder, logger *logrus.Logger) *CreateActivityHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &CreateActivityHandler{recorder: recorder, logger: logger}
}

func (h *CreateActivityHandler) Type() models.ActionType { return models.ActionCreateActivity }

func (h *CreateActivityHandler) Execute(ctx context.Context, action models.Action, evt *DomainEvent) (map[string]interface{}, error) {
	activityType := utils.FirstNonEmpty(action.String("activity_type"), evt.EventType)
	h.logger.WithFields(logrus.Fields{
		"activity_type": activityType,
		"description":   action.String("description"),
		"event_id":      evt.EventID,
	}).Info("automation: create activity action")

	if h.recorder == nil {
		return map[string]interface{}{
			"type":    string(models.ActionCreateActivity),
			"status":  "queued",
			"message": "no activity recorder configured",
		}, nil
	}
	a := &Activity{
		TenantID:      evt.TenantID,
		ActivityType:  activityType,
		Description:   action.String("description"),
		EntityType:    evt.EntityType,
		EntityID:      evt.EntityID,
		UserID:        evt.UserID,
		SourceEventID: evt.EventID,
		CreatedAt:     time.Now().UTC(),
	}
	if md, ok := action.Params["metadata"].(map[string]interface{}); ok {
		a.Metadata = md
	}
	if err := h.recorder.RecordActivity(ctx, a); err != nil {
		return nil, fmt.Errorf("record activity: %w", err)
	}
	return map[string]interface{}{
		"type":          string(models.ActionCreateActivity),
		"status":        "recorded",
		"activity_type": activityType,
	}, nil
}

// InvokeAPIHandler calls an external HTTP endpoint. Without an explicit
// body the triggering event is sent as JSON.
type InvokeAPIHandler struct {
	client  *http.Client
	maxBody int
	logger  *logrus.Logger
}

func NewInvokeAPIHandler(client *http.Client, timeout time.Duration, maxBody int, logger *logrus.Logger) *InvokeAPIHandler {
	if client == nil {
		client = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if maxBody <= 0 {
		maxBody = 1000
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &InvokeAPIHandler{client: client, maxBody: maxBody, logger: logger}
}

func (h *InvokeAPIHandler) Type() models.ActionType { return models.ActionInvokeAPI }

func (h *InvokeAPIHandler) Execute(ctx context.Context, action models.Action, evt *DomainEvent) (map[string]interface{}, error) {
	url := action.String("url")
	if url == "" {
		return nil, errors.New("invoke_api: url required")
	}
	method := strings.ToUpper(utils.FirstNonEmpty(action.String("method"), http.MethodPost))

	var body interface{} = evt
	if b, ok := action.Params["body"]; ok {
		body = b
	}
	var reader io.Reader
	if method != http.MethodGet && method != http.MethodHead && body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("invoke_api: encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("invoke_api: build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := action.Params["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	h.logger.WithFields(logrus.Fields{"url": url, "method": method}).Info("automation: invoke api action")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke_api: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, int64(h.maxBody)*4))
	text := utils.Truncate(string(respBody), h.maxBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("invoke_api: %s %s returned %d: %s", method, url, resp.StatusCode, text)
	}
	return map[string]interface{}{
		"type":        string(models.ActionInvokeAPI),
		"status":      "completed",
		"status_code": resp.StatusCode,
		"response":    text,
	}, nil
}
