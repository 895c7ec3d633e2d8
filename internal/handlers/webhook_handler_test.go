package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"autoflow/internal/middleware"
	"autoflow/internal/models"
	"autoflow/internal/services"
	"autoflow/pkg/signature"
)

type webhookTestEnv struct {
	*automationTestEnv
	receiverURL string
	status      atomic.Int32
	verified    atomic.Int32
}

func newWebhookTestEnv(t *testing.T) *webhookTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDBForHandlers(t)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	env := &webhookTestEnv{}
	env.status.Store(http.StatusOK)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if signature.Verify(body, r.Header.Get(signature.Header), "s3cret") {
			env.verified.Add(1)
		}
		w.WriteHeader(int(env.status.Load()))
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(receiver.Close)
	env.receiverURL = receiver.URL

	store := services.NewWebhookStore(db)
	dispatcher := services.NewWebhookDispatcher(store, receiver.Client(), clockwork.NewFakeClock(), services.WebhookDispatcherConfig{}, logger)
	svc := services.NewWebhookService(store, dispatcher, logger)

	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(middleware.RequireTenant())
	RegisterWebhookRoutes(api, NewWebhookHandler(svc))
	env.automationTestEnv = &automationTestEnv{router: r, db: db}
	return env
}

func (e *webhookTestEnv) createHook(t *testing.T, tenant string) models.Webhook {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/webhooks", tenant, map[string]interface{}{
		"name":        "crm",
		"url":         e.receiverURL + "/hook",
		"event_type":  "ticket.created",
		"secret":      "s3cret",
		"max_retries": 2,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create webhook status=%d body=%s", w.Code, w.Body.String())
	}
	var hook models.Webhook
	if err := json.Unmarshal(w.Body.Bytes(), &hook); err != nil {
		t.Fatalf("unmarshal webhook: %v", err)
	}
	return hook
}

func TestWebhookHandler_CRUD(t *testing.T) {
	env := newWebhookTestEnv(t)
	hook := env.createHook(t, "t1")
	if hook.Method != http.MethodPost || !hook.Enabled || hook.MaxRetries != 2 || hook.RetryDelay != 60 {
		t.Fatalf("unexpected defaults: %#v", hook)
	}

	w := env.do(t, http.MethodGet, "/api/v1/webhooks/"+hook.ID, "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status=%d", w.Code)
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &raw)
	if _, leaked := raw["secret"]; leaked {
		t.Fatalf("secret must not be serialized: %s", w.Body.String())
	}
	if w := env.do(t, http.MethodGet, "/api/v1/webhooks/"+hook.ID, "t2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant get status=%d", w.Code)
	}

	w = env.do(t, http.MethodPut, "/api/v1/webhooks/"+hook.ID, "t1", map[string]interface{}{"enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("update status=%d body=%s", w.Code, w.Body.String())
	}
	var updated models.Webhook
	_ = json.Unmarshal(w.Body.Bytes(), &updated)
	if updated.Enabled || updated.URL != hook.URL {
		t.Fatalf("partial update lost fields: %#v", updated)
	}

	w = env.do(t, http.MethodGet, "/api/v1/webhooks", "t1", nil)
	var page PaginatedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil || page.Total != 1 {
		t.Fatalf("list total=%d err=%v", page.Total, err)
	}

	if w := env.do(t, http.MethodDelete, "/api/v1/webhooks/"+hook.ID, "t1", nil); w.Code != http.StatusOK {
		t.Fatalf("delete status=%d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/webhooks/"+hook.ID, "t1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", w.Code)
	}
}

func TestWebhookHandler_CreateInvalid(t *testing.T) {
	env := newWebhookTestEnv(t)
	cases := []map[string]interface{}{
		{"event_type": "ticket.created"},
		{"url": "ftp://example.com", "event_type": "ticket.created"},
		{"url": "https://example.com", "event_type": "nodot"},
		{"url": "https://example.com", "event_type": "ticket.created", "method": "GET"},
	}
	for i, body := range cases {
		if w := env.do(t, http.MethodPost, "/api/v1/webhooks", "t1", body); w.Code != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d body=%s", i, w.Code, w.Body.String())
		}
	}
}

func TestWebhookHandler_TriggerAndDeliveries(t *testing.T) {
	env := newWebhookTestEnv(t)
	hook := env.createHook(t, "t1")

	w := env.do(t, http.MethodPost, "/api/v1/webhooks/trigger", "t1", map[string]interface{}{
		"event_type": "ticket.created",
		"payload":    map[string]interface{}{"ticket_id": 42},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trigger status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Deliveries []models.WebhookDelivery `json:"deliveries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Deliveries) != 1 || resp.Deliveries[0].Status != models.DeliverySent {
		t.Fatalf("unexpected deliveries: %#v", resp.Deliveries)
	}
	if env.verified.Load() != 1 {
		t.Fatalf("receiver did not see a valid signature")
	}

	// no subscribers yields an empty list, not null
	w = env.do(t, http.MethodPost, "/api/v1/webhooks/trigger", "t1", map[string]interface{}{"event_type": "order.paid"})
	if w.Code != http.StatusOK || w.Body.String() != `{"deliveries":[]}` {
		t.Fatalf("unexpected empty trigger response: %d %s", w.Code, w.Body.String())
	}

	env.status.Store(http.StatusBadGateway)
	w = env.do(t, http.MethodPost, "/api/v1/webhooks/trigger", "t1", map[string]interface{}{"event_type": "ticket.created"})
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Deliveries) != 1 || resp.Deliveries[0].Status != models.DeliveryRetrying {
		t.Fatalf("expected retrying delivery, got %#v", resp.Deliveries)
	}
	retrying := resp.Deliveries[0]

	w = env.do(t, http.MethodGet, "/api/v1/webhook-deliveries?status=retrying&webhook_id="+hook.ID, "t1", nil)
	var page PaginatedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil || page.Total != 1 {
		t.Fatalf("filtered deliveries total=%d err=%v", page.Total, err)
	}

	w = env.do(t, http.MethodGet, "/api/v1/webhook-deliveries/"+retrying.ID, "t1", nil)
	var detail struct {
		Delivery models.WebhookDelivery          `json:"delivery"`
		Attempts []models.WebhookDeliveryAttempt `json:"attempts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if len(detail.Attempts) != 1 || detail.Attempts[0].StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected attempts: %#v", detail.Attempts)
	}

	// only terminally failed deliveries can be redelivered
	if w := env.do(t, http.MethodPost, "/api/v1/webhook-deliveries/"+retrying.ID+"/redeliver", "t1", nil); w.Code != http.StatusConflict {
		t.Fatalf("redeliver retrying delivery: expected 409, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/webhook-deliveries/missing/redeliver", "t1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("redeliver missing: expected 404, got %d", w.Code)
	}
}

func TestWebhookHandler_TriggerRequiresEventType(t *testing.T) {
	env := newWebhookTestEnv(t)
	if w := env.do(t, http.MethodPost, "/api/v1/webhooks/trigger", "t1", map[string]interface{}{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
