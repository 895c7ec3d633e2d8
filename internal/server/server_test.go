package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"autoflow/internal/config"
	"autoflow/internal/middleware"
	"autoflow/internal/models"
	"autoflow/internal/services"
)

func newTestServer(t *testing.T) (*Server, clockwork.FakeClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:server_"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := config.GetDefaultConfig()
	cfg.Scheduler.StopTimeout = 5 * time.Second
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	clock := clockwork.NewFakeClock()
	srv, err := New(cfg, db, logger, "test", WithClock(clock))
	require.NoError(t, err)
	return srv, clock
}

func request(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.TenantHeader, "t1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_EventToExecution(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))

	w := request(t, srv.Handler(), http.MethodPost, "/api/v1/rules", `{
		"name": "low stock",
		"trigger": {"kind": "event", "event_type": "inventory.updated"},
		"conditions": [{"field": "metadata.stock.quantity", "operator": "<", "value": 10}],
		"actions": [{"type": "create_activity", "activity_type": "restock"}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = request(t, srv.Handler(), http.MethodPost, "/api/v1/events", `{
		"event_id": "evt-async",
		"event_type": "inventory.updated",
		"entity_type": "product",
		"entity_id": "p-1",
		"metadata": {"stock": {"quantity": 2}}
	}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// Shutdown drains the event bus
	require.NoError(t, srv.Shutdown(ctx))

	var execs []models.AutomationExecution
	require.NoError(t, srv.db.Find(&execs).Error)
	require.Len(t, execs, 1)
	assert.Equal(t, "evt-async", execs[0].EventID)
	assert.Equal(t, models.ExecutionSuccess, execs[0].Status)
}

func TestServer_StartSchedulesTimeRules(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	w := request(t, srv.Handler(), http.MethodPost, "/api/v1/rules", `{
		"name": "hourly digest",
		"trigger": {"kind": "time", "schedule": {"kind": "interval", "seconds": 3600}},
		"actions": [{"type": "notification", "template": "digest"}]
	}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rule models.Rule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))

	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Shutdown(ctx) })

	assert.True(t, srv.scheduler.IsScheduled(services.RuleTaskID(rule.ID)))
	assert.True(t, srv.scheduler.IsScheduled(services.TaskRetryDeliveries))

	w = request(t, srv.Handler(), http.MethodGet, "/api/v1/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), services.RuleTaskID(rule.ID))
	assert.Contains(t, w.Body.String(), `"registry":"rules"`)

	w = request(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestServer_Routes(t *testing.T) {
	srv, _ := newTestServer(t)

	// tenant header is required on tenant-scoped routes
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(t, srv.Handler(), http.MethodOptions, "/api/v1/rules", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), middleware.TenantHeader)

	// event bus not started
	w = request(t, srv.Handler(), http.MethodPost, "/api/v1/events", `{"event_id":"e","event_type":"order.paid"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
