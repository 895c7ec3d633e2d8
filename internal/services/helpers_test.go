package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"autoflow/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:autoflow_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func newFakeClock() clockwork.FakeClock {
	return clockwork.NewFakeClockAt(testEpoch)
}

// recordingHandler captures every action it receives.
type recordingHandler struct {
	typ   models.ActionType
	calls []models.Action
	err   error
	panic bool
}

func (h *recordingHandler) Type() models.ActionType { return h.typ }

func (h *recordingHandler) Execute(_ context.Context, action models.Action, _ *DomainEvent) (map[string]interface{}, error) {
	h.calls = append(h.calls, action)
	if h.panic {
		panic("boom")
	}
	if h.err != nil {
		return nil, h.err
	}
	return map[string]interface{}{"type": string(h.typ), "status": "ok"}, nil
}

type engineFixture struct {
	db       *gorm.DB
	store    *AutomationStore
	engine   *AutomationEngine
	handler  *recordingHandler
	clock    clockwork.FakeClock
	logger   *logrus.Logger
	executor *ActionExecutor
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db := newTestDB(t)
	log := newTestLogger()
	clock := newFakeClock()
	h := &recordingHandler{typ: models.ActionNotification}
	executor := NewActionExecutor(log, h)
	store := NewAutomationStore(db)
	engine := NewAutomationEngine(store, NewConditionEvaluator(log), executor, clock, log)
	return &engineFixture{db: db, store: store, engine: engine, handler: h, clock: clock, logger: log, executor: executor}
}

func stockEvent(tenantID, eventID string, quantity float64) *DomainEvent {
	return &DomainEvent{
		EventID:    eventID,
		EventType:  "inventory.updated",
		EntityType: "product",
		EntityID:   "p-1",
		TenantID:   tenantID,
		Timestamp:  testEpoch,
		Metadata: map[string]interface{}{
			"stock": map[string]interface{}{"quantity": quantity},
		},
	}
}

const lowStockRule = `{
	"name": "low stock",
	"trigger": {"kind": "event", "event_type": "inventory.updated"},
	"conditions": [{"field": "metadata.stock.quantity", "operator": "<", "value": 10}],
	"actions": [{"type": "notification", "template": "low_stock", "recipients": ["ops@example.com"]}]
}`
