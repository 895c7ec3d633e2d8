package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"autoflow/internal/models"
	"autoflow/internal/services"
)

func TestTaskHandler_ListAndRun(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	var runs atomic.Int32
	tasks := services.NewRegistry("tasks")
	if err := tasks.Register(services.Registration{
		ID:       "maintenance.noop",
		Schedule: models.Schedule{Kind: models.ScheduleInterval, Seconds: 60},
		Enabled:  true,
		Run: func(ctx context.Context, firedAt time.Time) error {
			runs.Add(1)
			return nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tasks.Register(services.Registration{
		ID:       "maintenance.broken",
		Schedule: models.Schedule{Kind: models.ScheduleInterval, Seconds: 60},
		Run: func(ctx context.Context, firedAt time.Time) error {
			return errors.New("boom")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	scheduler := services.NewScheduler(clockwork.NewFakeClock(), logger, tasks)

	r := gin.New()
	RegisterTaskRoutes(r.Group("/api/v1"), NewTaskHandler(scheduler, tasks))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list status=%d", w.Code)
	}
	var list struct {
		Running bool       `json:"running"`
		Tasks   []TaskInfo `json:"tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if list.Running || len(list.Tasks) != 2 || list.Tasks[0].Registry != "tasks" || list.Tasks[0].Scheduled {
		t.Fatalf("unexpected list: %#v", list)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/api/v1/tasks/maintenance.noop/run", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || runs.Load() != 1 {
		t.Fatalf("run status=%d runs=%d", w.Code, runs.Load())
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/api/v1/tasks/maintenance.broken/run", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("broken task status=%d", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/api/v1/tasks/missing/run", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing task status=%d", w.Code)
	}
}
