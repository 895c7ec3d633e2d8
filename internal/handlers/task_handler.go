package handlers

import (
	"context"
	"net/http"
	"time"

	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
)

// TaskHandler 查看与手动触发调度单元
type TaskHandler struct {
	scheduler  *services.Scheduler
	registries []*services.Registry
}

func NewTaskHandler(scheduler *services.Scheduler, registries ...*services.Registry) *TaskHandler {
	return &TaskHandler{scheduler: scheduler, registries: registries}
}

// TaskInfo 调度单元状态
type TaskInfo struct {
	services.Registration
	Registry  string `json:"registry"`
	Scheduled bool   `json:"scheduled"`
}

// ListTasks 列出所有注册的任务与规则调度单元
func (h *TaskHandler) ListTasks(c *gin.Context) {
	out := make([]TaskInfo, 0)
	for _, reg := range h.registries {
		for _, r := range reg.List() {
			out = append(out, TaskInfo{
				Registration: r,
				Registry:     reg.Name(),
				Scheduled:    h.scheduler.IsScheduled(r.ID),
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"running": h.scheduler.Running(), "tasks": out})
}

// RunTask 立即执行一次命名任务，不影响其调度
func (h *TaskHandler) RunTask(c *gin.Context) {
	id := c.Param("id")
	for _, reg := range h.registries {
		r, ok := reg.Get(id)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
		defer cancel()
		if err := r.Run(ctx, h.scheduler.Clock().Now()); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Task failed", Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, SuccessResponse{Message: "completed", Data: gin.H{"id": id}})
		return
	}
	c.JSON(http.StatusNotFound, ErrorResponse{Error: "Task not found", Message: id})
}

// RegisterTaskRoutes 注册路由
func RegisterTaskRoutes(r *gin.RouterGroup, handler *TaskHandler) {
	tasks := r.Group("/tasks")
	{
		tasks.GET("", handler.ListTasks)
		tasks.POST(":id/run", handler.RunTask)
	}
}
