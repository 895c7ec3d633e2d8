package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EnhancedHealthHandler 增强的健康检查处理器
type EnhancedHealthHandler struct {
	version   string
	db        *gorm.DB
	redis     *redis.Client
	scheduler *services.Scheduler
	bus       *services.EventBus
	feed      *services.ExecutionFeed
	logger    *logrus.Logger
}

// HealthDeps 健康检查依赖，缺省的组件不参与检查
type HealthDeps struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Scheduler *services.Scheduler
	Bus       *services.EventBus
	Feed      *services.ExecutionFeed
}

// NewEnhancedHealthHandler 创建增强的健康检查处理器
func NewEnhancedHealthHandler(version string, deps HealthDeps, logger *logrus.Logger) *EnhancedHealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EnhancedHealthHandler{
		version:   version,
		db:        deps.DB,
		redis:     deps.Redis,
		scheduler: deps.Scheduler,
		bus:       deps.Bus,
		feed:      deps.Feed,
		logger:    logger,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

var startTime = time.Now()

// Health 健康检查端点
func (h *EnhancedHealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:     time.Since(startTime).Round(time.Second).String(),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	healthy := true
	if h.db != nil {
		h.checkDatabase(ctx, &response, &healthy)
	}
	if h.redis != nil {
		h.checkRedis(ctx, &response, &healthy)
	}
	if h.scheduler != nil {
		info := ServiceInfo{Status: "healthy", Details: gin.H{"scheduled": len(h.scheduler.Scheduled())}}
		if !h.scheduler.Running() {
			info.Status = "stopped"
			healthy = false
		}
		response.Services["scheduler"] = info
	}
	if h.bus != nil {
		response.Services["event_bus"] = ServiceInfo{Status: "healthy", Details: gin.H{"queued": h.bus.Len()}}
	}
	if h.feed != nil {
		response.Services["execution_feed"] = ServiceInfo{Status: "healthy", Details: gin.H{"clients": h.feed.ClientCount()}}
	}

	if !healthy {
		response.Status = "degraded"
	}
	// degraded 仍返回 200，只有数据库不可用时返回 503
	statusCode := http.StatusOK
	if info, ok := response.Services["database"]; ok && info.Status != "healthy" {
		response.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点，只检查数据库与调度器
func (h *EnhancedHealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	checks := make(map[string]string)

	if h.db != nil {
		if err := pingDB(ctx, h.db); err != nil {
			checks["database"] = "not_ready"
			ready = false
		} else {
			checks["database"] = "ready"
		}
	}
	if h.scheduler != nil {
		if h.scheduler.Running() {
			checks["scheduler"] = "ready"
		} else {
			checks["scheduler"] = "not_ready"
			ready = false
		}
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  checks,
	})
}

func (h *EnhancedHealthHandler) checkDatabase(ctx context.Context, response *HealthResponse, healthy *bool) {
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	if err := pingDB(ctx, h.db); err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		*healthy = false
		h.logger.WithError(err).Warn("database health check failed")
	}
	info.Latency = time.Since(start).String()
	info.Details = gin.H{"driver": h.db.Dialector.Name()}
	response.Services["database"] = info
}

func (h *EnhancedHealthHandler) checkRedis(ctx context.Context, response *HealthResponse, healthy *bool) {
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		*healthy = false
		h.logger.WithError(err).Warn("redis health check failed")
	}
	info.Latency = time.Since(start).String()
	info.Details = gin.H{"addr": h.redis.Options().Addr}
	response.Services["redis"] = info
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
