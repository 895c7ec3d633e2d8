package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"autoflow/internal/models"
	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 规则、执行记录与事件写入
type AutomationHandler struct {
	service *services.AutomationService
	bus     services.EventPublisher
	feed    *services.ExecutionFeed
	logger  *logrus.Logger
}

func NewAutomationHandler(service *services.AutomationService, bus services.EventPublisher, feed *services.ExecutionFeed, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{service: service, bus: bus, feed: feed, logger: logger}
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	page, pageSize, limit, offset := pageParams(c)
	f := services.RuleFilter{
		TriggerKind: models.TriggerKind(c.Query("trigger_kind")),
		EventType:   c.Query("event_type"),
		Limit:       limit,
		Offset:      offset,
	}
	if v := c.Query("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid enabled", Message: err.Error()})
			return
		}
		f.Enabled = &b
	}
	rules, total, err := h.service.ListRules(c.Request.Context(), tenantID(c), f)
	if err != nil {
		respondError(c, "Failed to list rules", err)
		return
	}
	c.JSON(http.StatusOK, paginated(rules, total, page, pageSize))
}

// CreateRule 创建规则
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), tenantID(c), body)
	if err != nil {
		respondError(c, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GetRule 获取规则
func (h *AutomationHandler) GetRule(c *gin.Context) {
	rule, err := h.service.GetRule(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 局部更新规则，定义变化时生成新版本
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	var patch map[string]interface{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), tenantID(c), c.Param("id"), patch)
	if err != nil {
		respondError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// EnableRule / DisableRule 启停规则
func (h *AutomationHandler) EnableRule(c *gin.Context)  { h.setEnabled(c, true) }
func (h *AutomationHandler) DisableRule(c *gin.Context) { h.setEnabled(c, false) }

func (h *AutomationHandler) setEnabled(c *gin.Context, enabled bool) {
	rule, err := h.service.SetEnabled(c.Request.Context(), tenantID(c), c.Param("id"), enabled)
	if err != nil {
		respondError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	if err := h.service.DeleteRule(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// ListVersions 规则版本历史
func (h *AutomationHandler) ListVersions(c *gin.Context) {
	versions, err := h.service.ListVersions(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to list versions", err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

// TestRule 用给定事件直接执行一条规则（同样受幂等约束）
func (h *AutomationHandler) TestRule(c *gin.Context) {
	evt, ok := h.bindEvent(c)
	if !ok {
		return
	}
	exec, err := h.service.ExecuteRuleForEvent(c.Request.Context(), tenantID(c), c.Param("id"), evt)
	if err != nil {
		respondError(c, "Failed to execute rule", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ListExecutions 执行记录
func (h *AutomationHandler) ListExecutions(c *gin.Context) {
	page, pageSize, limit, offset := pageParams(c)
	execs, total, err := h.service.ListExecutions(c.Request.Context(), services.ExecutionFilter{
		TenantID: tenantID(c),
		RuleID:   c.Query("rule_id"),
		Status:   models.ExecutionStatus(c.Query("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		respondError(c, "Failed to list executions", err)
		return
	}
	c.JSON(http.StatusOK, paginated(execs, total, page, pageSize))
}

// IngestEvent 写入领域事件；默认异步入队，?sync=true 时同步处理并返回执行记录
func (h *AutomationHandler) IngestEvent(c *gin.Context) {
	evt, ok := h.bindEvent(c)
	if !ok {
		return
	}
	if c.Query("sync") == "true" {
		if err := evt.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
			return
		}
		execs, err := h.service.Engine().ProcessEvent(c.Request.Context(), evt)
		if err != nil {
			respondError(c, "Failed to process event", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"event_id": evt.EventID, "executions": execs})
		return
	}
	if err := h.bus.Publish(c.Request.Context(), evt); err != nil {
		respondError(c, "Failed to publish event", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": evt.EventID, "status": "queued"})
}

// StreamExecutions 通过 WebSocket 推送新的执行记录
func (h *AutomationHandler) StreamExecutions(c *gin.Context) {
	if err := h.feed.Serve(c.Writer, c.Request, tenantID(c), c.Query("rule_id")); err != nil {
		h.logger.WithError(err).Warn("execution stream upgrade failed")
	}
}

// bindEvent 解析事件体，补全 event_id/timestamp，并校验租户一致
func (h *AutomationHandler) bindEvent(c *gin.Context) (*services.DomainEvent, bool) {
	var evt services.DomainEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
		return nil, false
	}
	tenant := tenantID(c)
	if evt.TenantID == "" {
		evt.TenantID = tenant
	}
	if evt.TenantID != tenant {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: "tenant_id does not match request tenant"})
		return nil, false
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return &evt, true
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	rules := r.Group("/rules")
	{
		rules.GET("", handler.ListRules)
		rules.POST("", handler.CreateRule)
		rules.GET(":id", handler.GetRule)
		rules.PUT(":id", handler.UpdateRule)
		rules.DELETE(":id", handler.DeleteRule)
		rules.POST(":id/enable", handler.EnableRule)
		rules.POST(":id/disable", handler.DisableRule)
		rules.GET(":id/versions", handler.ListVersions)
		rules.POST(":id/test", handler.TestRule)
	}
	r.GET("/executions", handler.ListExecutions)
	if handler.feed != nil {
		r.GET("/executions/stream", handler.StreamExecutions)
	}
}

// RegisterEventRoutes 事件写入单独注册，便于挂限流中间件
func RegisterEventRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	r.POST("/events", handler.IngestEvent)
}
