package handlers

import (
	"net/http"

	"autoflow/internal/models"
	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
)

// WebhookHandler 出站 webhook 订阅与投递记录
type WebhookHandler struct {
	service *services.WebhookService
}

func NewWebhookHandler(service *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// WebhookTriggerRequest 手动触发请求
type WebhookTriggerRequest struct {
	EventType string                 `json:"event_type" binding:"required"`
	Payload   map[string]interface{} `json:"payload"`
}

// ListWebhooks 获取 webhook 列表
func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	page, pageSize, limit, offset := pageParams(c)
	hooks, total, err := h.service.ListWebhooks(c.Request.Context(), tenantID(c), limit, offset)
	if err != nil {
		respondError(c, "Failed to list webhooks", err)
		return
	}
	c.JSON(http.StatusOK, paginated(hooks, total, page, pageSize))
}

// CreateWebhook 创建 webhook
func (h *WebhookHandler) CreateWebhook(c *gin.Context) {
	var in services.WebhookInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	hook, err := h.service.CreateWebhook(c.Request.Context(), tenantID(c), in)
	if err != nil {
		respondError(c, "Failed to create webhook", err)
		return
	}
	c.JSON(http.StatusCreated, hook)
}

// GetWebhook 获取 webhook
func (h *WebhookHandler) GetWebhook(c *gin.Context) {
	hook, err := h.service.GetWebhook(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get webhook", err)
		return
	}
	c.JSON(http.StatusOK, hook)
}

// UpdateWebhook 更新 webhook
func (h *WebhookHandler) UpdateWebhook(c *gin.Context) {
	var in services.WebhookInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	hook, err := h.service.UpdateWebhook(c.Request.Context(), tenantID(c), c.Param("id"), in)
	if err != nil {
		respondError(c, "Failed to update webhook", err)
		return
	}
	c.JSON(http.StatusOK, hook)
}

// DeleteWebhook 删除 webhook
func (h *WebhookHandler) DeleteWebhook(c *gin.Context) {
	if err := h.service.DeleteWebhook(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		respondError(c, "Failed to delete webhook", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// TriggerWebhooks 同步向订阅该事件类型的 webhook 投递
func (h *WebhookHandler) TriggerWebhooks(c *gin.Context) {
	var req WebhookTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	deliveries, err := h.service.Dispatcher().Trigger(c.Request.Context(), tenantID(c), req.EventType, req.Payload)
	if err != nil {
		respondError(c, "Failed to trigger webhooks", err)
		return
	}
	if deliveries == nil {
		deliveries = []*models.WebhookDelivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

// ListDeliveries 投递记录
func (h *WebhookHandler) ListDeliveries(c *gin.Context) {
	page, pageSize, limit, offset := pageParams(c)
	out, total, err := h.service.ListDeliveries(c.Request.Context(), services.DeliveryFilter{
		TenantID:  tenantID(c),
		WebhookID: c.Query("webhook_id"),
		Status:    models.DeliveryStatus(c.Query("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		respondError(c, "Failed to list deliveries", err)
		return
	}
	c.JSON(http.StatusOK, paginated(out, total, page, pageSize))
}

// GetDelivery 投递详情（含每次尝试）
func (h *WebhookHandler) GetDelivery(c *gin.Context) {
	d, attempts, err := h.service.GetDelivery(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get delivery", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": d, "attempts": attempts})
}

// Redeliver 重新投递一条最终失败的记录
func (h *WebhookHandler) Redeliver(c *gin.Context) {
	d, err := h.service.Dispatcher().Redeliver(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to redeliver", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// RegisterWebhookRoutes 注册路由
func RegisterWebhookRoutes(r *gin.RouterGroup, handler *WebhookHandler) {
	hooks := r.Group("/webhooks")
	{
		hooks.GET("", handler.ListWebhooks)
		hooks.POST("", handler.CreateWebhook)
		hooks.POST("trigger", handler.TriggerWebhooks)
		hooks.GET(":id", handler.GetWebhook)
		hooks.PUT(":id", handler.UpdateWebhook)
		hooks.DELETE(":id", handler.DeleteWebhook)
	}
	deliveries := r.Group("/webhook-deliveries")
	{
		deliveries.GET("", handler.ListDeliveries)
		deliveries.GET(":id", handler.GetDelivery)
		deliveries.POST(":id/redeliver", handler.Redeliver)
	}
}
