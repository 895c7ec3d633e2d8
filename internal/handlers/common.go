package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"autoflow/internal/middleware"
	"autoflow/internal/services"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    int         `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// tenantID 从上下文（RequireTenant 中间件）或请求头读取租户 ID
func tenantID(c *gin.Context) string {
	if v := c.GetString("tenant_id"); v != "" {
		return v
	}
	return c.GetHeader(middleware.TenantHeader)
}

// pageParams 解析 page/page_size，返回 limit/offset
func pageParams(c *gin.Context) (page, pageSize, limit, offset int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	return page, pageSize, pageSize, (page - 1) * pageSize
}

func paginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

// respondError 将服务层错误映射为 HTTP 状态码
func respondError(c *gin.Context, title string, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: title, Message: verr.Message, Details: verr})
	case errors.Is(err, services.ErrRuleNotFound),
		errors.Is(err, services.ErrWebhookNotFound),
		errors.Is(err, services.ErrDeliveryNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: title, Message: err.Error()})
	case errors.Is(err, services.ErrEventQueueFull),
		errors.Is(err, services.ErrEventBusStopped),
		errors.Is(err, services.ErrDispatcherStopped):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: title, Message: err.Error()})
	case errors.Is(err, services.ErrDeliveryNotRetried):
		c.JSON(http.StatusConflict, ErrorResponse{Error: title, Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: title, Message: err.Error()})
	}
}
