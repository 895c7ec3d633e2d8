package middleware

import (
	"net/http"
	"sync"

	"autoflow/internal/config"
	"autoflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// TenantHeader carries the tenant a request acts for.
const TenantHeader = "X-Tenant-ID"

// RateLimitMiddleware 按租户（缺省按客户端 IP）限流，由 cfg.Security.RateLimiting 控制
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || rl.RequestsPerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = rl.RequestsPerSecond
	}

	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	get := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if l, ok := limiters[key]; ok {
			return l
		}
		l := rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
		limiters[key] = l
		return l
	}

	return func(c *gin.Context) {
		key, scope := c.GetHeader(TenantHeader), "tenant"
		if key == "" {
			key, scope = "ip:"+c.ClientIP(), "ip"
		}
		if !get(key).Allow() {
			metrics.RateLimitDrops.WithLabelValues(scope).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RequireTenant 拒绝缺少租户头的请求，并把租户 ID 放入上下文
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(TenantHeader)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "Bad Request",
				"message": TenantHeader + " header is required",
			})
			return
		}
		c.Set("tenant_id", tenantID)
		c.Next()
	}
}
