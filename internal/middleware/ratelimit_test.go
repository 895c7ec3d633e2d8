package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"autoflow/internal/config"
	"autoflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newRateLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func doRequest(router *gin.Engine, tenant string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Security.RateLimiting.Enabled = false
	router := newRateLimitedRouter(cfg)

	for i := 0; i < 100; i++ {
		assert.Equal(t, http.StatusOK, doRequest(router, "t1"), "request %d", i)
	}
}

func TestRateLimitMiddleware_BurstPerTenant(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Security.RateLimiting = config.RateLimitingConfig{Enabled: true, RequestsPerSecond: 1, Burst: 3}
	router := newRateLimitedRouter(cfg)
	drops := metrics.RateLimitDrops.WithLabelValues("tenant")
	before := testutil.ToFloat64(drops)

	allowed := 0
	for i := 0; i < 10; i++ {
		if doRequest(router, "tenant-a") == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)

	// other tenants have their own bucket
	assert.Equal(t, http.StatusOK, doRequest(router, "tenant-b"))
	assert.Equal(t, http.StatusTooManyRequests, doRequest(router, "tenant-a"))
	assert.Equal(t, before+8, testutil.ToFloat64(drops))
}

func TestRequireTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequireTenant())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("tenant_id"))
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/test", nil)
	req.Header.Set(TenantHeader, "t-42")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t-42", w.Body.String())
}
