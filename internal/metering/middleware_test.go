package metering

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"docent/internal/docent"
)

func setupRouter(cfg AccessMiddlewareConfig, tenantID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if tenantID != "" {
			c.Request = c.Request.WithContext(docent.WithTenantID(c.Request.Context(), tenantID))
		}
		c.Next()
	})
	router.Use(AccessMiddleware(cfg))
	router.GET("/api/chat", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestAccessMiddlewareRequiresTenant(t *testing.T) {
	router := setupRouter(AccessMiddlewareConfig{}, "")

	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAccessMiddlewareRateLimits(t *testing.T) {
	router := setupRouter(AccessMiddlewareConfig{
		RateLimiter: NewRateLimiter(1, nil),
	}, "tenant-a")

	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestAccessMiddlewareHonorsOverrides(t *testing.T) {
	limiter := NewRateLimiter(1, map[string]int{"tenant-a": 3})
	router := setupRouter(AccessMiddlewareConfig{RateLimiter: limiter}, "tenant-a")

	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after override limit, got %d", rec.Code)
	}
}

func TestRateLimiterZeroLimitDisables(t *testing.T) {
	limiter := NewRateLimiter(0, nil)
	for i := 0; i < 10; i++ {
		allowed, _, _ := limiter.Allow("tenant-a")
		if !allowed {
			t.Fatal("expected unlimited when limit is zero")
		}
	}
}
