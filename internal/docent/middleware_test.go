package docent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"docent/pkg/ctxkeys"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := GetTenantID(ctx); got != "" {
		t.Fatalf("expected empty tenant on bare context, got %q", got)
	}

	ctx = WithTenantID(ctx, "tenant-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithRole(ctx, "admin")
	ctx = WithAuthType(ctx, "jwt")

	if got := GetTenantID(ctx); got != "tenant-1" {
		t.Errorf("GetTenantID = %q, want tenant-1", got)
	}
	if got := GetUserID(ctx); got != "user-1" {
		t.Errorf("GetUserID = %q, want user-1", got)
	}
	if got := GetRole(ctx); got != "admin" {
		t.Errorf("GetRole = %q, want admin", got)
	}
	if got := GetAuthType(ctx); got != "jwt" {
		t.Errorf("GetAuthType = %q, want jwt", got)
	}
}

func TestContextMiddlewareLiftsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	var seenTenant, seenUser, seenRole string
	router.Use(func(c *gin.Context) {
		c.Set(string(ctxkeys.KeyTenantID), "tenant-9")
		c.Set(string(ctxkeys.KeyUserID), "user-9")
		c.Set(string(ctxkeys.KeyRole), "operator")
		c.Next()
	})
	router.Use(ContextMiddleware())
	router.GET("/probe", func(c *gin.Context) {
		ctx := c.Request.Context()
		seenTenant = GetTenantID(ctx)
		seenUser = GetUserID(ctx)
		seenRole = GetRole(ctx)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if seenTenant != "tenant-9" {
		t.Errorf("tenant in request context = %q, want tenant-9", seenTenant)
	}
	if seenUser != "user-9" {
		t.Errorf("user in request context = %q, want user-9", seenUser)
	}
	if seenRole != "operator" {
		t.Errorf("role in request context = %q, want operator", seenRole)
	}
}

func TestContextMiddlewareWithoutIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ContextMiddleware())

	var seenTenant string
	router.GET("/probe", func(c *gin.Context) {
		seenTenant = GetTenantID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	if seenTenant != "" {
		t.Fatalf("expected empty tenant without auth, got %q", seenTenant)
	}
}
