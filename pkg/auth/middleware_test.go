package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"docent/pkg/ctxkeys"
)

var testSecret = []byte("test-secret")

func setupAuthRouter(t *testing.T, opts ...JWTOption) (*gin.Engine, *map[string]string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	seen := map[string]string{}
	router.Use(JWTAuthMiddleware(testSecret, opts...))
	router.GET("/probe", func(c *gin.Context) {
		seen["tenant_id"] = c.GetString(string(ctxkeys.KeyTenantID))
		seen["user_id"] = c.GetString(string(ctxkeys.KeyUserID))
		seen["role"] = c.GetString(string(ctxkeys.KeyRole))
		seen["auth_type"] = c.GetString(string(ctxkeys.KeyAuthType))
		c.Status(http.StatusOK)
	})
	return router, &seen
}

func TestJWTAuthMiddlewareValidToken(t *testing.T) {
	router, seen := setupAuthRouter(t)

	token, err := GenerateJWT("user-1", "tenant-1", "a@b.test", "admin", testSecret)
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if (*seen)["tenant_id"] != "tenant-1" || (*seen)["user_id"] != "user-1" {
		t.Fatalf("identity not injected: %v", *seen)
	}
	if (*seen)["auth_type"] != "jwt" {
		t.Errorf("auth_type = %q, want jwt", (*seen)["auth_type"])
	}
}

func TestJWTAuthMiddlewareMissingHeader(t *testing.T) {
	router, _ := setupAuthRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestJWTAuthMiddlewareInvalidToken(t *testing.T) {
	router, _ := setupAuthRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestJWTAuthMiddlewareWrongSecret(t *testing.T) {
	router, _ := setupAuthRouter(t)

	token, err := GenerateJWT("user-1", "tenant-1", "a@b.test", "admin", []byte("other-secret"))
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestJWTAuthMiddlewareCookieFallback(t *testing.T) {
	router, seen := setupAuthRouter(t)

	token, err := GenerateJWT("user-2", "tenant-2", "c@d.test", "member", testSecret)
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: token})
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if (*seen)["tenant_id"] != "tenant-2" {
		t.Fatalf("tenant from cookie = %q, want tenant-2", (*seen)["tenant_id"])
	}
}

func TestJWTAuthMiddlewareAPIKey(t *testing.T) {
	router, seen := setupAuthRouter(t, WithAPIKeys(map[string]APIKeyIdentity{
		"static-key-123": {TenantID: "tenant-api", UserID: "svc-user", Role: "admin"},
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer static-key-123")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if (*seen)["tenant_id"] != "tenant-api" || (*seen)["auth_type"] != "api_key" {
		t.Fatalf("api key identity not injected: %v", *seen)
	}
}

func TestValidateServiceToken(t *testing.T) {
	if err := ValidateServiceToken("", "expected"); err == nil {
		t.Error("expected error for empty token")
	}
	if err := ValidateServiceToken("wrong", "expected"); err == nil {
		t.Error("expected error for mismatched token")
	}
	if err := ValidateServiceToken("expected", "expected"); err != nil {
		t.Errorf("unexpected error for matching token: %v", err)
	}
}
