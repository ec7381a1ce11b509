package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
)

func healthyCheck() CheckResult {
	return CheckResult{Status: StatusHealthy, Message: "ok"}
}

func degradedCheck() CheckResult {
	return CheckResult{Status: StatusDegraded, Message: "slow"}
}

func unhealthyCheck() CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: "down"}
}

func TestCheckHealthAggregation(t *testing.T) {
	hc := NewHealthChecker("docent", "test")
	hc.AddCheck("a", healthyCheck)
	hc.AddCheck("b", healthyCheck)

	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("status = %q, want healthy", status.Status)
	}
	if len(status.Checks) != 2 {
		t.Fatalf("expected 2 check results, got %d", len(status.Checks))
	}

	hc.AddCheck("c", degradedCheck)
	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("status = %q, want degraded", got)
	}

	hc.AddCheck("d", unhealthyCheck)
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", got)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hc := NewHealthChecker("docent", "test")
	hc.AddCheck("db", healthyCheck)

	router := gin.New()
	router.GET("/healthz", hc.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthy status = %d, want 200", w.Code)
	}

	var body HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Service != "docent" {
		t.Errorf("service = %q, want docent", body.Service)
	}

	hc.AddCheck("kafka", unhealthyCheck)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d, want 503", w.Code)
	}
}

func TestDatabaseHealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	result := DatabaseHealthCheck(db)()
	if result.Status != StatusHealthy {
		t.Fatalf("status = %q, want healthy: %s", result.Status, result.Message)
	}

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	result = DatabaseHealthCheck(db)()
	if result.Status != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", result.Status)
	}
}

func TestKafkaProducerHealthCheckNilClient(t *testing.T) {
	result := KafkaProducerHealthCheck(nil)()
	if result.Status != StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy for nil client", result.Status)
	}
}
