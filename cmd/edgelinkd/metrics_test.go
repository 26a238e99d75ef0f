package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestMetricsRouterRequiresToken(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	observability.RegisterMetrics()
	router := metricsRouter(zerolog.Nop(), "s3cret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status=%d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `service="edgelinkd",status="401"`) {
		t.Fatalf("rejected request not counted:\n%s", rec.Body.String())
	}
}

func TestMetricsRouterOpenWithoutToken(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	router := metricsRouter(zerolog.Nop(), "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}
