package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"rillcast/internal/core/domain"
	"rillcast/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(RequestLoggerMiddleware(logger.NewContextLogger(zap.New(core))))
	router.GET("/api/v1/sessions/:id", func(c *gin.Context) {
		c.Set(ContextUserID, domain.UserID("u1"))
		c.Status(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s-42", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	router.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "req-1" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" || fields["session_id"] != "s-42" || fields["user_id"] != "u1" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if fields["status_code"] != int64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", fields["status_code"])
	}
}

func TestRequestLoggerMiddleware_GeneratesID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLoggerMiddleware(logger.NewContextLogger(zap.NewNop())))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected a generated request id")
	}
}
