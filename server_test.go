package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"bitbucket.org/mmdatafocus/dealsync_backend/utils"
)

func TestCustomErrorLogger_IncludesCorrelationId(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, hook := test.NewNullLogger()

	r := gin.New()
	r.Use(correlationMiddleware())
	r.Use(customErrorLogger(logger))
	r.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.Status(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("x-correlation-id", "cid-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected an error log entry")
	}
	if entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected error level, got %v", entry.Level)
	}
	if got := entry.Data["correlation_id"]; got != "cid-123" {
		t.Fatalf("expected correlation_id cid-123, got %v", got)
	}
}

func TestCorrelationMiddleware_MintsIdWhenAbsent(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var cid string
	var ok bool
	r := gin.New()
	r.Use(correlationMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		cid, ok = utils.GetCorrelationIdFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if !ok || cid == "" {
		t.Fatalf("expected a minted correlation id on the request context")
	}
}
