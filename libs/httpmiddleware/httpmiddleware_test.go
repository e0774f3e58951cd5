package httpmiddleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Leeelics/Folio/libs/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareChain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	m := metrics.NewHTTP(prometheus.NewRegistry())

	r := gin.New()
	r.Use(RequestID(), Logger(logger, m), Recovery(logger))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get(RequestIDHeader) != "req-1" {
		t.Fatalf("expected request id echoed, got %d %q", rec.Code, rec.Header().Get(RequestIDHeader))
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected recovery to return 500, got %d", rec.Code)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}

	if got := testutil.ToFloat64(m.RequestCount.WithLabelValues(http.MethodGet, "/ok", "204")); got != 1 {
		t.Fatalf("expected one /ok request counted, got %v", got)
	}
	if !strings.Contains(buf.String(), `"panic"`) || !strings.Contains(buf.String(), `"request_id":"req-1"`) {
		t.Fatalf("expected panic and request logs, got %s", buf.String())
	}
}
