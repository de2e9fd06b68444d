package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RequestAccounting(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.POST("/slack/events", func(c *gin.Context) {
		c.String(http.StatusOK, `{"ok":true}`)
	})
	r.POST("/zendesk/webhook", func(c *gin.Context) {
		// 204 without a body leaves Writer.Size() at -1, which the size
		// histogram skips.
		c.Status(http.StatusNoContent)
	})

	// Collectors are process-global, so measure deltas rather than absolutes.
	baseEvents := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/slack/events", "200"))
	baseMiss := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/unregistered", "404"))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/slack/events", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("POST /slack/events -> %d", w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/unregistered", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("POST /unregistered -> %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/zendesk/webhook", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("POST /zendesk/webhook -> %d", w.Code)
	}

	got := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/slack/events", "200"))
	if got != baseEvents+3 {
		t.Fatalf("events counter = %v; want %v", got, baseEvents+3)
	}

	// No matched route, so the path label falls back to the raw URL.
	gotMiss := testutil.ToFloat64(httpReqs.WithLabelValues("POST", "/unregistered", "404"))
	if gotMiss != baseMiss+1 {
		t.Fatalf("fallback counter = %v; want %v", gotMiss, baseMiss+1)
	}
}

func TestMetrics_InflightDrainsToZero(t *testing.T) {
	gin.SetMode(gin.TestMode)

	observed := make(chan float64, 1)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/healthz", func(c *gin.Context) {
		observed <- testutil.ToFloat64(httpInflight)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if during := <-observed; during < 1 {
		t.Fatalf("in-flight during handler = %v; want >= 1", during)
	}
	if after := testutil.ToFloat64(httpInflight); after != 0 {
		t.Fatalf("in-flight after completion = %v; want 0", after)
	}
}
