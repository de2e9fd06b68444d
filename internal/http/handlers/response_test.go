package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// responseRouter builds a router that stamps a request id and a capturable
// request-scoped logger, mirroring the production middleware chain.
func responseRouter(requestID string, logBuf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", requestID)
		if logBuf != nil {
			lg := zerolog.New(logBuf)
			c.Set("logger", &lg)
		}
		c.Next()
	})
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error envelope is not JSON: %v", err)
	}
	return resp
}

func TestFail_ServerErrorEnvelopeAndLog(t *testing.T) {
	var buf bytes.Buffer
	r := responseRouter("rid-relay-1", &buf)
	r.POST("/zendesk/webhook", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, "internal_error", "relay dispatch failed")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/zendesk/webhook", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", w.Code)
	}
	resp := decodeError(t, w)
	if resp.RequestID != "rid-relay-1" || resp.Code != "internal_error" || resp.Message != "relay dispatch failed" {
		t.Fatalf("envelope = %+v", resp)
	}
	// 5xx responses are logged with request context.
	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), "relay dispatch failed") {
		t.Fatalf("missing server error log:\n%s", buf.String())
	}
}

func TestFail_ClientErrorIsNotLogged(t *testing.T) {
	var buf bytes.Buffer
	r := responseRouter("rid-bad-sig", &buf)
	r.POST("/slack/events", func(c *gin.Context) {
		Fail(c, http.StatusUnauthorized, "invalid_signature", "signature mismatch")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/slack/events", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d; want 401", w.Code)
	}
	resp := decodeError(t, w)
	if resp.RequestID != "rid-bad-sig" || resp.Code != "invalid_signature" {
		t.Fatalf("envelope = %+v", resp)
	}
	if buf.Len() != 0 {
		t.Fatalf("4xx unexpectedly logged:\n%s", buf.String())
	}
}

func TestSuccessHelpers(t *testing.T) {
	r := responseRouter("rid-ok", nil)
	r.GET("/admin/conversations", func(c *gin.Context) {
		ok(c, http.StatusOK, gin.H{"items": []string{"C1"}, "total": 1})
	})
	r.POST("/slack/events", func(c *gin.Context) { ack(c) })
	r.DELETE("/admin/receipts", func(c *gin.Context) { noContent(c) })

	t.Run("ok serializes body with status", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/conversations", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if body["total"] != float64(1) {
			t.Fatalf("body = %#v", body)
		}
	})

	t.Run("ack returns 200 with ok true", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/slack/events", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var body AckResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if !body.OK {
			t.Fatalf("ack body = %+v", body)
		}
	})

	t.Run("noContent writes empty 204", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/admin/receipts", nil))
		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d", w.Code)
		}
		if w.Body.Len() != 0 {
			t.Fatalf("204 carried a body: %q", w.Body.String())
		}
	})
}
