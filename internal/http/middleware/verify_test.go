package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func signBody(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func newVerifyRouter(secret string, now func() time.Time) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/events", SlackSignature(secret, now), func(c *gin.Context) {
		c.String(http.StatusOK, "body=%s", RawBody(c))
	})
	return r
}

func TestSlackSignature_Valid(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	r := newVerifyRouter("s3cret", func() time.Time { return fixed })

	body := []byte(`{"type":"event_callback"}`)
	ts := strconv.FormatInt(fixed.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set(headerSlackTimestamp, ts)
	req.Header.Set(headerSlackSignature, signBody("s3cret", ts, body))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `body={"type":"event_callback"}`) {
		t.Fatalf("raw body not preserved: %s", w.Body.String())
	}
}

func TestSlackSignature_WrongSecret(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	r := newVerifyRouter("s3cret", func() time.Time { return fixed })

	body := []byte(`{}`)
	ts := strconv.FormatInt(fixed.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set(headerSlackTimestamp, ts)
	req.Header.Set(headerSlackSignature, signBody("other", ts, body))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("rejection must still be 2xx, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "verification failed") {
		t.Fatalf("body = %s, want verification failed", w.Body.String())
	}
}

func TestSlackSignature_StaleTimestamp(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	r := newVerifyRouter("s3cret", func() time.Time { return fixed })

	body := []byte(`{}`)
	stale := strconv.FormatInt(fixed.Add(-10*time.Minute).Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set(headerSlackTimestamp, stale)
	req.Header.Set(headerSlackSignature, signBody("s3cret", stale, body))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "verification failed") {
		t.Fatalf("stale timestamp not rejected: code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestSlackSignature_MissingHeaders(t *testing.T) {
	r := newVerifyRouter("s3cret", nil)

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "verification failed") {
		t.Fatalf("missing headers not rejected: code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestSlackSignature_FailureNeverReachesHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	reached := false
	r.POST("/events", SlackSignature("s3cret", nil), func(c *gin.Context) {
		reached = true
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if reached {
		t.Fatal("handler ran despite failed verification")
	}
	if !strings.Contains(w.Body.String(), "verification failed") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRawBody_Unset(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if RawBody(c) != nil {
		t.Fatal("RawBody should be nil when the middleware did not run")
	}
}
