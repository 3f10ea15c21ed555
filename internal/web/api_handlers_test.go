package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/calsyncd/calsyncd/internal/notify"
)

func TestTestAlertRejectsUnsafeURLs(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := &Handlers{notifier: notify.New(&notify.Config{DedupWindow: time.Hour}, nil)}
	router := gin.New()
	router.POST("/api/alerts/test", h.TestAlert)

	// Validation fails before any delivery attempt, so no request ever
	// leaves the handler.
	tests := []struct {
		name string
		body string
	}{
		{"missing url", `{}`},
		{"empty url", `{"webhook_url": ""}`},
		{"plain http", `{"webhook_url": "http://example.com/hook"}`},
		{"localhost", `{"webhook_url": "https://127.0.0.1/hook"}`},
		{"private address", `{"webhook_url": "https://192.168.1.10/hook"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/alerts/test", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400 for %q, got %d (%s)", tt.body, w.Code, w.Body.String())
			}
		})
	}
}
