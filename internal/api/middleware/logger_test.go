package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRedactQueryString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"nothing sensitive", "page=2&q=molar", "page=2&q=molar"},
		{"token redacted", "token=abc&page=2", "page=2&token=%5BREDACTED%5D"},
		{"case insensitive", "API_KEY=xyz", "API_KEY=%5BREDACTED%5D"},
		{"unparseable", "a=%zz", "[UNPARSEABLE]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactQueryString(tt.in); got != tt.want {
				t.Errorf("redactQueryString(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf)))
	r.GET("/ok", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/denied", func(c *gin.Context) {
		c.Set(string(DenyReasonContextKey), "quota_exhausted")
		c.JSON(http.StatusForbidden, gin.H{"error": "no"})
	})
	r.GET("/boom", func(c *gin.Context) { c.JSON(http.StatusInternalServerError, gin.H{"error": "fail"}) })

	tests := []struct {
		path      string
		status    int
		level     string
		mustHave  string
		mustNotBe string
	}{
		{"/ok?token=secret-value", http.StatusOK, `"level":"info"`, `"status":200`, "secret-value"},
		{"/denied", http.StatusForbidden, `"level":"warn"`, `"reason":"quota_exhausted"`, ""},
		{"/boom", http.StatusInternalServerError, `"level":"error"`, `"path":"/boom"`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			buf.Reset()
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, tt.path, nil)
			r.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, w.Code)
			}
			line := buf.String()
			if !strings.Contains(line, tt.level) || !strings.Contains(line, tt.mustHave) {
				t.Errorf("log line %q missing %s or %s", line, tt.level, tt.mustHave)
			}
			if tt.mustNotBe != "" && strings.Contains(line, tt.mustNotBe) {
				t.Errorf("log line leaked %q: %s", tt.mustNotBe, line)
			}
		})
	}
}
