package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health/live", "/health/live"},
		{"/metrics", "/metrics"},
		{"/api/v1/status", "/api/v1/status"},
		{"/api/v1/entities", "/api/v1/entities"},
		{"/api/v1/entities/20261018-1", "/api/v1/entities/{code}"},
		{"/api/v1/entities/", "other"},
		{"/api/v1/entities/a/b", "other"},
		{"/api/v1/maintenance/recover", "/api/v1/maintenance/recover"},
		{"/random", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, хотели %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestRequestLogger_Levels(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		level  string
	}{
		{"ok", "/api/v1/status", http.StatusOK, "level=INFO"},
		{"client error", "/api/v1/entities/x", http.StatusNotFound, "level=WARN"},
		{"server error", "/api/v1/status", http.StatusInternalServerError, "level=ERROR"},
		{"health", "/health/live", http.StatusOK, "level=DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			out := buf.String()
			if !strings.Contains(out, tt.level) {
				t.Errorf("ожидался %s, лог: %s", tt.level, out)
			}
			if !strings.Contains(out, "bytes=4") {
				t.Errorf("размер ответа не записан: %s", out)
			}
		})
	}
}
