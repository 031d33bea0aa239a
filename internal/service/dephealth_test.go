package service

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// catalogHealthServer — mock HTTP-каталога, отвечающий на /health/live.
func catalogHealthServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/live" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewDephealthService_HTTPCatalog(t *testing.T) {
	srv := catalogHealthServer(t, http.StatusOK)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	// Используем изолированный Prometheus registry для тестов
	reg := prometheus.NewRegistry()

	ds, err := NewDephealthServiceWithRegisterer(
		"test-im-01",
		"ingest-module",
		CatalogDependency{Name: "catalog", HTTPURL: srv.URL},
		5*time.Second,
		logger,
		reg,
	)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestNewDephealthService_NoDependency(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := NewDephealthServiceWithRegisterer(
		"test-im-01",
		"ingest-module",
		CatalogDependency{Name: "catalog"},
		5*time.Second,
		logger,
		prometheus.NewRegistry(),
	)
	if err == nil {
		t.Fatal("Ожидалась ошибка для пустой зависимости")
	}
}

func TestDephealthService_Health(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "каталог доступен", status: http.StatusOK, want: true},
		{name: "каталог отвечает 500", status: http.StatusInternalServerError, want: false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := catalogHealthServer(t, tt.status)
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

			ds, err := NewDephealthServiceWithRegisterer(
				"test-im-0"+string(rune('2'+i)),
				"ingest-module",
				CatalogDependency{Name: "catalog", HTTPURL: srv.URL},
				1*time.Second,
				logger,
				prometheus.NewRegistry(),
			)
			if err != nil {
				t.Fatalf("Ошибка создания DephealthService: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := ds.Start(ctx); err != nil {
				t.Fatalf("Ошибка запуска: %v", err)
			}
			defer ds.Stop()

			// Даём время на первую проверку (интервал 1s + запас)
			time.Sleep(3 * time.Second)

			// Health возвращает map с ключами формата "dependency:host:port"
			health := ds.Health()
			found := false
			for key, val := range health {
				if strings.HasPrefix(key, "catalog:") {
					found = true
					if val != tt.want {
						t.Errorf("catalog health = %v для ключа %q, ожидалось %v", val, key, tt.want)
					}
					break
				}
			}
			if !found {
				t.Errorf("Нет записи для catalog в Health(), keys=%v", healthKeys(health))
			}
		})
	}
}

// healthKeys возвращает ключи карты health для вывода в сообщениях об ошибках.
func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
