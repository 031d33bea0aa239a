// metrics.go — Prometheus HTTP метрики операторского API.
// Метрики процесса регистрации (im_attempts_total и др.) регистрируются
// в пакете service.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_http_requests_total",
			Help: "Общее количество HTTP-запросов к Ingest Module",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "im_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Ingest Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// entitiesPrefix — префикс маршрута метаданных сущности.
const entitiesPrefix = "/api/v1/entities/"

// MetricsMiddleware собирает количество и длительность HTTP-запросов.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath заменяет код сущности на {code}, чтобы число рядов
// метрик не росло с числом сущностей. Неизвестные пути сводятся к "other".
// /api/v1/entities/20261018-1 → /api/v1/entities/{code}
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/status", "/api/v1/entities", "/api/v1/failures",
		"/api/v1/maintenance/recover":
		return path
	}
	if code, ok := strings.CutPrefix(path, entitiesPrefix); ok && code != "" && !strings.Contains(code, "/") {
		return entitiesPrefix + "{code}"
	}
	return "other"
}
