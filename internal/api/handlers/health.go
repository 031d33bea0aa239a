// health.go — обработчики health endpoints для Kubernetes probes.
// /health/live — процесс жив
// /health/ready — рабочие директории доступны, индекс построен, каталог отвечает
// /metrics — Prometheus метрики
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/ingest-module/internal/config"
)

// Статусы health check.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

const serviceName = "ingest-module"

// ReadinessChecker — проверка готовности зависимости (PostgreSQL).
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status, message string)
}

// IndexReadinessChecker — проверка готовности индекса.
type IndexReadinessChecker interface {
	IsReady() bool
}

// DependencyHealth — последние результаты проверок topologymetrics.
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthDeps — зависимости HealthHandler. Nil-поля не проверяются.
type HealthDeps struct {
	// Dirs — проверяемые на запись директории: имя проверки → путь
	Dirs         map[string]string
	Index        IndexReadinessChecker
	Dependencies DependencyHealth
	Database     ReadinessChecker
}

// HealthHandler реализует /health/live, /health/ready и /metrics.
type HealthHandler struct {
	deps        HealthDeps
	promHandler http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(deps HealthDeps) *HealthHandler {
	return &HealthHandler{
		deps:        deps,
		promHandler: promhttp.Handler(),
	}
}

// healthCheckResult — результат одной проверки.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string                       `json:"status"`
	Timestamp string                       `json:"timestamp"`
	Version   string                       `json:"version"`
	Service   string                       `json:"service"`
	Checks    map[string]healthCheckResult `json:"checks,omitempty"`
}

// HealthLive обрабатывает GET /health/live. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// Недоступная директория, неготовый индекс или PostgreSQL дают 503.
// Недоступный каталог по данным topologymetrics даёт degraded: попытки
// регистрации откатываются, но процесс продолжает работу.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]healthCheckResult)

	names := make([]string, 0, len(h.deps.Dirs))
	for name := range h.deps.Dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		checks[name] = checkWritable(h.deps.Dirs[name])
	}

	if h.deps.Index != nil {
		if h.deps.Index.IsReady() {
			checks["index"] = healthCheckResult{Status: statusOK}
		} else {
			checks["index"] = healthCheckResult{Status: statusFail, Message: "Индекс не построен"}
		}
	}

	if h.deps.Database != nil {
		status, msg := h.deps.Database.CheckReady()
		checks["postgresql"] = healthCheckResult{Status: status, Message: msg}
	}

	if h.deps.Dependencies != nil {
		checks["catalog"] = catalogCheck(h.deps.Dependencies.Health())
	}

	statuses := make([]string, 0, len(checks))
	for _, c := range checks {
		statuses = append(statuses, c.Status)
	}
	resp := healthResponse{
		Status:    overallStatus(statuses...),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
		Checks:    checks,
	}

	httpStatus := http.StatusOK
	if resp.Status == statusFail {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// checkWritable проверяет, что в директорию можно писать.
func checkWritable(dir string) healthCheckResult {
	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return healthCheckResult{
			Status:  statusFail,
			Message: "Директория недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)
	return healthCheckResult{Status: statusOK}
}

// catalogCheck сводит результаты проверок topologymetrics.
// Пока первая проверка не выполнена, результат ok.
func catalogCheck(health map[string]bool) healthCheckResult {
	for endpoint, healthy := range health {
		if !healthy {
			return healthCheckResult{Status: statusDegraded, Message: "Каталог недоступен: " + endpoint}
		}
	}
	return healthCheckResult{Status: statusOK}
}

// overallStatus: fail, если хоть одна проверка fail; degraded, если хоть
// одна degraded; иначе ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == statusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return statusDegraded
	}
	return statusOK
}
