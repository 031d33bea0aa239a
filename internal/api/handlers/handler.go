// handler.go — APIHandler собирает доменные handlers и регистрирует
// маршруты операторского API на chi-роутере.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// APIHandler — единая точка регистрации маршрутов.
type APIHandler struct {
	health      *HealthHandler
	system      *SystemHandler
	entities    *EntitiesHandler
	failures    *FailuresHandler
	maintenance *MaintenanceHandler
}

// NewAPIHandler создаёт handler для всех endpoints.
func NewAPIHandler(
	health *HealthHandler,
	system *SystemHandler,
	entities *EntitiesHandler,
	failures *FailuresHandler,
	maintenance *MaintenanceHandler,
) *APIHandler {
	return &APIHandler{
		health:      health,
		system:      system,
		entities:    entities,
		failures:    failures,
		maintenance: maintenance,
	}
}

// Routes регистрирует маршруты на роутере.
func (h *APIHandler) Routes(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.system.GetStatus)
		r.Get("/entities", h.entities.ListEntities)
		r.Get("/entities/{code}", h.entities.GetEntity)
		r.Get("/failures", h.failures.ListFailures)
		r.Post("/maintenance/recover", h.maintenance.Recover)
	})
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Границы пагинации.
const (
	defaultLimit = 100
	maxLimit     = 1000
)

// paginationParams читает limit и offset из query string.
// Значения вне допустимых границ приводятся к ним, нечисловые — ошибка.
func paginationParams(r *http.Request) (limit, offset int, err error) {
	limit, offset = defaultLimit, 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, err
		}
		limit = min(max(limit, 1), maxLimit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			return 0, 0, err
		}
		offset = max(offset, 0)
	}
	return limit, offset, nil
}
