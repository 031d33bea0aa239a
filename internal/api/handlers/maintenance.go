// maintenance.go — обработчик POST /api/v1/maintenance/recover.
// Запускает внеочередной проход Recovery Manager по директориям во владении.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	apierrors "github.com/bigkaa/goartstore/ingest-module/internal/api/errors"
	"github.com/bigkaa/goartstore/ingest-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/ingest-module/internal/service"
)

// Recoverer — запуск восстановления.
type Recoverer interface {
	Recover(ctx context.Context) (*service.RecoveryResult, error)
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	recoverer Recoverer
	running   atomic.Bool
	logger    *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(recoverer Recoverer, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		recoverer: recoverer,
		logger:    logger.With(slog.String("component", "maintenance_handler")),
	}
}

type recoverySummary struct {
	ClearedMarker int `json:"cleared_marker"`
	Resumed       int `json:"resumed"`
	RolledBack    int `json:"rolled_back"`
	Failed        int `json:"failed"`
}

type recoverResponse struct {
	StartedAt     time.Time                  `json:"started_at"`
	CompletedAt   time.Time                  `json:"completed_at"`
	Attempts      []service.RecoveredAttempt `json:"attempts"`
	StagingSwept  int                        `json:"staging_swept"`
	ActiveSkipped int                        `json:"active_skipped"`
	Summary       recoverySummary            `json:"summary"`
}

// Recover обрабатывает POST /api/v1/maintenance/recover.
// Восстановление выполняется синхронно. Повторный запрос во время
// выполнения получает 409 RECOVERY_IN_PROGRESS.
func (h *MaintenanceHandler) Recover(w http.ResponseWriter, r *http.Request) {
	if !h.running.CompareAndSwap(false, true) {
		apierrors.RecoveryInProgress(w, "Восстановление уже выполняется")
		return
	}
	defer h.running.Store(false)

	h.logger.Info("Запущено восстановление по запросу оператора",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)

	started := time.Now().UTC()
	// Обрыв соединения клиентом не прерывает восстановление
	res, err := h.recoverer.Recover(context.WithoutCancel(r.Context()))
	if err != nil {
		h.logger.Error("Ошибка восстановления", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка восстановления: "+err.Error())
		return
	}

	attempts := res.Attempts
	if attempts == nil {
		attempts = []service.RecoveredAttempt{}
	}
	writeJSON(w, http.StatusOK, recoverResponse{
		StartedAt:     started,
		CompletedAt:   time.Now().UTC(),
		Attempts:      attempts,
		StagingSwept:  res.StagingSwept,
		ActiveSkipped: res.ActiveSkipped,
		Summary: recoverySummary{
			ClearedMarker: res.Count(service.RecoveryClearedMarker),
			Resumed:       res.Count(service.RecoveryResumed),
			RolledBack:    res.Count(service.RecoveryRolledBack),
			Failed:        res.Count(service.RecoveryFailed),
		},
	})
}
