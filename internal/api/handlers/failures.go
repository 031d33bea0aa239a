// failures.go — GET /api/v1/failures: отчёты о попытках, откат которых
// не удался (FAILED_PERMANENTLY). Такие элементы требуют ручного разбора.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/ingest-module/internal/api/errors"
	"github.com/bigkaa/goartstore/ingest-module/internal/service"
)

// FailureLister — источник отчётов.
type FailureLister interface {
	List() ([]*service.FailureReport, error)
}

// FailuresHandler — обработчик отчётов о сбоях.
type FailuresHandler struct {
	reports FailureLister
	logger  *slog.Logger
}

// NewFailuresHandler создаёт обработчик отчётов.
func NewFailuresHandler(reports FailureLister, logger *slog.Logger) *FailuresHandler {
	return &FailuresHandler{
		reports: reports,
		logger:  logger.With(slog.String("component", "failures_handler")),
	}
}

type failureListResponse struct {
	Items []*service.FailureReport `json:"items"`
	Total int                      `json:"total"`
}

// ListFailures обрабатывает GET /api/v1/failures?source=registration|recovery.
// Отчёты отсортированы от новых к старым.
func (h *FailuresHandler) ListFailures(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	switch source {
	case "", service.SourceRegistration, service.SourceRecovery:
	default:
		apierrors.ValidationError(w, "Неизвестный источник: "+source)
		return
	}

	reports, err := h.reports.List()
	if err != nil {
		h.logger.Error("Ошибка чтения отчётов", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Не удалось прочитать отчёты")
		return
	}

	items := make([]*service.FailureReport, 0, len(reports))
	for _, rep := range reports {
		if source == "" || rep.Source == source {
			items = append(items, rep)
		}
	}
	writeJSON(w, http.StatusOK, failureListResponse{Items: items, Total: len(items)})
}
