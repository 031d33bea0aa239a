// entities.go — просмотр сущностей локального хранилища по in-memory индексу.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/ingest-module/internal/api/errors"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/index"
)

// EntitiesHandler — обработчик /api/v1/entities.
type EntitiesHandler struct {
	idx *index.Index
}

// NewEntitiesHandler создаёт обработчик сущностей.
func NewEntitiesHandler(idx *index.Index) *EntitiesHandler {
	return &EntitiesHandler{idx: idx}
}

type entityListResponse struct {
	Items  []*model.EntityMetadata `json:"items"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// ListEntities обрабатывает GET /api/v1/entities?limit=&offset=&status=.
func (h *EntitiesHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paginationParams(r)
	if err != nil {
		apierrors.ValidationError(w, "Некорректные параметры пагинации: "+err.Error())
		return
	}

	status := model.EntityStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusCommitted, model.StatusConfirmed:
	default:
		apierrors.ValidationError(w, "Неизвестный статус: "+string(status))
		return
	}

	items, total := h.idx.List(limit, offset, status)
	if items == nil {
		items = []*model.EntityMetadata{}
	}
	writeJSON(w, http.StatusOK, entityListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetEntity обрабатывает GET /api/v1/entities/{code}.
func (h *EntitiesHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	meta := h.idx.Get(code)
	if meta == nil {
		apierrors.NotFound(w, "Сущность не найдена: "+code)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
