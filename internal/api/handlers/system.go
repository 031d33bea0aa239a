// system.go — обработчик GET /api/v1/status: состояние узла для оператора.
package handlers

import (
	"net/http"

	"github.com/bigkaa/goartstore/ingest-module/internal/config"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/undo"
	"github.com/bigkaa/goartstore/ingest-module/internal/service"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/index"
)

// DropboxReporter — состояние наблюдаемых директорий.
type DropboxReporter interface {
	Status() []service.DropboxStatus
}

// AttemptReporter — попытки в обработке.
type AttemptReporter interface {
	Active() []service.AttemptStatus
}

// PendingReporter — очередь фонового удаления.
type PendingReporter interface {
	Pending() []string
}

// DiskUsageFunc возвращает ёмкость файловой системы каталога в байтах.
type DiskUsageFunc func(path string) (total, used, available int64, err error)

// SystemInfo — неизменяемые сведения об узле.
type SystemInfo struct {
	NodeID         string
	Processor      string
	CatalogBackend string
	StoreDir       string
	Policy         *undo.Policy
}

// SystemHandler — обработчик статуса узла.
type SystemHandler struct {
	info      SystemInfo
	idx       *index.Index
	dropboxes DropboxReporter
	attempts  AttemptReporter
	deletes   PendingReporter
	diskUsage DiskUsageFunc
}

// NewSystemHandler создаёт обработчик статуса.
// diskUsage может быть nil: тогда сведения о диске не выводятся.
func NewSystemHandler(
	info SystemInfo,
	idx *index.Index,
	dropboxes DropboxReporter,
	attempts AttemptReporter,
	deletes PendingReporter,
	diskUsage DiskUsageFunc,
) *SystemHandler {
	return &SystemHandler{
		info:      info,
		idx:       idx,
		dropboxes: dropboxes,
		attempts:  attempts,
		deletes:   deletes,
		diskUsage: diskUsage,
	}
}

type entityCounts struct {
	Total     int   `json:"total"`
	Committed int   `json:"committed"`
	Confirmed int   `json:"confirmed"`
	Bytes     int64 `json:"bytes"`
}

type diskInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

type statusResponse struct {
	NodeID         string                              `json:"node_id"`
	Version        string                              `json:"version"`
	Status         string                              `json:"status"`
	Processor      string                              `json:"processor"`
	CatalogBackend string                              `json:"catalog_backend"`
	Dropboxes      []service.DropboxStatus             `json:"dropboxes"`
	ActiveAttempts []service.AttemptStatus             `json:"active_attempts"`
	Entities       entityCounts                        `json:"entities"`
	PendingDeletes int                                 `json:"pending_deletes"`
	UndoPolicy     map[undo.Classification]undo.Action `json:"undo_policy"`
	Disk           *diskInfo                           `json:"disk,omitempty"`
}

// GetStatus обрабатывает GET /api/v1/status.
// status: "online" или "starting", пока индекс хранилища не построен.
func (h *SystemHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		NodeID:         h.info.NodeID,
		Version:        config.Version,
		Status:         "online",
		Processor:      h.info.Processor,
		CatalogBackend: h.info.CatalogBackend,
		Dropboxes:      h.dropboxes.Status(),
		ActiveAttempts: h.attempts.Active(),
		Entities: entityCounts{
			Total:     h.idx.Count(),
			Committed: h.idx.CountByStatus(model.StatusCommitted),
			Confirmed: h.idx.CountByStatus(model.StatusConfirmed),
			Bytes:     h.idx.TotalSize(),
		},
		PendingDeletes: len(h.deletes.Pending()),
		UndoPolicy:     make(map[undo.Classification]undo.Action),
	}
	if !h.idx.IsReady() {
		resp.Status = "starting"
	}

	// Действие выводится для каждой классификации, включая ненастроенные
	for _, c := range undo.Classifications() {
		resp.UndoPolicy[c] = h.info.Policy.Decide(c, nil)
	}

	if h.diskUsage != nil && h.info.StoreDir != "" {
		if total, used, available, err := h.diskUsage(h.info.StoreDir); err == nil {
			resp.Disk = &diskInfo{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
