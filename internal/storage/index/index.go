// Пакет index — потокобезопасный in-memory индекс сохранённых сущностей.
//
// Индекс строится при старте из attr.json файлов хранилища (BuildFromDir)
// и обновляется Registration Service при коммите и подтверждении (Put)
// и при компенсации (Remove). Используется API статуса и Recovery Manager
// без обращения к диску.
//
// Не персистентный: при рестарте пересобирается из attr.json.
package index

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/attr"
)

// Index — потокобезопасный in-memory индекс метаданных сущностей.
type Index struct {
	mu        sync.RWMutex
	entities  map[string]*model.EntityMetadata // code → metadata
	totalSize int64                            // суммарный размер всех сущностей
	ready     bool                             // индекс построен и готов
	logger    *slog.Logger
}

// New создаёт пустой индекс. Для заполнения вызовите BuildFromDir.
func New(logger *slog.Logger) *Index {
	return &Index{
		entities: make(map[string]*model.EntityMetadata),
		logger:   logger.With(slog.String("component", "index")),
	}
}

// BuildFromDir строит индекс из attr.json файлов в директории хранилища.
// Заменяет текущее содержимое индекса и помечает его как ready.
func (idx *Index) BuildFromDir(storeDir string) error {
	metadatas, err := attr.ScanDir(storeDir)
	if err != nil {
		return fmt.Errorf("ошибка сканирования директории %s: %w", storeDir, err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entities = make(map[string]*model.EntityMetadata, len(metadatas))
	idx.totalSize = 0
	for _, meta := range metadatas {
		idx.entities[meta.Code] = meta
		idx.totalSize += meta.Size
	}
	idx.ready = true

	idx.logger.Info("Индекс сущностей построен",
		slog.Int("entities", len(idx.entities)),
		slog.String("store_dir", storeDir),
	)

	return nil
}

// IsReady возвращает true, если индекс построен.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Put добавляет или заменяет метаданные сущности.
func (idx *Index) Put(meta *model.EntityMetadata) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.entities[meta.Code]; ok {
		idx.totalSize -= old.Size
	}

	// Копия, чтобы избежать data race при внешних изменениях
	copied := *meta
	copied.Files = append([]model.StoredFile(nil), meta.Files...)
	idx.entities[meta.Code] = &copied
	idx.totalSize += meta.Size
}

// Remove удаляет сущность из индекса.
// Возвращает true, если сущность была найдена.
func (idx *Index) Remove(code string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old, ok := idx.entities[code]
	if !ok {
		return false
	}
	idx.totalSize -= old.Size
	delete(idx.entities, code)
	return true
}

// Get возвращает копию метаданных сущности или nil.
func (idx *Index) Get(code string) *model.EntityMetadata {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	meta, ok := idx.entities[code]
	if !ok {
		return nil
	}
	copied := *meta
	copied.Files = append([]model.StoredFile(nil), meta.Files...)
	return &copied
}

// List возвращает пагинированный список сущностей с опциональной
// фильтрацией по статусу ("" — без фильтра) и общее количество
// с учётом фильтра. Сущности отсортированы по времени коммита
// (новые первые), при равенстве — по коду.
func (idx *Index) List(limit, offset int, statusFilter model.EntityStatus) ([]*model.EntityMetadata, int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var filtered []*model.EntityMetadata
	for _, meta := range idx.entities {
		if statusFilter != "" && meta.Status != statusFilter {
			continue
		}
		copied := *meta
		filtered = append(filtered, &copied)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].StoredAt.Equal(filtered[j].StoredAt) {
			return filtered[i].Code < filtered[j].Code
		}
		return filtered[i].StoredAt.After(filtered[j].StoredAt)
	})

	total := len(filtered)
	if offset >= total {
		return nil, total
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	return filtered[offset:end], total
}

// Count возвращает количество сущностей в индексе.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entities)
}

// CountByStatus возвращает количество сущностей с указанным статусом.
func (idx *Index) CountByStatus(status model.EntityStatus) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	count := 0
	for _, meta := range idx.entities {
		if meta.Status == status {
			count++
		}
	}
	return count
}

// TotalSize возвращает суммарный размер сущностей в байтах.
func (idx *Index) TotalSize() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalSize
}
