// Пакет memcatalog — in-memory реализация удалённого каталога.
// Используется при IM_CATALOG_BACKEND=memory (стенды, локальная
// разработка) и в тестах. Данные не переживают рестарт процесса.
package memcatalog

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/ingest-module/internal/catalog"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// Catalog — потокобезопасный in-memory каталог.
type Catalog struct {
	mu       sync.RWMutex
	issued   map[string]bool
	entities map[string]*model.RegistrationRecord
}

// New создаёт пустой каталог.
func New() *Catalog {
	return &Catalog{
		issued:   make(map[string]bool),
		entities: make(map[string]*model.RegistrationRecord),
	}
}

// CreateIdentifier выдаёт новый UUID v4.
func (c *Catalog) CreateIdentifier(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.New().String()

	c.mu.Lock()
	c.issued[id] = true
	c.mu.Unlock()
	return id, nil
}

// RegisterEntity сохраняет запись. Код должен быть выдан этим каталогом
// и не должен быть зарегистрирован ранее.
func (c *Catalog) RegisterEntity(ctx context.Context, rec *model.RegistrationRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.issued[rec.Code] {
		return "", &catalog.RemoteRegistrationError{
			Code:   rec.Code,
			Reason: catalog.ReasonRejected,
			Err:    fmt.Errorf("идентификатор не выдавался каталогом"),
		}
	}
	if _, ok := c.entities[rec.Code]; ok {
		return "", &catalog.RemoteRegistrationError{
			Code:   rec.Code,
			Reason: catalog.ReasonConflict,
			Err:    fmt.Errorf("сущность уже зарегистрирована"),
		}
	}

	copied := *rec
	copied.Properties = maps.Clone(rec.Properties)
	c.entities[rec.Code] = &copied
	return rec.Code, nil
}

// IsVisible проверяет наличие сущности.
func (c *Catalog) IsVisible(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entities[id]
	return ok, nil
}

// Get возвращает копию зарегистрированной записи.
func (c *Catalog) Get(id string) (*model.RegistrationRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.entities[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	copied := *rec
	copied.Properties = maps.Clone(rec.Properties)
	return &copied, nil
}

// Count возвращает количество зарегистрированных сущностей.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}

var _ catalog.Client = (*Catalog)(nil)
