// Пакет catalog — клиент удалённого каталога сущностей.
//
// Каталог выдаёт идентификаторы, атомарно регистрирует сущность и
// отвечает, видна ли сущность с данным идентификатором. Сам каталог
// не транзакционен: Ingest Module никогда не удаляет в нём сущности,
// а только компенсирует собственные локальные действия.
//
// Реализации: httpcatalog (REST), pgcatalog (PostgreSQL), memcatalog
// (in-memory). Guard добавляет таймауты, повторы и кэш видимости.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// ErrNotFound — сущность не найдена в каталоге.
var ErrNotFound = errors.New("сущность не найдена в каталоге")

// Client — операции удалённого каталога.
type Client interface {
	// CreateIdentifier выделяет новый идентификатор (код сущности).
	CreateIdentifier(ctx context.Context) (string, error)
	// RegisterEntity атомарно регистрирует сущность. Возвращает
	// идентификатор зарегистрированной сущности. Отказ каталога —
	// *RemoteRegistrationError.
	RegisterEntity(ctx context.Context, rec *model.RegistrationRecord) (string, error)
	// IsVisible проверяет, видна ли сущность (чтение, не запись).
	IsVisible(ctx context.Context, id string) (bool, error)
}

// RemoteRegistrationError — неуспешная регистрация в каталоге:
// явный отказ, ошибка транспорта или таймаут.
type RemoteRegistrationError struct {
	// Code — код сущности
	Code string
	// Reason — краткая причина (rejected, timeout, transport, conflict)
	Reason string
	// Err — исходная ошибка
	Err error
}

func (e *RemoteRegistrationError) Error() string {
	return fmt.Sprintf("регистрация сущности %s в каталоге не удалась (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *RemoteRegistrationError) Unwrap() error {
	return e.Err
}

// Причины RemoteRegistrationError.
const (
	ReasonRejected  = "rejected"
	ReasonTimeout   = "timeout"
	ReasonTransport = "transport"
	ReasonConflict  = "conflict"
)

// IsRemoteRegistrationError проверяет, является ли err отказом регистрации.
func IsRemoteRegistrationError(err error) bool {
	var rre *RemoteRegistrationError
	return errors.As(err, &rre)
}
