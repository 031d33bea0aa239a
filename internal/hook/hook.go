package hook

import (
	"context"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// Point — точка расширения.
type Point string

const (
	// PointPreMetadata — перед регистрацией в удалённом каталоге
	PointPreMetadata Point = "pre_metadata_registration"
	// PointPostMetadata — после успешной регистрации
	PointPostMetadata Point = "post_metadata_registration"
	// PointPostStorage — после коммита storage processor
	PointPostStorage Point = "post_storage"
	// PointRollback — уведомление об откате попытки
	PointRollback Point = "rollback_notification"
	// PointValidate — проверка данных после staging
	PointValidate Point = "validate"
)

// Event — описание попытки, передаваемое в хук.
type Event struct {
	// Point — точка расширения
	Point Point `json:"point"`
	// AttemptID — идентификатор попытки (код сущности)
	AttemptID string `json:"attempt_id"`
	// Item — исходный элемент
	Item model.IncomingItem `json:"item"`
	// StagedPath — путь элемента в staging (если уже размещён)
	StagedPath string `json:"staged_path,omitempty"`
	// StorePath — директория сущности в хранилище (если сохранена)
	StorePath string `json:"store_path,omitempty"`
	// Classification — классификация ошибки (только для отката)
	Classification string `json:"classification,omitempty"`
	// Action — выбранное действие (только для отката)
	Action string `json:"action,omitempty"`
	// Cause — текст исходной ошибки (только для отката)
	Cause string `json:"cause,omitempty"`
}

// Hooks — пользовательская логика попытки.
// Ошибка любой точки, кроме PointRollback, переводит попытку в откат.
// Ошибка PointRollback только логируется.
type Hooks interface {
	PreMetadata(ctx context.Context, hc *Context, ev Event) error
	PostMetadata(ctx context.Context, hc *Context, ev Event) error
	PostStorage(ctx context.Context, hc *Context, ev Event) error
	RollbackNotification(ctx context.Context, hc *Context, ev Event) error
}

// Funcs — реализация Hooks на функциях; nil-поля — пустые точки.
type Funcs struct {
	OnPreMetadata  func(ctx context.Context, hc *Context, ev Event) error
	OnPostMetadata func(ctx context.Context, hc *Context, ev Event) error
	OnPostStorage  func(ctx context.Context, hc *Context, ev Event) error
	OnRollback     func(ctx context.Context, hc *Context, ev Event) error
}

// Nop — хуки без действий.
var Nop Hooks = Funcs{}

func (f Funcs) PreMetadata(ctx context.Context, hc *Context, ev Event) error {
	if f.OnPreMetadata == nil {
		return nil
	}
	return f.OnPreMetadata(ctx, hc, ev)
}

func (f Funcs) PostMetadata(ctx context.Context, hc *Context, ev Event) error {
	if f.OnPostMetadata == nil {
		return nil
	}
	return f.OnPostMetadata(ctx, hc, ev)
}

func (f Funcs) PostStorage(ctx context.Context, hc *Context, ev Event) error {
	if f.OnPostStorage == nil {
		return nil
	}
	return f.OnPostStorage(ctx, hc, ev)
}

func (f Funcs) RollbackNotification(ctx context.Context, hc *Context, ev Event) error {
	if f.OnRollback == nil {
		return nil
	}
	return f.OnRollback(ctx, hc, ev)
}

// Violation — нарушение, найденное валидатором.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Validator проверяет размещённые в staging данные.
// Непустой список нарушений означает невалидный набор данных,
// ошибка — сбой самого валидатора.
type Validator interface {
	Validate(ctx context.Context, hc *Context, ev Event) ([]Violation, error)
}

// ValidatorFunc — адаптер функции к Validator.
type ValidatorFunc func(ctx context.Context, hc *Context, ev Event) ([]Violation, error)

// Validate вызывает f.
func (f ValidatorFunc) Validate(ctx context.Context, hc *Context, ev Event) ([]Violation, error) {
	return f(ctx, hc, ev)
}
