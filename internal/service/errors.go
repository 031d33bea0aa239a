package service

import (
	"fmt"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/attempt"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/undo"
)

// RegistrationError — исходная ошибка неудачной попытки.
// Возвращается вызывающему после отката, если IM_SUPPRESS_ERRORS не задан.
type RegistrationError struct {
	AttemptID      string
	ItemPath       string
	Classification undo.Classification
	State          attempt.State
	Err            error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("попытка %s (%s) завершилась %s [%s]: %v",
		e.AttemptID, e.ItemPath, e.State, e.Classification, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Outcome — итог попытки регистрации.
type Outcome struct {
	// AttemptID — идентификатор попытки (пусто, если идентификатор не выделен)
	AttemptID string
	// ItemPath — путь исходного элемента
	ItemPath string
	// State — терминальное состояние
	State attempt.State
	// Classification — классификация ошибки (пусто при успехе)
	Classification undo.Classification
	// Cause — исходная ошибка (nil при успехе)
	Cause error
	// Action — применённое компенсирующее действие
	Action undo.Action
	// Suppressed — исходная ошибка не передана вызывающему
	Suppressed bool
	// RollbackErr — ошибка самого отката (FAILED_PERMANENTLY)
	RollbackErr error
	// Skipped — элемент обрабатывается другой попыткой
	Skipped bool
}

// Confirmed возвращает true для успешной попытки.
func (o *Outcome) Confirmed() bool {
	return o.State == attempt.StateConfirmed
}

// failure — классифицированная ошибка шага попытки.
type failure struct {
	class undo.Classification
	err   error
}

func fail(class undo.Classification, err error) *failure {
	return &failure{class: class, err: err}
}
