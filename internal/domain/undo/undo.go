// Пакет undo — политика компенсирующих действий после неудачной попытки.
//
// Каждая классификация ошибки отображается на одно действие над исходным
// IncomingItem. Отображение задаётся конфигурацией и проверяется при
// загрузке: неизвестные значения отклоняются при старте, а не в момент
// принятия решения. Для классификаций без настройки действует
// LEAVE_UNTOUCHED.
package undo

import (
	"fmt"
	"sort"
	"strings"
)

// Classification — место, где произошёл сбой попытки регистрации.
type Classification string

const (
	// InvalidDataSet — данные не прошли проверку или не могут быть размещены
	InvalidDataSet Classification = "INVALID_DATA_SET"
	// RegistrationFailure — сбой регистрации в удалённом каталоге (включая таймаут)
	RegistrationFailure Classification = "OPENBIS_REGISTRATION_FAILURE"
	// RegistrationScriptError — ошибка пользовательского хука до регистрации
	RegistrationScriptError Classification = "REGISTRATION_SCRIPT_ERROR"
	// StorageProcessorError — ошибка storage processor
	StorageProcessorError Classification = "STORAGE_PROCESSOR_ERROR"
	// ValidationScriptError — сбой самого валидатора
	ValidationScriptError Classification = "VALIDATION_SCRIPT_ERROR"
	// PostRegistrationError — ошибка после успешной удалённой регистрации
	PostRegistrationError Classification = "POST_REGISTRATION_ERROR"
)

// Classifications возвращает все классификации в фиксированном порядке.
func Classifications() []Classification {
	return []Classification{
		InvalidDataSet,
		RegistrationFailure,
		RegistrationScriptError,
		StorageProcessorError,
		ValidationScriptError,
		PostRegistrationError,
	}
}

// ParseClassification разбирает имя классификации без учёта регистра.
func ParseClassification(s string) (Classification, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for _, c := range Classifications() {
		if string(c) == upper {
			return c, nil
		}
	}
	return "", fmt.Errorf("недопустимая классификация ошибки: %q", s)
}

// Action — компенсирующее действие над исходным элементом.
type Action string

const (
	// Delete — удалить исходный элемент
	Delete Action = "DELETE"
	// MoveToError — переместить элемент в директорию ошибок
	MoveToError Action = "MOVE_TO_ERROR"
	// LeaveUntouched — оставить элемент на месте
	LeaveUntouched Action = "LEAVE_UNTOUCHED"
)

// ParseAction разбирает строку действия без учёта регистра.
// Допустимые значения: delete, move_to_error, leave_untouched.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case Delete:
		return Delete, nil
	case MoveToError:
		return MoveToError, nil
	case LeaveUntouched:
		return LeaveUntouched, nil
	default:
		return "", fmt.Errorf("недопустимое действие %q, допустимые: delete, move_to_error, leave_untouched", s)
	}
}

// DecisionContext — дополнительный контекст решения.
// Override — действие, предложенное storage processor при откате;
// если задано, имеет приоритет над настройкой.
type DecisionContext struct {
	Override *Action
}

// Policy — неизменяемое отображение классификация → действие.
type Policy struct {
	actions map[Classification]Action
}

// NewPolicy создаёт политику из строковой конфигурации.
// Ключи — имена классификаций, значения — имена действий (регистр не важен).
// Пустые значения игнорируются. Неизвестный ключ или действие — ошибка.
func NewPolicy(raw map[string]string) (*Policy, error) {
	p := &Policy{actions: make(map[Classification]Action, len(raw))}

	// Сортируем ключи, чтобы сообщение об ошибке было детерминированным
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := raw[k]
		if strings.TrimSpace(v) == "" {
			continue
		}
		c, err := ParseClassification(k)
		if err != nil {
			return nil, err
		}
		a, err := ParseAction(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c, err)
		}
		p.actions[c] = a
	}

	return p, nil
}

// Decide возвращает действие для классификации.
// Функция тотальна и детерминирована: при отсутствии настройки — LEAVE_UNTOUCHED.
func (p *Policy) Decide(c Classification, dc *DecisionContext) Action {
	if dc != nil && dc.Override != nil {
		return *dc.Override
	}
	if p == nil {
		return LeaveUntouched
	}
	if a, ok := p.actions[c]; ok {
		return a
	}
	return LeaveUntouched
}

// Configured возвращает копию настроенного отображения.
func (p *Policy) Configured() map[Classification]Action {
	result := make(map[Classification]Action, len(p.actions))
	for c, a := range p.actions {
		result[c] = a
	}
	return result
}
