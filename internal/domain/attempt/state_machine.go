// Пакет attempt — конечный автомат одной попытки регистрации.
//
// Основной путь:
//
//	DETECTED → STAGED → STORED → METADATA_REGISTERED → CONFIRMED
//
// Путь отказа доступен из любого нетерминального состояния:
//
//	→ ROLLING_BACK → ROLLED_BACK
//	ROLLING_BACK → FAILED_PERMANENTLY (откат не удалось завершить)
//
// Потокобезопасен через sync.RWMutex.
package attempt

import (
	"fmt"
	"sync"
	"time"
)

// State — состояние попытки.
type State string

const (
	StateDetected           State = "DETECTED"
	StateStaged             State = "STAGED"
	StateStored             State = "STORED"
	StateMetadataRegistered State = "METADATA_REGISTERED"
	StateConfirmed          State = "CONFIRMED"
	StateRollingBack        State = "ROLLING_BACK"
	StateRolledBack         State = "ROLLED_BACK"
	StateFailedPermanently  State = "FAILED_PERMANENTLY"
)

// TransitionRecord — запись о переходе между состояниями.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StateMachine — конечный автомат попытки.
type StateMachine struct {
	mu      sync.RWMutex
	current State
	history []TransitionRecord
}

// validTransitions — матрица допустимых переходов.
var validTransitions = map[State]map[State]bool{
	StateDetected:           {StateStaged: true, StateRollingBack: true},
	StateStaged:             {StateStored: true, StateRollingBack: true},
	StateStored:             {StateMetadataRegistered: true, StateRollingBack: true},
	StateMetadataRegistered: {StateConfirmed: true, StateRollingBack: true},
	StateRollingBack:        {StateRolledBack: true, StateFailedPermanently: true},
	StateConfirmed:          {},
	StateRolledBack:         {},
	StateFailedPermanently:  {},
}

// New создаёт автомат в состоянии DETECTED.
func New() *StateMachine {
	return &StateMachine{
		current: StateDetected,
		history: make([]TransitionRecord, 0, 8),
	}
}

// Restore создаёт автомат в произвольном состоянии.
// Используется Recovery Manager при восстановлении попытки из журнала.
func Restore(s State) (*StateMachine, error) {
	if !isValidState(s) {
		return nil, fmt.Errorf("недопустимое состояние попытки: %q", s)
	}
	return &StateMachine{current: s}, nil
}

// Current возвращает текущее состояние.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransitionTo проверяет, допустим ли переход.
func (sm *StateMachine) CanTransitionTo(target State) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return validTransitions[sm.current][target]
}

// TransitionTo выполняет переход в указанное состояние.
func (sm *StateMachine) TransitionTo(target State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !isValidState(target) {
		return &TransitionError{From: sm.current, To: target}
	}
	if !validTransitions[sm.current][target] {
		return &TransitionError{From: sm.current, To: target}
	}

	sm.history = append(sm.history, TransitionRecord{
		From:      sm.current,
		To:        target,
		Timestamp: time.Now().UTC(),
	})
	sm.current = target
	return nil
}

// IsTerminal возвращает true для CONFIRMED, ROLLED_BACK и FAILED_PERMANENTLY.
func (sm *StateMachine) IsTerminal() bool {
	return IsTerminal(sm.Current())
}

// History возвращает историю переходов (копия).
func (sm *StateMachine) History() []TransitionRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]TransitionRecord, len(sm.history))
	copy(result, sm.history)
	return result
}

// IsTerminal проверяет, является ли состояние терминальным.
func IsTerminal(s State) bool {
	switch s {
	case StateConfirmed, StateRolledBack, StateFailedPermanently:
		return true
	default:
		return false
	}
}

// TransitionError — недопустимый переход.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("INVALID_TRANSITION: переход %s → %s недопустим", e.From, e.To)
}

func isValidState(s State) bool {
	_, ok := validTransitions[s]
	return ok
}
