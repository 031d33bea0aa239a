// Пакет hook — точки расширения пользовательской логики попытки.
//
// Четыре точки: до регистрации метаданных, после регистрации метаданных,
// после коммита хранилища и уведомление об откате. Все точки одной
// попытки получают один и тот же Context: значения, записанные ранее,
// видны позже без изменений и не видны другим попыткам.
package hook

import (
	"errors"
	"fmt"
	"maps"
	"sync"
)

// ErrKeyExists — ключ уже задан в контексте попытки.
var ErrKeyExists = errors.New("ключ контекста уже задан")

// Context — изменяемое key/value хранилище одной попытки.
// Только добавление: существующий ключ нельзя перезаписать или удалить.
type Context struct {
	attemptID string
	mu        sync.RWMutex
	values    map[string]string
}

// NewContext создаёт пустой контекст попытки.
func NewContext(attemptID string) *Context {
	return &Context{
		attemptID: attemptID,
		values:    make(map[string]string),
	}
}

// AttemptID возвращает идентификатор попытки.
func (c *Context) AttemptID() string {
	return c.attemptID
}

// Set добавляет значение. Повторная запись того же значения допустима,
// попытка изменить значение возвращает ErrKeyExists.
func (c *Context) Set(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.values[key]; ok {
		if old == value {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrKeyExists, key)
	}
	c.values[key] = value
	return nil
}

// Get возвращает значение по ключу.
func (c *Context) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.values[key]
	return v, ok
}

// Len возвращает количество ключей.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Snapshot возвращает копию содержимого контекста.
// Используется как properties записи регистрации.
func (c *Context) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

// Merge добавляет только новые ключи из values.
// Существующие ключи сохраняют прежние значения.
// Возвращает количество добавленных ключей.
func (c *Context) Merge(values map[string]string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for k, v := range values {
		if _, ok := c.values[k]; ok {
			continue
		}
		c.values[k] = v
		added++
	}
	return added
}
