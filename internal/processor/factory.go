package processor

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bigkaa/goartstore/ingest-module/internal/storage/filestore"
)

// ErrUnknownProcessor — IM_STORAGE_PROCESSOR указывает на неизвестный processor.
var ErrUnknownProcessor = errors.New("неизвестный storage processor")

// Deps — зависимости, доступные конструкторам processors.
type Deps struct {
	Store *filestore.FileStore
}

// constructors — реестр processors по имени.
var constructors = map[string]func(Deps) Processor{
	NameMove: func(d Deps) Processor { return NewMoveProcessor(d.Store) },
	NameCopy: func(d Deps) Processor { return NewCopyProcessor(d.Store) },
}

// Names возвращает отсортированный список доступных processors.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New создаёт processor по имени. Вызывается один раз при старте.
func New(name string, deps Deps) (Processor, error) {
	ctor, ok := constructors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (допустимо: %s)", ErrUnknownProcessor, name, strings.Join(Names(), ", "))
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("storage processor %s: не задано хранилище", name)
	}
	return ctor(deps), nil
}
