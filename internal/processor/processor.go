// Пакет processor — storage processors и Storage Algorithm Runner.
//
// Storage processor переносит данные попытки из staging в хранилище
// по двухфазному контракту: CreateTransaction → StoreData → Commit
// или Rollback. Все изменения FS processor выполняет через журнал
// попытки, поэтому частичные записи безопасно откатываются.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/undo"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/journal"
)

var (
	// ErrStoreDataCalled — StoreData уже вызывался в этой попытке.
	ErrStoreDataCalled = errors.New("StoreData уже вызван для попытки")
	// ErrNotStored — Commit без успешного StoreData.
	ErrNotStored = errors.New("commit без успешного StoreData")
	// ErrAlreadyCommitted — повторный Commit.
	ErrAlreadyCommitted = errors.New("транзакция уже закоммичена")
)

// AttemptInfo — сведения о попытке, доступные processor.
type AttemptInfo struct {
	// AttemptID — идентификатор попытки и код сущности
	AttemptID string
	// Item — исходный элемент
	Item model.IncomingItem
	// Journal — журнал попытки; все изменения FS идут через него
	Journal *journal.Journal
}

// StoredData — результат StoreData.
type StoredData struct {
	// EntityDir — абсолютный путь директории сущности
	EntityDir string
	// Metadata — метаданные, которые будут записаны при Commit
	Metadata *model.EntityMetadata
}

// Transaction — транзакция processor для одной попытки.
type Transaction interface {
	// StoreData переносит данные из stagedPath в хранилище.
	StoreData(ctx context.Context, stagedPath string) (*StoredData, error)
	// Commit фиксирует сохранённые данные.
	Commit() error
	// Rollback уведомляет processor о неудаче попытки. Возвращённое
	// действие (если не nil) имеет приоритет над настроенной политикой.
	Rollback(cause error) *undo.Action
}

// Processor — фабрика транзакций.
type Processor interface {
	// Name возвращает имя processor (значение IM_STORAGE_PROCESSOR).
	Name() string
	// CreateTransaction открывает транзакцию для попытки.
	CreateTransaction(info AttemptInfo) (Transaction, error)
}

// Resumer — processor, способный завершить коммит по данным на диске.
// Используется Recovery Manager, когда регистрация подтверждена
// удалённым каталогом, а коммит не успел выполниться.
type Resumer interface {
	ResumeCommit(info AttemptInfo) (*model.EntityMetadata, error)
}

// Runner — Storage Algorithm Runner.
type Runner struct {
	proc   Processor
	logger *slog.Logger
}

// NewRunner создаёт Runner поверх processor.
func NewRunner(proc Processor, logger *slog.Logger) *Runner {
	return &Runner{
		proc:   proc,
		logger: logger.With(slog.String("component", "runner")),
	}
}

// Processor возвращает обёрнутый processor.
func (r *Runner) Processor() Processor {
	return r.proc
}

// Begin открывает транзакцию processor для попытки.
func (r *Runner) Begin(info AttemptInfo) (*Run, error) {
	tx, err := r.proc.CreateTransaction(info)
	if err != nil {
		return nil, fmt.Errorf("processor %s: ошибка создания транзакции: %w", r.proc.Name(), err)
	}
	return &Run{
		tx:     tx,
		logger: r.logger.With(slog.String("attempt_id", info.AttemptID)),
	}, nil
}

// Run — транзакция одной попытки под контролем Runner.
// Гарантирует однократный StoreData и Commit только после его успеха.
type Run struct {
	tx     Transaction
	logger *slog.Logger

	mu           sync.Mutex
	storeInvoked bool
	stored       *StoredData
	committed    bool
}

// StoreData вызывает StoreData транзакции не более одного раза.
func (r *Run) StoreData(ctx context.Context, stagedPath string) (*StoredData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.storeInvoked {
		return nil, ErrStoreDataCalled
	}
	r.storeInvoked = true

	data, err := r.tx.StoreData(ctx, stagedPath)
	if err != nil {
		return nil, err
	}
	r.stored = data

	r.logger.Debug("Данные сохранены processor",
		slog.String("entity_dir", data.EntityDir),
		slog.Int("files", len(data.Metadata.Files)),
	)
	return data, nil
}

// Commit фиксирует транзакцию, если StoreData завершился успешно.
func (r *Run) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stored == nil {
		return ErrNotStored
	}
	if r.committed {
		return ErrAlreadyCommitted
	}
	if err := r.tx.Commit(); err != nil {
		return err
	}
	r.committed = true
	return nil
}

// Rollback передаёт причину неудачи транзакции, если StoreData
// вызывался. Иначе processor не трогал FS и решения не принимает.
func (r *Run) Rollback(cause error) *undo.Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.storeInvoked {
		return nil
	}
	action := r.tx.Rollback(cause)
	if action != nil {
		r.logger.Info("Processor переопределил действие отката",
			slog.String("action", string(*action)),
		)
	}
	return action
}

// StoreInvoked возвращает true, если StoreData вызывался.
func (r *Run) StoreInvoked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storeInvoked
}

// Stored возвращает результат StoreData (nil, если не было успеха).
func (r *Run) Stored() *StoredData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored
}

// Committed возвращает true после успешного Commit.
func (r *Run) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}
