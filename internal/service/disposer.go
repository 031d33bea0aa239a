// disposer.go — компенсирующее действие над исходным элементом
// после отката: DELETE, MOVE_TO_ERROR или LEAVE_UNTOUCHED.
package service

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/undo"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/marker"
)

// Disposer применяет UndoAction к исходному элементу.
type Disposer struct {
	errorDir string
	trashDir string
	deleter  DeleteScheduler
	logger   *slog.Logger
}

// NewDisposer создаёт Disposer.
//   - errorDir — корень для MOVE_TO_ERROR ({errorDir}/{имя dropbox}/{элемент})
//   - trashDir — корзина для DELETE (очищается deleter)
func NewDisposer(errorDir, trashDir string, deleter DeleteScheduler, logger *slog.Logger) *Disposer {
	return &Disposer{
		errorDir: errorDir,
		trashDir: trashDir,
		deleter:  deleter,
		logger:   logger.With(slog.String("component", "disposer")),
	}
}

// Dispose применяет действие. Отсутствующий элемент для DELETE и
// MOVE_TO_ERROR — не ошибка (действие уже выполнено).
// Возвращает итоговый путь элемента.
func (d *Disposer) Dispose(item model.IncomingItem, action undo.Action) (string, error) {
	switch action {
	case undo.Delete:
		return d.moveAway(item, d.trashDir, true)
	case undo.MoveToError:
		return d.moveAway(item, filepath.Join(d.errorDir, filepath.Base(item.Dropbox)), false)
	case undo.LeaveUntouched:
		if err := marker.AddFaulty(item); err != nil {
			return item.Path, fmt.Errorf("запись в реестр сбойных элементов: %w", err)
		}
		d.logger.Info("Элемент оставлен на месте",
			slog.String("item", item.Path),
		)
		return item.Path, nil
	default:
		return item.Path, fmt.Errorf("неизвестное действие %q", action)
	}
}

// moveAway переносит элемент в targetDir (имя сохраняется, при коллизии
// добавляется суффикс) и удаляет маркер готовности.
func (d *Disposer) moveAway(item model.IncomingItem, targetDir string, schedule bool) (string, error) {
	if _, err := os.Lstat(item.Path); os.IsNotExist(err) {
		if err := marker.ClearReady(item); err != nil {
			return "", err
		}
		return "", nil
	}

	if err := os.MkdirAll(targetDir, 0o750); err != nil {
		return item.Path, fmt.Errorf("ошибка создания директории %s: %w", targetDir, err)
	}

	dst := filepath.Join(targetDir, item.Name)
	if _, err := os.Lstat(dst); err == nil {
		dst = filepath.Join(targetDir, item.Name+"."+uuid.NewString())
	}

	if err := os.Rename(item.Path, dst); err != nil {
		return item.Path, fmt.Errorf("ошибка перемещения %s → %s: %w", item.Path, dst, err)
	}
	if err := marker.ClearReady(item); err != nil {
		return dst, err
	}

	if schedule && d.deleter != nil {
		d.deleter.ScheduleDelete(dst)
	}

	d.logger.Info("Элемент перемещён",
		slog.String("item", item.Path),
		slog.String("destination", dst),
	)
	return dst, nil
}
