package processor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/undo"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/attr"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/journal"
)

// ErrUnsupportedContent — элемент содержит симлинки или специальные файлы.
// Такие данные не переносятся; processor предлагает MOVE_TO_ERROR.
var ErrUnsupportedContent = errors.New("элемент содержит неподдерживаемые файлы")

// transferFunc переносит один подэлемент src в dst под журналом.
type transferFunc func(j *journal.Journal, src, dst string) error

// entityTx — общая транзакция move/copy processors.
// Раскладка: {store}/{code}/original/{подэлементы} и {store}/{code}.attr.json.
type entityTx struct {
	name     string
	store    *filestore.FileStore
	info     AttemptInfo
	transfer transferFunc
	stored   *StoredData
}

// StoreData создаёт директорию сущности и переносит в original/
// каждый подэлемент staged-элемента (для файла — сам файл).
func (t *entityTx) StoreData(ctx context.Context, stagedPath string) (*StoredData, error) {
	if !filestore.ValidCode(t.info.AttemptID) {
		return nil, fmt.Errorf("недопустимый код сущности %q", t.info.AttemptID)
	}
	if err := checkContent(stagedPath); err != nil {
		return nil, err
	}

	j := t.info.Journal
	entityDir := t.store.EntityDir(t.info.AttemptID)
	originalDir := t.store.OriginalPath(t.info.AttemptID)

	if err := j.Mkdir(entityDir); err != nil {
		return nil, err
	}
	if err := j.Mkdir(originalDir); err != nil {
		return nil, err
	}

	children, err := subItems(stagedPath)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dst := filepath.Join(originalDir, filepath.Base(child))
		if err := t.transfer(j, child, dst); err != nil {
			return nil, err
		}
	}

	meta, err := buildMetadata(t.name, t.store, t.info)
	if err != nil {
		return nil, err
	}

	t.stored = &StoredData{EntityDir: entityDir, Metadata: meta}
	return t.stored, nil
}

// Commit атомарно записывает {code}.attr.json под журналом.
func (t *entityTx) Commit() error {
	if t.stored == nil {
		return ErrNotStored
	}
	path := attr.FilePath(t.stored.EntityDir)
	return t.info.Journal.Create(path, func() error {
		return attr.Write(path, t.stored.Metadata)
	})
}

// Rollback ничего не удаляет сам: все записи откатывает журнал.
func (t *entityTx) Rollback(cause error) *undo.Action {
	if errors.Is(cause, ErrUnsupportedContent) {
		a := undo.MoveToError
		return &a
	}
	return nil
}

// resumeCommit пересчитывает метаданные по original/ и пишет attr.json.
// Идемпотентен: существующий attr.json перезаписывается тем же содержимым.
func resumeCommit(name string, store *filestore.FileStore, info AttemptInfo) (*model.EntityMetadata, error) {
	if !store.EntityExists(info.AttemptID) {
		return nil, fmt.Errorf("директория сущности %s не найдена", info.AttemptID)
	}
	meta, err := buildMetadata(name, store, info)
	if err != nil {
		return nil, err
	}
	path := attr.FilePath(store.EntityDir(info.AttemptID))
	write := func() error { return attr.Write(path, meta) }
	if info.Journal != nil {
		err = info.Journal.Create(path, write)
	} else {
		err = write()
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// buildMetadata инвентаризирует original/ сущности.
func buildMetadata(name string, store *filestore.FileStore, info AttemptInfo) (*model.EntityMetadata, error) {
	files, err := filestore.Inventory(store.EntityDir(info.AttemptID), store.OriginalPath(info.AttemptID))
	if err != nil {
		return nil, err
	}
	return &model.EntityMetadata{
		Code:      info.AttemptID,
		ItemName:  info.Item.Name,
		Dropbox:   info.Item.Dropbox,
		StorePath: info.AttemptID,
		Processor: name,
		Files:     files,
		Size:      filestore.TotalSize(files),
		Status:    model.StatusCommitted,
		StoredAt:  time.Now().UTC(),
	}, nil
}

// subItems возвращает подэлементы staged-пути: для директории —
// её непосредственные дочерние элементы, для файла — сам файл.
func subItems(stagedPath string) ([]string, error) {
	info, err := os.Stat(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения информации о %s: %w", stagedPath, err)
	}
	if !info.IsDir() {
		return []string{stagedPath}, nil
	}

	entries, err := os.ReadDir(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s: %w", stagedPath, err)
	}
	result := make([]string, 0, len(entries))
	for _, e := range entries {
		result = append(result, filepath.Join(stagedPath, e.Name()))
	}
	return result, nil
}

// checkContent отклоняет деревья с симлинками и специальными файлами.
func checkContent(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Type().IsRegular() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnsupportedContent, path)
	})
}
