// Пакет attr — метаданные сущностей хранилища.
//
// Сущность {store}/{code} описывается файлом {store}/{code}.attr.json
// рядом с её директорией. Запись attr.json — коммит storage processor:
// директория без attr.json не считается сущностью и при старте
// в индекс не попадает. Имя файла и поле code всегда совпадают.
package attr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// Suffix — суффикс файла метаданных сущности.
const Suffix = ".attr.json"

// maxSize — предел размера attr.json (1 МБ).
// Сущность с десятками тысяч файлов должна храниться как архив.
const maxSize = 1 << 20

var (
	// ErrNoCode — в метаданных нет кода сущности.
	ErrNoCode = errors.New("метаданные без кода сущности")
	// ErrCodeMismatch — код в метаданных не совпадает с именем сущности.
	ErrCodeMismatch = errors.New("код сущности не совпадает с именем attr.json")
	// ErrTooLarge — attr.json больше допустимого.
	ErrTooLarge = errors.New("attr.json превышает допустимый размер")
)

// FilePath возвращает путь attr.json для директории сущности.
// "/store/20260101-1" → "/store/20260101-1.attr.json"
func FilePath(entityDir string) string {
	return filepath.Clean(entityDir) + Suffix
}

// EntityDir — обратное FilePath.
func EntityDir(path string) string {
	return strings.TrimSuffix(path, Suffix)
}

// IsMetadataFile сообщает, что имя похоже на attr.json сущности.
func IsMetadataFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, Suffix) && len(name) > len(Suffix)
}

// codeOf — код сущности по пути attr.json.
func codeOf(path string) string {
	return filepath.Base(EntityDir(path))
}

// validate проверяет соответствие метаданных файлу path.
func validate(path string, meta *model.EntityMetadata) error {
	if meta.Code == "" {
		return ErrNoCode
	}
	if want := codeOf(path); meta.Code != want {
		return fmt.Errorf("%w: %q, ожидался %q", ErrCodeMismatch, meta.Code, want)
	}
	return nil
}

// Write записывает метаданные сущности: временный файл в той же
// директории, fsync, rename. Существующий attr.json заменяется целиком.
func Write(path string, meta *model.EntityMetadata) error {
	if err := validate(path, meta); err != nil {
		return err
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных %s: %w", meta.Code, err)
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: %s, %d байт", ErrTooLarge, meta.Code, len(data))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("ошибка создания директории %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+meta.Code+".*")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла для %s: %w", meta.Code, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("ошибка записи метаданных %s: %w", meta.Code, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("ошибка fsync метаданных %s: %w", meta.Code, err)
	}
	if err := tmp.Chmod(0o640); err != nil {
		return fmt.Errorf("ошибка установки прав %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("ошибка замены %s: %w", path, err)
	}
	committed = true
	return nil
}

// Read читает метаданные сущности и проверяет их код.
func Read(path string) (*model.EntityMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения attr.json %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения attr.json %s: %w", path, err)
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, path)
	}

	var meta model.EntityMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("ошибка десериализации attr.json %s: %w", path, err)
	}
	if err := validate(path, &meta); err != nil {
		return nil, fmt.Errorf("attr.json %s: %w", path, err)
	}
	return &meta, nil
}

// ScanDir возвращает метаданные всех сущностей хранилища, упорядоченные
// по коду. Нечитаемые и чужие attr.json пропускаются: такая сущность
// не закоммичена. Сканирование не рекурсивное.
func ScanDir(storeDir string) ([]*model.EntityMetadata, error) {
	entries, err := os.ReadDir(storeDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования хранилища %s: %w", storeDir, err)
	}

	var result []*model.EntityMetadata
	for _, e := range entries {
		if e.IsDir() || !IsMetadataFile(e.Name()) {
			continue
		}
		meta, err := Read(filepath.Join(storeDir, e.Name()))
		if err != nil {
			continue
		}
		result = append(result, meta)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}
