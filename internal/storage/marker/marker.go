// Пакет marker — протокол маркерных файлов входящих директорий.
//
// Маркер готовности (.MARKER_is_finished_<name>) создаёт депозитор,
// когда элемент полностью записан. Маркер обработки
// (.MARKER_processing_<name>) создаёт Ingest Module на время попытки;
// его наличие после аварийного останова означает незавершённую попытку.
//
// Имя маркера получается вставкой префикса перед последним сегментом
// пути элемента, поэтому преобразование обратимо без внешнего состояния.
package marker

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

const (
	// ReadyPrefix — префикс маркера готовности.
	ReadyPrefix = ".MARKER_is_finished_"
	// ProcessingPrefix — префикс маркера обработки.
	ProcessingPrefix = ".MARKER_processing_"
)

// ErrAlreadyProcessing — маркер обработки уже существует:
// другая попытка для этого элемента активна.
var ErrAlreadyProcessing = errors.New("элемент уже обрабатывается другой попыткой")

// Marker — маркер обработки, принадлежащий попытке.
type Marker struct {
	// Path — путь к файлу маркера
	Path string
	// Item — элемент, к которому относится маркер
	Item model.IncomingItem
}

// MarkerPathFor возвращает путь маркера обработки для элемента.
// Пример: "/in/sample1" → "/in/.MARKER_processing_sample1"
func MarkerPathFor(itemPath string) string {
	return withPrefix(itemPath, ProcessingPrefix)
}

// ItemPathFor возвращает путь элемента по пути маркера обработки.
// Пример: "/in/.MARKER_processing_sample1" → "/in/sample1"
func ItemPathFor(markerPath string) string {
	return withoutPrefix(markerPath, ProcessingPrefix)
}

// ReadyMarkerPathFor возвращает путь маркера готовности для элемента.
func ReadyMarkerPathFor(itemPath string) string {
	return withPrefix(itemPath, ReadyPrefix)
}

// ItemPathForReady возвращает путь элемента по пути маркера готовности.
func ItemPathForReady(markerPath string) string {
	return withoutPrefix(markerPath, ReadyPrefix)
}

// IsProcessingMarker проверяет, является ли имя файла маркером обработки.
func IsProcessingMarker(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ProcessingPrefix)
}

// IsReadyMarker проверяет, является ли имя файла маркером готовности.
func IsReadyMarker(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ReadyPrefix)
}

func withPrefix(path, prefix string) string {
	dir, name := filepath.Split(path)
	return dir + prefix + name
}

func withoutPrefix(path, prefix string) string {
	dir, name := filepath.Split(path)
	return dir + strings.TrimPrefix(name, prefix)
}

// FindReady возвращает ленивую последовательность готовых элементов директории.
// Каждый проход заново читает директорию, поэтому последовательность
// можно перезапускать; в пределах прохода она конечна.
// Пропускаются скрытые элементы, элементы без данных и элементы
// из реестра .faulty_paths.
func FindReady(dir string) iter.Seq2[model.IncomingItem, error] {
	return func(yield func(model.IncomingItem, error) bool) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			yield(model.IncomingItem{}, fmt.Errorf("ошибка чтения входящей директории %s: %w", dir, err))
			return
		}

		faulty, err := LoadFaulty(dir)
		if err != nil {
			yield(model.IncomingItem{}, err)
			return
		}

		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasPrefix(name, ReadyPrefix) {
				continue
			}

			itemName := strings.TrimPrefix(name, ReadyPrefix)
			if itemName == "" || strings.HasPrefix(itemName, ".") || faulty[itemName] {
				continue
			}

			itemPath := filepath.Join(dir, itemName)
			if _, statErr := os.Lstat(itemPath); statErr != nil {
				// Маркер без данных — депозитор нарушил контракт, пропускаем
				continue
			}

			if !yield(model.NewIncomingItem(itemPath), nil) {
				return
			}
		}
	}
}

// MarkProcessing атомарно создаёт маркер обработки (O_CREATE|O_EXCL).
// Если маркер уже существует — возвращает ErrAlreadyProcessing.
func MarkProcessing(item model.IncomingItem) (*Marker, error) {
	path := MarkerPathFor(item.Path)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyProcessing
		}
		return nil, fmt.Errorf("ошибка создания маркера обработки %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("ошибка закрытия маркера обработки %s: %w", path, err)
	}

	if err := syncDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	return &Marker{Path: path, Item: item}, nil
}

// ClearProcessing удаляет маркер обработки.
// Возвращает nil если маркер уже не существует.
func ClearProcessing(m *Marker) error {
	if m == nil {
		return nil
	}
	if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления маркера обработки %s: %w", m.Path, err)
	}
	return nil
}

// IsProcessing проверяет наличие маркера обработки для элемента.
func IsProcessing(item model.IncomingItem) bool {
	_, err := os.Lstat(MarkerPathFor(item.Path))
	return err == nil
}

// ClearReady удаляет маркер готовности элемента.
// Возвращает nil если маркер уже не существует.
func ClearReady(item model.IncomingItem) error {
	path := ReadyMarkerPathFor(item.Path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления маркера готовности %s: %w", path, err)
	}
	return nil
}

// FindProcessing возвращает все маркеры обработки в директории.
// Используется Recovery Manager при старте.
func FindProcessing(dir string) ([]*Marker, error) {
	matches, err := filepath.Glob(filepath.Join(dir, ProcessingPrefix+"*"))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	markers := make([]*Marker, 0, len(matches))
	for _, path := range matches {
		markers = append(markers, &Marker{
			Path: path,
			Item: model.NewIncomingItem(ItemPathFor(path)),
		})
	}
	return markers, nil
}

// syncDir выполняет fsync директории, чтобы создание/удаление записи
// в ней пережило аварийный останов.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("ошибка открытия директории %s: %w", dir, err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("ошибка fsync директории %s: %w", dir, err)
	}
	return nil
}
