package marker

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// FaultyPathsFile — реестр элементов, оставленных на месте после неудачи.
// Одна строка — одно имя элемента. FindReady пропускает такие элементы,
// пока оператор не удалит строку.
const FaultyPathsFile = ".faulty_paths"

// LoadFaulty читает реестр .faulty_paths директории.
// Отсутствующий файл — пустой реестр.
func LoadFaulty(dir string) (map[string]bool, error) {
	result := make(map[string]bool)

	f, err := os.Open(filepath.Join(dir, FaultyPathsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("ошибка чтения %s: %w", FaultyPathsFile, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			result[line] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ошибка разбора %s: %w", FaultyPathsFile, err)
	}
	return result, nil
}

// AddFaulty добавляет элемент в реестр (идемпотентно).
func AddFaulty(item model.IncomingItem) error {
	existing, err := LoadFaulty(item.Dropbox)
	if err != nil {
		return err
	}
	if existing[item.Name] {
		return nil
	}

	path := filepath.Join(item.Dropbox, FaultyPathsFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка открытия %s: %w", path, err)
	}

	if _, err := f.WriteString(item.Name + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("ошибка записи %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("ошибка fsync %s: %w", path, err)
	}
	return f.Close()
}
