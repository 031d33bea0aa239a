// Пакет filestore — операции с физическими файлами хранилища сущностей.
// Обеспечивает копирование деревьев с подсчётом SHA-256 на лету,
// инвентаризацию сохранённых файлов и проверку допустимости кодов
// сущностей для использования в путях.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// OriginalDir — поддиректория сущности с исходными данными.
const OriginalDir = "original"

// FileStore — управление директориями сущностей в IM_STORE_DIR.
type FileStore struct {
	// storeDir — корневая директория хранилища (IM_STORE_DIR)
	storeDir string
}

// New создаёт новый FileStore. Проверяет и создаёт директорию
// если она не существует.
func New(storeDir string) (*FileStore, error) {
	if err := os.MkdirAll(storeDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранилища %s: %w", storeDir, err)
	}

	return &FileStore{storeDir: storeDir}, nil
}

// StoreDir возвращает путь к директории хранилища.
func (s *FileStore) StoreDir() string {
	return s.storeDir
}

// EntityDir возвращает абсолютный путь директории сущности.
func (s *FileStore) EntityDir(code string) string {
	return filepath.Join(s.storeDir, code)
}

// OriginalPath возвращает путь поддиректории original сущности.
func (s *FileStore) OriginalPath(code string) string {
	return filepath.Join(s.storeDir, code, OriginalDir)
}

// EntityExists проверяет существование директории сущности.
func (s *FileStore) EntityExists(code string) bool {
	_, err := os.Stat(s.EntityDir(code))
	return err == nil
}

// CopyTree копирует файл или дерево директорий src в dst.
// Каждый файл записывается по схеме temp → fsync → rename с подсчётом
// SHA-256 на лету. Возвращает список файлов относительно dst.
// dst не должен существовать.
func CopyTree(src, dst string) ([]model.StoredFile, error) {
	if _, err := os.Lstat(dst); err == nil {
		return nil, fmt.Errorf("целевой путь %s уже существует", dst)
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения информации о %s: %w", src, err)
	}

	if !info.IsDir() {
		size, sum, err := copyFile(src, dst, info.Mode().Perm())
		if err != nil {
			return nil, err
		}
		return []model.StoredFile{{Path: filepath.Base(dst), Size: size, Checksum: sum}}, nil
	}

	var files []model.StoredFile
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if !d.Type().IsRegular() {
			// Симлинки и специальные файлы не переносятся
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		size, sum, err := copyFile(path, target, fi.Mode().Perm())
		if err != nil {
			return err
		}
		files = append(files, model.StoredFile{
			Path:     filepath.Join(filepath.Base(dst), rel),
			Size:     size,
			Checksum: sum,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка копирования %s → %s: %w", src, dst, err)
	}

	return files, nil
}

// copyFile копирует один файл с подсчётом SHA-256.
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке temp файл удаляется.
func copyFile(src, dst string, perm os.FileMode) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("ошибка открытия %s: %w", src, err)
	}
	defer in.Close()

	tmpPath := dst + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, "", fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	tee := io.TeeReader(in, hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Inventory обходит дерево root и возвращает его обычные файлы
// с размерами и SHA-256. Пути — относительно base.
// Результат отсортирован по пути.
func Inventory(base, root string) ([]model.StoredFile, error) {
	var files []model.StoredFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := ComputeChecksum(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		files = append(files, model.StoredFile{Path: rel, Size: fi.Size(), Checksum: sum})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка инвентаризации %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// TotalSize возвращает суммарный размер файлов.
func TotalSize(files []model.StoredFile) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// ComputeChecksum вычисляет SHA-256 хэш существующего файла.
func ComputeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ValidCode проверяет, что код сущности можно использовать как имя
// директории: непустой, без разделителей пути и не начинается с точки.
// Допустимы буквы, цифры, дефис и подчёркивание.
func ValidCode(code string) bool {
	if code == "" || code[0] == '.' || len(code) > 128 {
		return false
	}
	for _, r := range code {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			continue
		}
		return false
	}
	return true
}
