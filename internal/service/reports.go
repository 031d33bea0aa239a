// reports.go — отчёты о попытках в состоянии FAILED_PERMANENTLY.
//
// Каждый отчёт — JSON-файл {IM_WORK_DIR}/failed/{attempt_id}.json,
// доступный оператору через GET /api/v1/failures.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FailureReport — отчёт о неустранимой ошибке отката.
type FailureReport struct {
	AttemptID      string    `json:"attempt_id"`
	ItemPath       string    `json:"item_path"`
	Dropbox        string    `json:"dropbox"`
	Classification string    `json:"classification,omitempty"`
	Action         string    `json:"action,omitempty"`
	Cause          string    `json:"cause,omitempty"`
	RollbackError  string    `json:"rollback_error"`
	Source         string    `json:"source"`
	ReportedAt     time.Time `json:"reported_at"`
}

// Источники отчёта.
const (
	SourceRegistration = "registration"
	SourceRecovery     = "recovery"
)

// ReportStore — хранилище отчётов.
type ReportStore struct {
	dir string
}

// NewReportStore создаёт хранилище отчётов.
func NewReportStore(dir string) (*ReportStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания директории отчётов %s: %w", dir, err)
	}
	return &ReportStore{dir: dir}, nil
}

// Write атомарно сохраняет отчёт. Повторный отчёт по той же попытке
// заменяет предыдущий. Попытка без идентификатора получает случайное имя.
func (s *ReportStore) Write(r *FailureReport) error {
	if r.ReportedAt.IsZero() {
		r.ReportedAt = time.Now().UTC()
	}
	name := r.AttemptID
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		name = "unidentified-" + uuid.NewString()
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации отчёта: %w", err)
	}

	path := filepath.Join(s.dir, name+".json")
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка создания отчёта: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ошибка записи отчёта: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ошибка fsync отчёта: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// List возвращает отчёты, новые первыми. Повреждённые файлы пропускаются.
func (s *ReportStore) List() ([]*FailureReport, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка чтения директории отчётов: %w", err)
	}

	var reports []*FailureReport
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var r FailureReport
		if json.Unmarshal(data, &r) != nil {
			continue
		}
		reports = append(reports, &r)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].ReportedAt.After(reports[j].ReportedAt)
	})
	return reports, nil
}
