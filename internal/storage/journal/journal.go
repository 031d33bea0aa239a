package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound — журнал попытки не найден.
var ErrNotFound = errors.New("журнал не найден")

// ErrConflict — откат невозможен: и исходный, и целевой путь существуют.
var ErrConflict = errors.New("конфликт путей при откате")

// Store — директория журналов (rollback-stack).
type Store struct {
	// dir — {IM_WORK_DIR}/rollback-stack
	dir    string
	logger *slog.Logger
}

// New создаёт хранилище журналов. Проверяет и создаёт директорию
// если она не существует. Возвращает ошибку при проблемах с FS.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журналов %s: %w", dir, err)
	}

	// Проверяем доступность на запись через temp файл
	testFile := filepath.Join(dir, ".journal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория журналов %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &Store{
		dir:    dir,
		logger: logger.With(slog.String("component", "journal")),
	}, nil
}

// Dir возвращает путь к директории журналов.
func (s *Store) Dir() string {
	return s.dir
}

// Create создаёт журнал новой попытки и атомарно записывает заголовок.
func (s *Store) Create(h Header) (*Journal, error) {
	if h.AttemptID == "" || strings.ContainsAny(h.AttemptID, `/\`) || strings.HasPrefix(h.AttemptID, ".") {
		return nil, fmt.Errorf("недопустимый идентификатор попытки %q", h.AttemptID)
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	dir := filepath.Join(s.dir, h.AttemptID)
	if err := os.Mkdir(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать журнал %s: %w", h.AttemptID, err)
	}
	if err := writeJSON(filepath.Join(dir, headerFileName), h); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("не удалось записать заголовок журнала %s: %w", h.AttemptID, err)
	}
	if err := syncDir(s.dir); err != nil {
		return nil, err
	}

	s.logger.Debug("Журнал попытки создан",
		slog.String("attempt_id", h.AttemptID),
		slog.String("item", h.ItemPath),
	)

	return &Journal{
		dir:    dir,
		header: h,
		next:   1,
		logger: s.logger.With(slog.String("attempt_id", h.AttemptID)),
	}, nil
}

// Load читает журнал попытки с диска.
func (s *Store) Load(attemptID string) (*Journal, error) {
	dir := filepath.Join(s.dir, attemptID)

	data, err := os.ReadFile(filepath.Join(dir, headerFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, attemptID)
		}
		return nil, fmt.Errorf("ошибка чтения заголовка журнала %s: %w", attemptID, err)
	}

	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("ошибка десериализации заголовка журнала %s: %w", attemptID, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*"+entrySuffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования журнала %s: %w", attemptID, err)
	}

	j := &Journal{
		dir:    dir,
		header: h,
		next:   1,
		logger: s.logger.With(slog.String("attempt_id", attemptID)),
	}

	for _, path := range matches {
		seq, err := strconv.Atoi(strings.TrimSuffix(filepath.Base(path), entrySuffix))
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения записи журнала %s: %w", path, err)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("ошибка десериализации записи журнала %s: %w", path, err)
		}
		e.Seq = seq
		j.entries = append(j.entries, e)
		if seq >= j.next {
			j.next = seq + 1
		}
	}

	sort.Slice(j.entries, func(a, b int) bool { return j.entries[a].Seq < j.entries[b].Seq })

	return j, nil
}

// List возвращает журналы всех незавершённых попыток.
// Нечитаемые журналы пропускаются с предупреждением.
func (s *Store) List() ([]*Journal, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать директорию журналов: %w", err)
	}

	var result []*Journal
	for _, de := range dirEntries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		j, err := s.Load(de.Name())
		if err != nil {
			s.logger.Warn("Не удалось прочитать журнал при сканировании",
				slog.String("attempt_id", de.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		result = append(result, j)
	}
	return result, nil
}

// Journal — журнал одной попытки.
// Методы потокобезопасны, но журнал принадлежит одной попытке.
type Journal struct {
	dir     string
	header  Header
	entries []Entry
	next    int
	mu      sync.Mutex
	logger  *slog.Logger
}

// ID возвращает идентификатор попытки.
func (j *Journal) ID() string {
	return j.header.AttemptID
}

// Header возвращает заголовок журнала.
func (j *Journal) Header() Header {
	return j.header
}

// Dir возвращает директорию журнала.
func (j *Journal) Dir() string {
	return j.dir
}

// Entries возвращает копию записей в порядке добавления.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry(nil), j.entries...)
}

// Len возвращает количество записей.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Record атомарно сохраняет запись на диск и добавляет её в стек.
// Паттерн: temp файл → fsync → rename → fsync директории.
func (j *Journal) Record(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e.Seq = j.next
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	if err := writeJSON(filepath.Join(j.dir, entryFileName(e.Seq)), e); err != nil {
		return fmt.Errorf("не удалось записать запись журнала %s: %w", e.Kind, err)
	}
	if err := syncDir(j.dir); err != nil {
		return err
	}

	j.entries = append(j.entries, e)
	j.next++

	j.logger.Debug("Запись журнала добавлена",
		slog.Int("seq", e.Seq),
		slog.String("kind", string(e.Kind)),
	)
	return nil
}

// Do записывает e и затем выполняет action.
// Если action завершился ошибкой, запись остаётся в журнале:
// компенсирующие действия проверяют фактическое состояние FS.
func (j *Journal) Do(e Entry, action func() error) error {
	if err := j.Record(e); err != nil {
		return err
	}
	return action()
}

// Mkdir создаёт директорию path под журналом.
// Существующий путь — ошибка без записи в журнал, чтобы откат
// не тронул чужую директорию.
func (j *Journal) Mkdir(path string) error {
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("ошибка создания директории: %s уже существует", path)
	}
	return j.Do(Entry{Kind: KindMkdir, Path: path}, func() error {
		if err := os.Mkdir(path, 0o750); err != nil {
			return fmt.Errorf("ошибка создания директории %s: %w", path, err)
		}
		return syncDir(filepath.Dir(path))
	})
}

// Move переименовывает src в dst под журналом.
// Существующий dst — ошибка без записи в журнал.
func (j *Journal) Move(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("ошибка перемещения %s: целевой путь %s уже существует", src, dst)
	}
	return j.Do(Entry{Kind: KindMove, Src: src, Dst: dst}, func() error {
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("ошибка перемещения %s → %s: %w", src, dst, err)
		}
		if err := syncDir(filepath.Dir(dst)); err != nil {
			return err
		}
		return syncDir(filepath.Dir(src))
	})
}

// Copy записывает операцию копирования и выполняет copyFn.
// Существующий dst — ошибка без записи в журнал.
func (j *Journal) Copy(src, dst string, copyFn func() error) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("ошибка копирования %s: целевой путь %s уже существует", src, dst)
	}
	return j.Do(Entry{Kind: KindCopy, Src: src, Dst: dst}, copyFn)
}

// Create записывает создание файла path и выполняет writeFn.
func (j *Journal) Create(path string, writeFn func() error) error {
	return j.Do(Entry{Kind: KindCreate, Path: path}, writeFn)
}

// UndoAll выполняет компенсирующие действия для всех файловых записей
// строго в обратном порядке. Каждое действие проверяет фактическое
// состояние FS и идемпотентно. Отменённая запись удаляется из журнала.
// Остановка на первой ошибке: нижележащие записи не трогаются.
func (j *Journal) UndoAll() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		if !e.Kind.Undoable() {
			continue
		}

		if err := undoEntry(e); err != nil {
			j.logger.Error("Ошибка отката записи журнала",
				slog.Int("seq", e.Seq),
				slog.String("kind", string(e.Kind)),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("откат записи %d (%s): %w", e.Seq, e.Kind, err)
		}

		if err := os.Remove(filepath.Join(j.dir, entryFileName(e.Seq))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("не удалось удалить отменённую запись %d: %w", e.Seq, err)
		}
		if err := syncDir(j.dir); err != nil {
			return err
		}
		j.entries = append(j.entries[:i], j.entries[i+1:]...)

		j.logger.Debug("Запись журнала отменена",
			slog.Int("seq", e.Seq),
			slog.String("kind", string(e.Kind)),
		)
	}

	return nil
}

// undoEntry выполняет компенсирующее действие одной записи.
func undoEntry(e Entry) error {
	switch e.Kind {
	case KindMkdir:
		err := os.Remove(e.Path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("не удалось удалить директорию %s: %w", e.Path, err)

	case KindMove:
		_, dstErr := os.Lstat(e.Dst)
		if os.IsNotExist(dstErr) {
			// Перемещение не успело выполниться или уже отменено
			return nil
		}
		if dstErr != nil {
			return fmt.Errorf("ошибка проверки %s: %w", e.Dst, dstErr)
		}
		if _, err := os.Lstat(e.Src); err == nil {
			return fmt.Errorf("%w: существуют и %s, и %s", ErrConflict, e.Src, e.Dst)
		}
		if err := os.Rename(e.Dst, e.Src); err != nil {
			return fmt.Errorf("ошибка возврата %s → %s: %w", e.Dst, e.Src, err)
		}
		return syncDir(filepath.Dir(e.Src))

	case KindCopy:
		if err := os.RemoveAll(e.Dst); err != nil {
			return fmt.Errorf("не удалось удалить копию %s: %w", e.Dst, err)
		}
		removeTemp(e.Dst)
		return nil

	case KindCreate:
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("не удалось удалить файл %s: %w", e.Path, err)
		}
		removeTemp(e.Path)
		return nil
	}
	return nil
}

// removeTemp удаляет временный файл незавершённой атомарной записи.
func removeTemp(path string) {
	os.Remove(path + ".tmp")
}

// Discard удаляет журнал с диска.
func (j *Journal) Discard() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.RemoveAll(j.dir); err != nil {
		return fmt.Errorf("не удалось удалить журнал %s: %w", j.header.AttemptID, err)
	}
	j.entries = nil

	j.logger.Debug("Журнал попытки удалён")
	return nil
}

// find возвращает последнюю запись данного типа.
func (j *Journal) find(kind Kind) (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := len(j.entries) - 1; i >= 0; i-- {
		if j.entries[i].Kind == kind {
			return j.entries[i], true
		}
	}
	return Entry{}, false
}

// RegisteringIdentifier возвращает идентификатор сущности, если вызов
// регистрации в удалённом каталоге был начат.
func (j *Journal) RegisteringIdentifier() (string, bool) {
	e, ok := j.find(KindRegistering)
	return e.Identifier, ok
}

// Registered возвращает true, если каталог подтвердил регистрацию.
func (j *Journal) Registered() bool {
	_, ok := j.find(KindRegistered)
	return ok
}

// Committed возвращает true, если storage processor закоммитил данные.
func (j *Journal) Committed() bool {
	_, ok := j.find(KindStorageCommitted)
	return ok
}

// Confirmed возвращает true, если попытка подтверждена.
func (j *Journal) Confirmed() bool {
	_, ok := j.find(KindConfirmed)
	return ok
}

// Decision возвращает сохранённое решение undo-политики.
func (j *Journal) Decision() (classification, action string, ok bool) {
	e, ok := j.find(KindDecision)
	return e.Classification, e.Action, ok
}

// HasUndoable возвращает true, если в журнале есть файловые записи.
func (j *Journal) HasUndoable() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range j.entries {
		if e.Kind.Undoable() {
			return true
		}
	}
	return false
}

// writeJSON атомарно записывает v в path.
// Паттерн: temp файл → fsync → atomic rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// syncDir выполняет fsync директории.
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
