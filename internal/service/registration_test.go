package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/ingest-module/internal/catalog"
	"github.com/bigkaa/goartstore/ingest-module/internal/catalog/memcatalog"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/attempt"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/undo"
	"github.com/bigkaa/goartstore/ingest-module/internal/hook"
	"github.com/bigkaa/goartstore/ingest-module/internal/processor"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/attr"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/index"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/journal"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/marker"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeCatalog — in-memory каталог с внедрением ошибок и подсчётом вызовов.
type fakeCatalog struct {
	*memcatalog.Catalog

	mu          sync.Mutex
	createErr   error
	registerErr error
	visibleErr  error
	invisible   bool
	creates     int
	registers   int
	visibles    int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{Catalog: memcatalog.New()}
}

func (c *fakeCatalog) CreateIdentifier(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.creates++
	err := c.createErr
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	return c.Catalog.CreateIdentifier(ctx)
}

func (c *fakeCatalog) RegisterEntity(ctx context.Context, rec *model.RegistrationRecord) (string, error) {
	c.mu.Lock()
	c.registers++
	err := c.registerErr
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	return c.Catalog.RegisterEntity(ctx, rec)
}

func (c *fakeCatalog) IsVisible(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	c.visibles++
	err, invisible := c.visibleErr, c.invisible
	c.mu.Unlock()
	if err != nil {
		return false, err
	}
	if invisible {
		return false, nil
	}
	return c.Catalog.IsVisible(ctx, id)
}

func (c *fakeCatalog) calls() (creates, registers, visibles int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates, c.registers, c.visibles
}

// envOptions — параметры тестового окружения.
type envOptions struct {
	policy    map[string]string
	hooks     hook.Hooks
	validator hook.Validator
	processor processor.Processor
	suppress  bool
	// guarded — каталог за catalog.Guard с кэшем видимости, как в main
	guarded bool
}

// testEnv — окружение Registration Service на временных директориях.
type testEnv struct {
	t *testing.T

	dropbox    string
	stagingDir string
	errorDir   string
	trashDir   string

	catalog  *fakeCatalog
	cache    *catalog.VisibilityCache
	store    *filestore.FileStore
	journals *journal.Store
	index    *index.Index
	runner   *processor.Runner
	deleter  *Deleter
	reports  *ReportStore
	svc      *RegistrationService
	recovery *RecoveryManager
}

// newTestEnv создаёт окружение с move processor по умолчанию.
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	root := t.TempDir()
	workDir := filepath.Join(root, "work")
	env := &testEnv{
		t:          t,
		dropbox:    filepath.Join(root, "incoming", "dropbox1"),
		stagingDir: filepath.Join(workDir, "staging"),
		errorDir:   filepath.Join(workDir, "error"),
		trashDir:   filepath.Join(workDir, "trash"),
		catalog:    newFakeCatalog(),
	}
	for _, dir := range []string{env.dropbox, env.stagingDir, filepath.Join(root, "store")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("Ошибка создания директории %s: %v", dir, err)
		}
	}

	var err error
	env.store, err = filestore.New(filepath.Join(root, "store"))
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}
	env.journals, err = journal.New(filepath.Join(workDir, "rollback-stack"), testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания хранилища журналов: %v", err)
	}
	env.reports, err = NewReportStore(filepath.Join(workDir, "failed"))
	if err != nil {
		t.Fatalf("Ошибка создания хранилища отчётов: %v", err)
	}

	proc := opts.processor
	if proc == nil {
		proc, err = processor.New(processor.NameMove, processor.Deps{Store: env.store})
		if err != nil {
			t.Fatalf("Ошибка создания processor: %v", err)
		}
	}
	env.runner = processor.NewRunner(proc, testLogger())

	policy, err := undo.NewPolicy(opts.policy)
	if err != nil {
		t.Fatalf("Ошибка создания политики: %v", err)
	}

	env.index = index.New(testLogger())
	env.deleter = NewDeleter(env.trashDir, 0, testLogger())

	var client catalog.Client = env.catalog
	if opts.guarded {
		env.cache = catalog.NewVisibilityCache(1024, 5*time.Minute)
		client = catalog.NewGuard(env.catalog, catalog.GuardConfig{Timeout: 5 * time.Second}, env.cache, testLogger())
	}

	env.svc = NewRegistrationService(RegistrationConfig{
		NodeID:         "test-node",
		StagingDir:     env.stagingDir,
		Policy:         policy,
		SuppressErrors: opts.suppress,
	}, RegistrationDeps{
		Journals:  env.journals,
		Runner:    env.runner,
		Catalog:   client,
		Hooks:     opts.hooks,
		Validator: opts.validator,
		Store:     env.store,
		Index:     env.index,
		Disposer:  NewDisposer(env.errorDir, env.trashDir, env.deleter, testLogger()),
		Deleter:   env.deleter,
		Reports:   env.reports,
	}, testLogger())
	env.recovery = NewRecoveryManager(env.svc, testLogger())

	return env
}

// deposit помещает во входящую директорию элемент-директорию
// с файлами и маркер готовности.
func (e *testEnv) deposit(name string, files map[string]string) model.IncomingItem {
	e.t.Helper()

	itemPath := filepath.Join(e.dropbox, name)
	if err := os.MkdirAll(itemPath, 0o750); err != nil {
		e.t.Fatalf("Ошибка создания элемента: %v", err)
	}
	for rel, content := range files {
		p := filepath.Join(itemPath, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			e.t.Fatalf("Ошибка создания директории: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o640); err != nil {
			e.t.Fatalf("Ошибка создания файла: %v", err)
		}
	}
	if err := os.WriteFile(marker.ReadyMarkerPathFor(itemPath), nil, 0o640); err != nil {
		e.t.Fatalf("Ошибка создания маркера готовности: %v", err)
	}
	return model.NewIncomingItem(itemPath)
}

// assertItemRestored проверяет, что элемент вернулся в исходное
// состояние с исходным содержимым.
func (e *testEnv) assertItemRestored(item model.IncomingItem, files map[string]string) {
	e.t.Helper()
	for rel, want := range files {
		data, err := os.ReadFile(filepath.Join(item.Path, rel))
		if err != nil {
			e.t.Errorf("Файл %s не восстановлен: %v", rel, err)
			continue
		}
		if string(data) != want {
			e.t.Errorf("Содержимое %s: хотели %q, получили %q", rel, want, data)
		}
	}
}

// assertNoLeftovers проверяет отсутствие журналов, маркера обработки,
// staging и данных в хранилище.
func (e *testEnv) assertNoLeftovers(item model.IncomingItem) {
	e.t.Helper()

	if marker.IsProcessing(item) {
		e.t.Error("Маркер обработки не удалён")
	}
	journals, err := e.journals.List()
	if err != nil {
		e.t.Fatalf("Ошибка чтения журналов: %v", err)
	}
	if len(journals) != 0 {
		e.t.Errorf("Журналов: хотели 0, получили %d", len(journals))
	}
	assertDirEmpty(e.t, e.stagingDir)
	assertDirEmpty(e.t, e.store.StoreDir())
}

// assertDirEmpty проверяет, что директория пуста или отсутствует.
func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("Ошибка чтения %s: %v", dir, err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, en := range entries {
			names = append(names, en.Name())
		}
		t.Errorf("Директория %s не пуста: %v", dir, names)
	}
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

var sampleFiles = map[string]string{
	"a.txt":       "first sub-item",
	"sub/b.txt":   "second sub-item",
	"sub/c.data":  "payload",
	"metadata.md": "# sample",
}

func TestProcess_Success(t *testing.T) {
	var points []hook.Point
	hooks := hook.Funcs{
		OnPreMetadata: func(_ context.Context, hc *hook.Context, ev hook.Event) error {
			points = append(points, ev.Point)
			return hc.Set("sample_type", "tissue")
		},
		OnPostMetadata: func(_ context.Context, _ *hook.Context, ev hook.Event) error {
			points = append(points, ev.Point)
			return nil
		},
		OnPostStorage: func(_ context.Context, _ *hook.Context, ev hook.Event) error {
			points = append(points, ev.Point)
			return nil
		},
	}
	env := newTestEnv(t, envOptions{hooks: hooks})
	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.Confirmed() {
		t.Fatalf("Состояние: хотели CONFIRMED, получили %s", out.State)
	}

	wantPoints := []hook.Point{hook.PointPreMetadata, hook.PointPostMetadata, hook.PointPostStorage}
	if len(points) != len(wantPoints) {
		t.Fatalf("Хуки: хотели %v, получили %v", wantPoints, points)
	}
	for i := range wantPoints {
		if points[i] != wantPoints[i] {
			t.Errorf("Хук %d: хотели %s, получили %s", i, wantPoints[i], points[i])
		}
	}

	// Удалённая запись
	rec, err := env.catalog.Get(out.AttemptID)
	if err != nil {
		t.Fatalf("Сущность не зарегистрирована: %v", err)
	}
	if rec.Properties["sample_type"] != "tissue" {
		t.Errorf("Свойства записи: %v", rec.Properties)
	}
	if rec.FileCount != len(sampleFiles) {
		t.Errorf("FileCount: хотели %d, получили %d", len(sampleFiles), rec.FileCount)
	}
	if rec.NodeID != "test-node" {
		t.Errorf("NodeID: хотели test-node, получили %s", rec.NodeID)
	}

	// Хранилище
	meta, err := attr.Read(attr.FilePath(env.store.EntityDir(out.AttemptID)))
	if err != nil {
		t.Fatalf("attr.json не прочитан: %v", err)
	}
	if meta.Status != model.StatusConfirmed {
		t.Errorf("Статус сущности: хотели confirmed, получили %s", meta.Status)
	}
	data, err := os.ReadFile(filepath.Join(env.store.OriginalPath(out.AttemptID), "sub", "b.txt"))
	if err != nil || string(data) != "second sub-item" {
		t.Errorf("Данные в хранилище: %q, %v", data, err)
	}
	if got := env.index.Get(out.AttemptID); got == nil || got.Status != model.StatusConfirmed {
		t.Errorf("Индекс: %+v", got)
	}

	// Входящая директория и рабочие директории
	if pathExists(item.Path) {
		t.Error("Элемент остался во входящей директории")
	}
	if pathExists(marker.ReadyMarkerPathFor(item.Path)) {
		t.Error("Маркер готовности не удалён")
	}
	if marker.IsProcessing(item) {
		t.Error("Маркер обработки не удалён")
	}
	journals, _ := env.journals.List()
	if len(journals) != 0 {
		t.Errorf("Журналов: хотели 0, получили %d", len(journals))
	}

	stagingPath := filepath.Join(env.stagingDir, out.AttemptID)
	pending := env.deleter.Pending()
	if len(pending) != 1 || pending[0] != stagingPath {
		t.Errorf("Очередь удаления: хотели [%s], получили %v", stagingPath, pending)
	}
	env.deleter.RunOnce()
	if pathExists(stagingPath) {
		t.Error("Staging не удалён после цикла deleter")
	}

	if len(env.svc.Active()) != 0 {
		t.Errorf("Активных попыток: хотели 0, получили %d", len(env.svc.Active()))
	}
}

// Удалённая регистрация не удалась: элемент с двумя подэлементами
// возвращается на место, коммит не выполняется.
func TestProcess_RegistrationFailure(t *testing.T) {
	tests := []struct {
		name   string
		policy map[string]string
		want   undo.Action
	}{
		{name: "по умолчанию — оставить на месте", want: undo.LeaveUntouched},
		{
			name:   "перенос в директорию ошибок",
			policy: map[string]string{"OPENBIS_REGISTRATION_FAILURE": "move_to_error"},
			want:   undo.MoveToError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rollbackEvents []hook.Event
			hooks := hook.Funcs{
				OnRollback: func(_ context.Context, _ *hook.Context, ev hook.Event) error {
					rollbackEvents = append(rollbackEvents, ev)
					return nil
				},
			}
			env := newTestEnv(t, envOptions{policy: tt.policy, hooks: hooks})
			env.catalog.registerErr = &catalog.RemoteRegistrationError{
				Reason: catalog.ReasonTransport,
				Err:    errors.New("connection refused"),
			}
			files := map[string]string{"first.txt": "1", "second.txt": "2"}
			item := env.deposit("sample1", files)

			out, err := env.svc.Process(context.Background(), item)

			var regErr *RegistrationError
			if !errors.As(err, &regErr) {
				t.Fatalf("Ожидалась RegistrationError, получили %v", err)
			}
			if regErr.Classification != undo.RegistrationFailure {
				t.Errorf("Классификация: хотели %s, получили %s", undo.RegistrationFailure, regErr.Classification)
			}
			if !catalog.IsRemoteRegistrationError(err) {
				t.Error("Исходная ошибка каталога потеряна в цепочке")
			}
			if out.State != attempt.StateRolledBack {
				t.Errorf("Состояние: хотели ROLLED_BACK, получили %s", out.State)
			}
			if out.Action != tt.want {
				t.Errorf("Действие: хотели %s, получили %s", tt.want, out.Action)
			}

			switch tt.want {
			case undo.LeaveUntouched:
				env.assertItemRestored(item, files)
				faulty, _ := marker.LoadFaulty(env.dropbox)
				if !faulty[item.Name] {
					t.Error("Элемент не записан в .faulty_paths")
				}
			case undo.MoveToError:
				moved := model.IncomingItem{Path: filepath.Join(env.errorDir, "dropbox1", item.Name)}
				env.assertItemRestored(moved, files)
				if pathExists(item.Path) {
					t.Error("Элемент остался во входящей директории")
				}
				if pathExists(marker.ReadyMarkerPathFor(item.Path)) {
					t.Error("Маркер готовности не удалён")
				}
			}

			env.assertNoLeftovers(item)
			if pathExists(attr.FilePath(env.store.EntityDir(out.AttemptID))) {
				t.Error("Коммит выполнен после ошибки регистрации")
			}
			if env.catalog.Count() != 0 {
				t.Errorf("Сущностей в каталоге: хотели 0, получили %d", env.catalog.Count())
			}
			if len(rollbackEvents) != 1 || rollbackEvents[0].Classification != string(undo.RegistrationFailure) {
				t.Errorf("Уведомление об откате: %+v", rollbackEvents)
			}
		})
	}
}

// Хук после регистрации упал: удалённая запись остаётся,
// локальные изменения откатываются, элемент удаляется по политике.
func TestProcess_PostRegistrationHookFailure(t *testing.T) {
	hooks := hook.Funcs{
		OnPostMetadata: func(context.Context, *hook.Context, hook.Event) error {
			return errors.New("post-registration script failed")
		},
	}
	env := newTestEnv(t, envOptions{
		policy: map[string]string{"POST_REGISTRATION_ERROR": "delete"},
		hooks:  hooks,
	})
	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)

	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("Ожидалась RegistrationError, получили %v", err)
	}
	if regErr.Classification != undo.PostRegistrationError {
		t.Errorf("Классификация: хотели %s, получили %s", undo.PostRegistrationError, regErr.Classification)
	}
	if out.Action != undo.Delete {
		t.Errorf("Действие: хотели DELETE, получили %s", out.Action)
	}

	if env.catalog.Count() != 1 {
		t.Errorf("Удалённая запись должна остаться: сущностей %d", env.catalog.Count())
	}
	if pathExists(item.Path) {
		t.Error("Элемент не удалён из входящей директории")
	}
	if pathExists(marker.ReadyMarkerPathFor(item.Path)) {
		t.Error("Маркер готовности не удалён")
	}
	env.assertNoLeftovers(item)
	if env.index.Get(out.AttemptID) != nil {
		t.Error("Сущность осталась в индексе")
	}

	env.deleter.RunOnce()
	assertDirEmpty(t, env.trashDir)
}

// Processor частично записал данные и предложил своё действие:
// частичная запись откатывается, предложение processor побеждает политику.
func TestProcess_ProcessorOverride(t *testing.T) {
	env := newTestEnv(t, envOptions{
		policy: map[string]string{"STORAGE_PROCESSOR_ERROR": "delete"},
	})
	// Processor создаётся после окружения: нужен FileStore
	failing := &partialProcessor{store: env.store}
	env.runner = processor.NewRunner(failing, testLogger())
	env.svc.deps.Runner = env.runner

	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)
	if err == nil {
		t.Fatal("Ожидалась ошибка попытки")
	}
	if out.Classification != undo.StorageProcessorError {
		t.Errorf("Классификация: хотели %s, получили %s", undo.StorageProcessorError, out.Classification)
	}
	if out.Action != undo.MoveToError {
		t.Errorf("Действие: хотели MOVE_TO_ERROR (предложение processor), получили %s", out.Action)
	}
	if failing.partialPath == "" || pathExists(failing.partialPath) {
		t.Errorf("Частичная запись %q не откачена", failing.partialPath)
	}
	env.assertItemRestored(model.IncomingItem{Path: filepath.Join(env.errorDir, "dropbox1", item.Name)}, sampleFiles)
	env.assertNoLeftovers(item)
	if _, registers, _ := env.catalog.calls(); registers != 0 {
		t.Errorf("RegisterEntity вызван %d раз после ошибки processor", registers)
	}
}

// partialProcessor пишет файл в хранилище и падает.
type partialProcessor struct {
	store       *filestore.FileStore
	partialPath string
}

func (p *partialProcessor) Name() string { return "partial" }

func (p *partialProcessor) CreateTransaction(info processor.AttemptInfo) (processor.Transaction, error) {
	return &partialTx{p: p, info: info}, nil
}

type partialTx struct {
	p    *partialProcessor
	info processor.AttemptInfo
}

func (t *partialTx) StoreData(_ context.Context, _ string) (*processor.StoredData, error) {
	dir := t.p.store.EntityDir(t.info.AttemptID)
	if err := t.info.Journal.Mkdir(dir); err != nil {
		return nil, err
	}
	t.p.partialPath = filepath.Join(dir, "chunk-0001")
	if err := t.info.Journal.Create(t.p.partialPath, func() error {
		return os.WriteFile(t.p.partialPath, []byte("partial"), 0o640)
	}); err != nil {
		return nil, err
	}
	return nil, errors.New("disk quota exceeded")
}

func (t *partialTx) Commit() error { return nil }

func (t *partialTx) Rollback(error) *undo.Action {
	a := undo.MoveToError
	return &a
}

func TestProcess_Validation(t *testing.T) {
	tests := []struct {
		name      string
		validator hook.ValidatorFunc
		wantClass undo.Classification
	}{
		{
			name: "нарушения в данных",
			validator: func(context.Context, *hook.Context, hook.Event) ([]hook.Violation, error) {
				return []hook.Violation{{Path: "a.txt", Message: "пустой файл"}}, nil
			},
			wantClass: undo.InvalidDataSet,
		},
		{
			name: "сбой валидатора",
			validator: func(context.Context, *hook.Context, hook.Event) ([]hook.Violation, error) {
				return nil, errors.New("validator crashed")
			},
			wantClass: undo.ValidationScriptError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{validator: tt.validator})
			item := env.deposit("sample1", sampleFiles)

			out, err := env.svc.Process(context.Background(), item)
			if err == nil {
				t.Fatal("Ожидалась ошибка попытки")
			}
			if out.Classification != tt.wantClass {
				t.Errorf("Классификация: хотели %s, получили %s", tt.wantClass, out.Classification)
			}
			if tt.wantClass == undo.InvalidDataSet {
				var verr *ValidationError
				if !errors.As(err, &verr) || len(verr.Violations) != 1 {
					t.Errorf("Ожидалась ValidationError с одним нарушением, получили %v", err)
				}
			}
			env.assertItemRestored(item, sampleFiles)
			env.assertNoLeftovers(item)
			if _, registers, _ := env.catalog.calls(); registers != 0 {
				t.Errorf("RegisterEntity вызван %d раз", registers)
			}
		})
	}
}

func TestProcess_PreMetadataHookFailure(t *testing.T) {
	hooks := hook.Funcs{
		OnPreMetadata: func(context.Context, *hook.Context, hook.Event) error {
			return errors.New("script error")
		},
	}
	env := newTestEnv(t, envOptions{hooks: hooks})
	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)
	if err == nil {
		t.Fatal("Ожидалась ошибка попытки")
	}
	if out.Classification != undo.RegistrationScriptError {
		t.Errorf("Классификация: хотели %s, получили %s", undo.RegistrationScriptError, out.Classification)
	}
	env.assertItemRestored(item, sampleFiles)
	env.assertNoLeftovers(item)
}

func TestProcess_NotVisibleAfterRegistration(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.catalog.invisible = true
	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)
	if err == nil {
		t.Fatal("Ожидалась ошибка попытки")
	}
	if out.Classification != undo.PostRegistrationError {
		t.Errorf("Классификация: хотели %s, получили %s", undo.PostRegistrationError, out.Classification)
	}
	// Коммит был выполнен под журналом и откатывается вместе с данными
	env.assertItemRestored(item, sampleFiles)
	env.assertNoLeftovers(item)
}

func TestProcess_IdentifierFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.catalog.createErr = errors.New("catalog unavailable")
	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)
	if err == nil {
		t.Fatal("Ожидалась ошибка попытки")
	}
	if out.Classification != undo.RegistrationFailure {
		t.Errorf("Классификация: хотели %s, получили %s", undo.RegistrationFailure, out.Classification)
	}
	if out.AttemptID != "" {
		t.Errorf("AttemptID: хотели пустой, получили %s", out.AttemptID)
	}
	env.assertItemRestored(item, sampleFiles)
	env.assertNoLeftovers(item)
}

func TestProcess_SuppressErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{suppress: true})
	env.catalog.registerErr = errors.New("rejected")
	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Ошибка должна быть подавлена, получили %v", err)
	}
	if !out.Suppressed {
		t.Error("Outcome.Suppressed = false")
	}
	if out.State != attempt.StateRolledBack {
		t.Errorf("Состояние: хотели ROLLED_BACK, получили %s", out.State)
	}
	if out.Cause == nil {
		t.Error("Причина ошибки потеряна")
	}
	env.assertNoLeftovers(item)
}

// Откат не удался: попытка FAILED_PERMANENTLY, журнал и маркер
// остаются, пишется отчёт; ошибка не подавляется.
func TestProcess_RollbackFailure(t *testing.T) {
	hooks := hook.Funcs{
		OnPreMetadata: func(_ context.Context, _ *hook.Context, ev hook.Event) error {
			// Кто-то создал новый элемент с тем же именем: вернуть данные некуда
			if err := os.MkdirAll(ev.Item.Path, 0o750); err != nil {
				return err
			}
			return errors.New("script error")
		},
	}
	env := newTestEnv(t, envOptions{hooks: hooks, suppress: true})
	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)

	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("Ожидалась RegistrationError, получили %v", err)
	}
	if regErr.State != attempt.StateFailedPermanently {
		t.Errorf("Состояние: хотели FAILED_PERMANENTLY, получили %s", regErr.State)
	}
	if out.RollbackErr == nil || !errors.Is(out.RollbackErr, journal.ErrConflict) {
		t.Errorf("RollbackErr: ожидался конфликт путей, получили %v", out.RollbackErr)
	}
	if out.Suppressed {
		t.Error("FAILED_PERMANENTLY не должен подавляться")
	}
	if !marker.IsProcessing(item) {
		t.Error("Маркер обработки должен остаться до вмешательства оператора")
	}
	journals, _ := env.journals.List()
	if len(journals) != 1 {
		t.Errorf("Журналов: хотели 1, получили %d", len(journals))
	}

	reports, err := env.reports.List()
	if err != nil {
		t.Fatalf("Ошибка чтения отчётов: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("Отчётов: хотели 1, получили %d", len(reports))
	}
	if reports[0].AttemptID != out.AttemptID || reports[0].Source != SourceRegistration {
		t.Errorf("Отчёт: %+v", reports[0])
	}
	if !strings.Contains(reports[0].RollbackError, "sample1") {
		t.Errorf("Ошибка отката в отчёте: %s", reports[0].RollbackError)
	}
}

func TestProcess_AlreadyProcessing(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	item := env.deposit("sample1", sampleFiles)
	if _, err := marker.MarkProcessing(item); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	out, err := env.svc.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.Skipped {
		t.Error("Элемент с маркером обработки должен быть пропущен")
	}
	if creates, _, _ := env.catalog.calls(); creates != 0 {
		t.Errorf("CreateIdentifier вызван %d раз", creates)
	}
	env.assertItemRestored(item, sampleFiles)
}

func TestProcess_SingleFileItem(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	itemPath := filepath.Join(env.dropbox, "report.csv")
	if err := os.WriteFile(itemPath, []byte("a,b\n1,2\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(marker.ReadyMarkerPathFor(itemPath), nil, 0o640); err != nil {
		t.Fatal(err)
	}

	out, err := env.svc.Process(context.Background(), model.NewIncomingItem(itemPath))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(env.store.OriginalPath(out.AttemptID), "report.csv"))
	if err != nil || string(data) != "a,b\n1,2\n" {
		t.Errorf("Файл в хранилище: %q, %v", data, err)
	}
}

// Каталог за кэширующим Guard: успешная попытка проверяет видимость
// запросом к каталогу, кэш заполняется ответом каталога.
func TestProcess_CachedGuardSuccess(t *testing.T) {
	env := newTestEnv(t, envOptions{guarded: true})
	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.Confirmed() {
		t.Fatalf("Состояние: хотели CONFIRMED, получили %s", out.State)
	}
	if _, _, visibles := env.catalog.calls(); visibles != 1 {
		t.Errorf("Запросов видимости к каталогу: хотели 1, получили %d", visibles)
	}
	if env.cache.Len() != 1 {
		t.Errorf("Записей в кэше видимости: хотели 1, получили %d", env.cache.Len())
	}
}

// Каталог за кэширующим Guard не показывает сущность: попытка
// откатывается как POST_REGISTRATION_ERROR.
func TestProcess_CachedGuardNotVisible(t *testing.T) {
	env := newTestEnv(t, envOptions{guarded: true})
	env.catalog.invisible = true
	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)
	if err == nil {
		t.Fatal("Ожидалась ошибка попытки")
	}
	if out.Classification != undo.PostRegistrationError {
		t.Errorf("Классификация: хотели %s, получили %s", undo.PostRegistrationError, out.Classification)
	}
	if _, _, visibles := env.catalog.calls(); visibles == 0 {
		t.Error("Видимость не запрошена у каталога")
	}
	if env.cache.Len() != 0 {
		t.Errorf("Невидимая сущность попала в кэш: записей %d", env.cache.Len())
	}
	env.assertItemRestored(item, sampleFiles)
	env.assertNoLeftovers(item)
}

// Действие над элементом не выполнено: маркер обработки остаётся,
// повторный опрос элемент пропускает, Recovery Manager завершает откат.
func TestProcess_DispositionFailureKeepsItemBusy(t *testing.T) {
	env := newTestEnv(t, envOptions{
		policy:  map[string]string{"OPENBIS_REGISTRATION_FAILURE": "move_to_error"},
		guarded: true,
	})
	env.catalog.registerErr = &catalog.RemoteRegistrationError{
		Reason: catalog.ReasonRejected,
		Err:    errors.New("invalid record"),
	}
	// Директория ошибок недоступна: на её месте обычный файл
	if err := os.WriteFile(env.errorDir, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	item := env.deposit("sample1", sampleFiles)

	out, err := env.svc.Process(context.Background(), item)
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("Ожидалась RegistrationError, получили %v", err)
	}
	if out.State != attempt.StateFailedPermanently {
		t.Fatalf("Состояние: хотели FAILED_PERMANENTLY, получили %s", out.State)
	}
	if !marker.IsProcessing(item) {
		t.Error("Маркер обработки снят при неудачном действии над элементом")
	}
	journals, _ := env.journals.List()
	if len(journals) != 1 {
		t.Errorf("Журналов: хотели 1, получили %d", len(journals))
	}

	again, err := env.svc.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Повторный Process: %v", err)
	}
	if !again.Skipped {
		t.Error("Элемент обработан повторно новой попыткой")
	}
	if creates, registers, _ := env.catalog.calls(); creates != 1 || registers != 1 {
		t.Errorf("Обращений к каталогу: идентификаторов %d, регистраций %d", creates, registers)
	}

	// Оператор освободил директорию ошибок
	if err := os.Remove(env.errorDir); err != nil {
		t.Fatal(err)
	}
	res, err := env.recovery.RecoverDropbox(context.Background(), env.dropbox)
	if err != nil {
		t.Fatalf("RecoverDropbox: %v", err)
	}
	if res.Count(RecoveryRolledBack) != 1 {
		t.Fatalf("Результат восстановления: %+v", res.Attempts)
	}
	moved := model.IncomingItem{Path: filepath.Join(env.errorDir, "dropbox1", item.Name)}
	env.assertItemRestored(moved, sampleFiles)
	env.assertNoLeftovers(item)
}
