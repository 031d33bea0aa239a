// registration.go — Registration Service: проведение одного элемента
// через конечный автомат попытки.
//
// Основной путь:
//
//	DETECTED → STAGED → STORED → METADATA_REGISTERED → CONFIRMED
//
// Порядок побочных эффектов строгий: удалённая запись выполняется только
// после успешного staging и сохранения, маркеры удаляются только после
// CONFIRMED или завершённого отката. Любая ошибка классифицируется и
// проходит путь отката (см. rollback.go).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/ingest-module/internal/catalog"
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

// RegistrationConfig — параметры Registration Service.
type RegistrationConfig struct {
	// NodeID — идентификатор узла в записи регистрации
	NodeID string
	// StagingDir — корень staging ({IM_WORK_DIR}/staging)
	StagingDir string
	// Policy — политика компенсирующих действий
	Policy *undo.Policy
	// SuppressErrors — не возвращать исходную ошибку после отката
	SuppressErrors bool
}

// RegistrationDeps — зависимости Registration Service.
type RegistrationDeps struct {
	Journals  *journal.Store
	Runner    *processor.Runner
	Catalog   catalog.Client
	Hooks     hook.Hooks
	Validator hook.Validator
	Store     *filestore.FileStore
	Index     *index.Index
	Disposer  *Disposer
	Deleter   DeleteScheduler
	Reports   *ReportStore
}

// AttemptStatus — снимок попытки в обработке.
type AttemptStatus struct {
	AttemptID string        `json:"attempt_id"`
	ItemPath  string        `json:"item_path"`
	State     attempt.State `json:"state"`
	StartedAt time.Time     `json:"started_at"`
}

// ValidationError — валидатор сообщил о нарушениях в данных.
type ValidationError struct {
	Violations []hook.Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Path != "" {
			parts = append(parts, v.Path+": "+v.Message)
		} else {
			parts = append(parts, v.Message)
		}
	}
	return fmt.Sprintf("данные не прошли проверку (%d): %s", len(e.Violations), strings.Join(parts, "; "))
}

// attemptRun — состояние одной попытки в памяти.
type attemptRun struct {
	id         string
	item       model.IncomingItem
	mk         *marker.Marker
	j          *journal.Journal
	sm         *attempt.StateMachine
	hc         *hook.Context
	run        *processor.Run
	stagingDir string
	stagedPath string
	stored     *processor.StoredData
	started    time.Time
	logger     *slog.Logger
}

// RegistrationService — оркестратор попыток регистрации.
type RegistrationService struct {
	cfg  RegistrationConfig
	deps RegistrationDeps

	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*attemptRun // по пути элемента
}

// NewRegistrationService создаёт Registration Service.
// Hooks по умолчанию — hook.Nop, Validator может быть nil.
func NewRegistrationService(cfg RegistrationConfig, deps RegistrationDeps, logger *slog.Logger) *RegistrationService {
	if deps.Hooks == nil {
		deps.Hooks = hook.Nop
	}
	return &RegistrationService{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "registration")),
		active: make(map[string]*attemptRun),
	}
}

// Process проводит элемент через попытку регистрации.
//
// Возвращает Outcome всегда, кроме ошибки создания маркера обработки
// (в этом случае попытка не начата). Для неуспешной попытки вторым
// значением возвращается *RegistrationError, если ошибки не подавлены.
// Элемент, уже обрабатываемый другой попыткой, возвращается с Skipped.
func (s *RegistrationService) Process(ctx context.Context, item model.IncomingItem) (*Outcome, error) {
	mk, err := marker.MarkProcessing(item)
	if errors.Is(err, marker.ErrAlreadyProcessing) {
		s.logger.Debug("Элемент уже обрабатывается", slog.String("item", item.Path))
		return &Outcome{ItemPath: item.Path, Skipped: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("попытка не начата: %w", err)
	}

	a := &attemptRun{
		item:    item,
		mk:      mk,
		sm:      attempt.New(),
		started: time.Now(),
		logger:  s.logger.With(slog.String("item", item.Path), slog.String("dropbox", item.Dropbox)),
	}
	s.track(a)
	defer s.untrack(a)

	a.logger.Info("Попытка регистрации начата")

	if f := s.forward(ctx, a); f != nil {
		return s.rollback(ctx, a, f)
	}

	s.finish(a, attempt.StateConfirmed)
	a.logger.Info("Попытка регистрации подтверждена",
		slog.String("attempt_id", a.id),
		slog.Duration("duration", time.Since(a.started)),
	)
	return &Outcome{AttemptID: a.id, ItemPath: item.Path, State: attempt.StateConfirmed}, nil
}

// forward выполняет основной путь. Возвращает классифицированную ошибку
// первого неуспешного шага.
func (s *RegistrationService) forward(ctx context.Context, a *attemptRun) *failure {
	// Идентификатор: код сущности и имя журнала
	id, err := s.deps.Catalog.CreateIdentifier(ctx)
	if err != nil {
		return fail(undo.RegistrationFailure, fmt.Errorf("выделение идентификатора: %w", err))
	}
	if !filestore.ValidCode(id) {
		return fail(undo.RegistrationFailure, fmt.Errorf("каталог выдал недопустимый идентификатор %q", id))
	}
	s.mu.Lock()
	a.id = id
	s.mu.Unlock()
	a.hc = hook.NewContext(id)
	a.logger = a.logger.With(slog.String("attempt_id", id))

	a.j, err = s.deps.Journals.Create(journal.Header{
		AttemptID:  id,
		ItemPath:   a.item.Path,
		Dropbox:    a.item.Dropbox,
		MarkerPath: a.mk.Path,
		Processor:  s.deps.Runner.Processor().Name(),
	})
	if err != nil {
		return fail(undo.StorageProcessorError, err)
	}

	// DETECTED → STAGED
	a.stagingDir = filepath.Join(s.cfg.StagingDir, id)
	a.stagedPath = filepath.Join(a.stagingDir, a.item.Name)
	if err := a.j.Mkdir(a.stagingDir); err != nil {
		return fail(undo.InvalidDataSet, err)
	}
	if err := a.j.Move(a.item.Path, a.stagedPath); err != nil {
		return fail(undo.InvalidDataSet, err)
	}
	if f := s.transition(a, attempt.StateStaged); f != nil {
		return f
	}

	if s.deps.Validator != nil {
		violations, err := s.deps.Validator.Validate(ctx, a.hc, s.event(a, hook.PointValidate))
		if err != nil {
			return fail(undo.ValidationScriptError, err)
		}
		if len(violations) > 0 {
			return fail(undo.InvalidDataSet, &ValidationError{Violations: violations})
		}
	}

	// STAGED → STORED
	a.run, err = s.deps.Runner.Begin(processor.AttemptInfo{AttemptID: id, Item: a.item, Journal: a.j})
	if err != nil {
		return fail(undo.StorageProcessorError, err)
	}
	a.stored, err = a.run.StoreData(ctx, a.stagedPath)
	if err != nil {
		return fail(undo.StorageProcessorError, err)
	}
	if f := s.transition(a, attempt.StateStored); f != nil {
		return f
	}

	// STORED → METADATA_REGISTERED
	if err := s.deps.Hooks.PreMetadata(ctx, a.hc, s.event(a, hook.PointPreMetadata)); err != nil {
		return fail(undo.RegistrationScriptError, err)
	}

	rec := s.buildRecord(a)
	if err := a.j.Record(journal.Entry{Kind: journal.KindRegistering, Identifier: id}); err != nil {
		return fail(undo.RegistrationFailure, err)
	}
	if _, err := s.deps.Catalog.RegisterEntity(ctx, rec); err != nil {
		return fail(undo.RegistrationFailure, err)
	}
	if err := a.j.Record(journal.Entry{Kind: journal.KindRegistered, Identifier: id}); err != nil {
		return fail(undo.PostRegistrationError, err)
	}
	if f := s.transition(a, attempt.StateMetadataRegistered); f != nil {
		return f
	}

	// METADATA_REGISTERED → CONFIRMED
	if err := s.deps.Hooks.PostMetadata(ctx, a.hc, s.event(a, hook.PointPostMetadata)); err != nil {
		return fail(undo.PostRegistrationError, err)
	}

	if err := a.run.Commit(); err != nil {
		return fail(undo.StorageProcessorError, err)
	}
	if err := a.j.Record(journal.Entry{Kind: journal.KindStorageCommitted}); err != nil {
		return fail(undo.StorageProcessorError, err)
	}
	if s.deps.Index != nil {
		s.deps.Index.Put(a.stored.Metadata)
	}

	if err := s.deps.Hooks.PostStorage(ctx, a.hc, s.event(a, hook.PointPostStorage)); err != nil {
		return fail(undo.PostRegistrationError, err)
	}

	visible, err := s.deps.Catalog.IsVisible(ctx, id)
	if err != nil {
		return fail(undo.PostRegistrationError, fmt.Errorf("проверка видимости %s: %w", id, err))
	}
	if !visible {
		return fail(undo.PostRegistrationError, fmt.Errorf("сущность %s не видна в каталоге после регистрации", id))
	}

	if err := a.j.Record(journal.Entry{Kind: journal.KindConfirmed, Identifier: id}); err != nil {
		return fail(undo.PostRegistrationError, err)
	}
	if err := a.sm.TransitionTo(attempt.StateConfirmed); err != nil {
		return fail(undo.PostRegistrationError, err)
	}

	// Попытка подтверждена; ошибки уборки завершит Recovery Manager
	if err := s.finishConfirmed(a.j, a.item, a.mk, a.stored.Metadata); err != nil {
		a.logger.Warn("Уборка после подтверждения не завершена",
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// transition выполняет переход автомата.
func (s *RegistrationService) transition(a *attemptRun, target attempt.State) *failure {
	if err := a.sm.TransitionTo(target); err != nil {
		return fail(undo.StorageProcessorError, err)
	}
	a.logger.Debug("Переход попытки", slog.String("state", string(target)))
	return nil
}

// buildRecord формирует запись регистрации. Свойства — снимок
// контекста хуков на момент регистрации.
func (s *RegistrationService) buildRecord(a *attemptRun) *model.RegistrationRecord {
	meta := a.stored.Metadata
	return &model.RegistrationRecord{
		Code:       a.id,
		NodeID:     s.cfg.NodeID,
		ItemName:   a.item.Name,
		Dropbox:    a.item.Dropbox,
		StorePath:  a.stored.EntityDir,
		Size:       meta.Size,
		FileCount:  len(meta.Files),
		Properties: a.hc.Snapshot(),
		CreatedAt:  time.Now().UTC(),
	}
}

// event формирует событие для хука.
func (s *RegistrationService) event(a *attemptRun, point hook.Point) hook.Event {
	ev := hook.Event{
		Point:      point,
		AttemptID:  a.id,
		Item:       a.item,
		StagedPath: a.stagedPath,
	}
	if a.stored != nil {
		ev.StorePath = a.stored.EntityDir
	}
	return ev
}

// finishConfirmed выполняет уборку подтверждённой попытки:
// статус confirmed в attr.json и индексе, удаление маркера готовности,
// staging в очередь удаления, удаление журнала и маркера обработки.
// Каждый шаг идемпотентен; журнал удаляется раньше маркера обработки,
// поэтому прерванная уборка видна Recovery Manager.
func (s *RegistrationService) finishConfirmed(j *journal.Journal, item model.IncomingItem, mk *marker.Marker, meta *model.EntityMetadata) error {
	id := j.ID()

	if meta != nil && meta.Status != model.StatusConfirmed {
		meta.Status = model.StatusConfirmed
		if err := attr.Write(attr.FilePath(s.deps.Store.EntityDir(id)), meta); err != nil {
			return fmt.Errorf("обновление статуса сущности %s: %w", id, err)
		}
	}
	if meta != nil && s.deps.Index != nil {
		s.deps.Index.Put(meta)
	}

	if err := marker.ClearReady(item); err != nil {
		return err
	}
	if s.deps.Deleter != nil {
		s.deps.Deleter.ScheduleDelete(filepath.Join(s.cfg.StagingDir, id))
	}
	if err := j.Discard(); err != nil {
		return err
	}
	if mk == nil {
		return nil
	}
	return marker.ClearProcessing(mk)
}

// track регистрирует попытку как активную.
func (s *RegistrationService) track(a *attemptRun) {
	s.mu.Lock()
	s.active[a.item.Path] = a
	s.mu.Unlock()
	activeAttempts.Inc()
}

// untrack снимает попытку с учёта.
func (s *RegistrationService) untrack(a *attemptRun) {
	s.mu.Lock()
	delete(s.active, a.item.Path)
	s.mu.Unlock()
	activeAttempts.Dec()
}

// isActive возвращает true, если элемент обрабатывается в этом процессе.
func (s *RegistrationService) isActive(itemPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[itemPath]
	return ok
}

// finish учитывает терминальное состояние в метриках.
func (s *RegistrationService) finish(a *attemptRun, state attempt.State) {
	attemptsTotal.WithLabelValues(string(state)).Inc()
	attemptDurationSeconds.WithLabelValues(string(state)).Observe(time.Since(a.started).Seconds())
}

// Active возвращает попытки в обработке, отсортированные по времени начала.
func (s *RegistrationService) Active() []AttemptStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]AttemptStatus, 0, len(s.active))
	for _, a := range s.active {
		result = append(result, AttemptStatus{
			AttemptID: a.id,
			ItemPath:  a.item.Path,
			State:     a.sm.Current(),
			StartedAt: a.started,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}
