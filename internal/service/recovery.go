// recovery.go — Recovery Manager: завершение попыток, прерванных
// аварийным остановом.
//
// Для входящей директории сканируются маркеры обработки и журналы
// rollback-stack. Решение принимается только по состоянию на диске
// и ответу каталога:
//   - маркер без журнала или пустой журнал — удаляется только маркер;
//   - журнал с записью confirmed — уборка подтверждённой попытки;
//   - журнал с решением отката — откат завершается по решению;
//   - журнал с начатой регистрацией и видимой сущностью — коммит
//     (если не выполнен) и подтверждение;
//   - иначе — откат как при ошибке попытки.
//
// Повторный запуск на том же состоянии ничего не делает: завершённые
// попытки не оставляют ни журнала, ни маркера, а решение отката
// сохраняется до первого действия, поэтому каталог повторно не опрашивается.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/attempt"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/undo"
	"github.com/bigkaa/goartstore/ingest-module/internal/processor"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/attr"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/journal"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/marker"
)

// Действия восстановления (метка метрики и поле отчёта).
const (
	RecoveryClearedMarker = "cleared_marker"
	RecoveryResumed       = "resumed"
	RecoveryRolledBack    = "rolled_back"
	RecoveryFailed        = "failed"
	RecoveryStagingSwept  = "staging_swept"
)

// RecoveredAttempt — результат восстановления одной попытки.
type RecoveredAttempt struct {
	AttemptID      string        `json:"attempt_id,omitempty"`
	ItemPath       string        `json:"item_path"`
	Action         string        `json:"action"`
	State          attempt.State `json:"state,omitempty"`
	Classification string        `json:"classification,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// RecoveryResult — результат прохода восстановления.
type RecoveryResult struct {
	Attempts      []RecoveredAttempt `json:"attempts"`
	StagingSwept  int                `json:"staging_swept"`
	ActiveSkipped int                `json:"active_skipped"`
}

// Count возвращает количество попыток с данным действием.
func (r *RecoveryResult) Count(action string) int {
	n := 0
	for _, a := range r.Attempts {
		if a.Action == action {
			n++
		}
	}
	return n
}

func (r *RecoveryResult) add(a RecoveredAttempt) {
	r.Attempts = append(r.Attempts, a)
	recoveryActionsTotal.WithLabelValues(a.Action).Inc()
}

// RecoveryManager — восстановление после аварийного останова.
//
// Пользовательские хуки при восстановлении не выполняются. Для попытки,
// прерванной после регистрации, хуки post_metadata_registration и
// post_storage повторно не вызываются: выполняются только коммит
// processor (если не записан) и уборка подтверждённой попытки.
// Уведомление rollback_notification при откате тоже не отправляется.
type RecoveryManager struct {
	svc    *RegistrationService
	logger *slog.Logger
}

// NewRecoveryManager создаёт Recovery Manager поверх Registration Service
// (общие журналы, каталог, политика и путь отката).
func NewRecoveryManager(svc *RegistrationService, logger *slog.Logger) *RecoveryManager {
	return &RecoveryManager{
		svc:    svc,
		logger: logger.With(slog.String("component", "recovery")),
	}
}

// Recover выполняет восстановление для всех директорий.
func (r *RecoveryManager) Recover(ctx context.Context, dropboxes []string) (*RecoveryResult, error) {
	total := &RecoveryResult{}
	for _, dir := range dropboxes {
		res, err := r.RecoverDropbox(ctx, dir)
		if err != nil {
			return total, err
		}
		total.Attempts = append(total.Attempts, res.Attempts...)
		total.StagingSwept += res.StagingSwept
		total.ActiveSkipped += res.ActiveSkipped
	}
	return total, nil
}

// RecoverDropbox восстанавливает попытки одной входящей директории.
// Вызывающий гарантирует, что директория не обрабатывается параллельно.
func (r *RecoveryManager) RecoverDropbox(ctx context.Context, dropbox string) (*RecoveryResult, error) {
	dropbox = filepath.Clean(dropbox)
	res := &RecoveryResult{}

	markers, err := marker.FindProcessing(dropbox)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*marker.Marker, len(markers))
	for _, mk := range markers {
		byPath[mk.Path] = mk
	}

	all, err := r.svc.deps.Journals.List()
	if err != nil {
		return nil, err
	}

	// Новые журналы первыми: текущий маркер элемента принадлежит
	// последней попытке
	var journals []*journal.Journal
	for _, j := range all {
		if filepath.Clean(j.Header().Dropbox) == dropbox {
			journals = append(journals, j)
		}
	}
	sort.Slice(journals, func(a, b int) bool {
		return journals[a].Header().CreatedAt.After(journals[b].Header().CreatedAt)
	})

	for _, j := range journals {
		h := j.Header()
		if r.svc.isActive(h.ItemPath) {
			res.ActiveSkipped++
			continue
		}
		mk := byPath[h.MarkerPath]
		delete(byPath, h.MarkerPath)

		res.add(r.recoverJournal(ctx, j, mk))
	}

	// Маркеры без журнала: останов до первого изменения FS
	for _, mk := range byPath {
		if r.svc.isActive(mk.Item.Path) {
			res.ActiveSkipped++
			continue
		}
		ra := RecoveredAttempt{ItemPath: mk.Item.Path, Action: RecoveryClearedMarker}
		if err := marker.ClearProcessing(mk); err != nil {
			ra.Action = RecoveryFailed
			ra.Error = err.Error()
		}
		r.logger.Info("Маркер обработки без журнала удалён",
			slog.String("item", mk.Item.Path),
		)
		res.add(ra)
	}

	res.StagingSwept = r.sweepStaging(all)

	if len(res.Attempts) > 0 || res.StagingSwept > 0 {
		r.logger.Info("Восстановление входящей директории завершено",
			slog.String("dropbox", dropbox),
			slog.Int("cleared_markers", res.Count(RecoveryClearedMarker)),
			slog.Int("resumed", res.Count(RecoveryResumed)),
			slog.Int("rolled_back", res.Count(RecoveryRolledBack)),
			slog.Int("failed", res.Count(RecoveryFailed)),
			slog.Int("staging_swept", res.StagingSwept),
		)
	}
	return res, nil
}

// recoverJournal разбирает одну прерванную попытку.
func (r *RecoveryManager) recoverJournal(ctx context.Context, j *journal.Journal, mk *marker.Marker) RecoveredAttempt {
	h := j.Header()
	item := model.IncomingItem{Path: h.ItemPath, Name: filepath.Base(h.ItemPath), Dropbox: h.Dropbox}
	logger := r.logger.With(slog.String("attempt_id", h.AttemptID), slog.String("item", h.ItemPath))
	ra := RecoveredAttempt{AttemptID: h.AttemptID, ItemPath: h.ItemPath}

	// Пустой журнал: локальных изменений не было
	if j.Len() == 0 {
		if err := marker.ClearProcessing(mk); err != nil {
			return r.failed(ra, "", "", err)
		}
		if err := j.Discard(); err != nil {
			return r.failed(ra, "", "", err)
		}
		logger.Info("Пустой журнал удалён вместе с маркером обработки")
		ra.Action = RecoveryClearedMarker
		return ra
	}

	if j.Confirmed() {
		return r.resume(j, item, mk, ra, logger)
	}

	if class, action, ok := j.Decision(); ok {
		c, cerr := undo.ParseClassification(class)
		a, aerr := undo.ParseAction(action)
		if cerr == nil && aerr == nil {
			return r.rollback(j, item, mk, c, a, ra, logger)
		}
		logger.Warn("Сохранённое решение отката не распознано, решение принимается заново",
			slog.String("classification", class),
			slog.String("action", action),
		)
	}

	class := undo.StorageProcessorError
	if id, ok := j.RegisteringIdentifier(); ok {
		visible, err := r.svc.deps.Catalog.IsVisible(ctx, id)
		if err != nil {
			// Состояние каталога неизвестно: локальный откат и отчёт оператору
			c := undo.RegistrationFailure
			a := r.svc.cfg.Policy.Decide(c, nil)
			logger.Error("Каталог недоступен при восстановлении, выполняется локальный откат",
				slog.String("error", err.Error()),
			)
			out := r.rollback(j, item, mk, c, a, ra, logger)
			if out.Action != RecoveryFailed {
				out.Action = RecoveryFailed
				out.State = attempt.StateFailedPermanently
				out.Error = err.Error()
				r.svc.reportFailure(&FailureReport{
					AttemptID:      h.AttemptID,
					ItemPath:       h.ItemPath,
					Dropbox:        h.Dropbox,
					Classification: string(c),
					Action:         string(a),
					Cause:          "регистрация прервана, видимость сущности не определена",
					RollbackError:  err.Error(),
					Source:         SourceRecovery,
				})
			}
			return out
		}
		if visible {
			if err := r.completeCommit(j, item); err != nil {
				logger.Error("Не удалось завершить коммит зарегистрированной сущности",
					slog.String("error", err.Error()),
				)
				c := undo.PostRegistrationError
				return r.rollback(j, item, mk, c, r.svc.cfg.Policy.Decide(c, nil), ra, logger)
			}
			if err := j.Record(journal.Entry{Kind: journal.KindConfirmed, Identifier: id}); err != nil {
				return r.failed(ra, "", "", err)
			}
			return r.resume(j, item, mk, ra, logger)
		}
		class = undo.RegistrationFailure
	}

	return r.rollback(j, item, mk, class, r.svc.cfg.Policy.Decide(class, nil), ra, logger)
}

// completeCommit выполняет коммит processor по данным на диске,
// если он не был записан в журнал.
func (r *RecoveryManager) completeCommit(j *journal.Journal, item model.IncomingItem) error {
	if j.Committed() {
		return nil
	}
	resumer, ok := r.svc.deps.Runner.Processor().(processor.Resumer)
	if !ok {
		return fmt.Errorf("storage processor %s не поддерживает завершение коммита",
			r.svc.deps.Runner.Processor().Name())
	}
	if h := j.Header(); h.Processor != "" && h.Processor != r.svc.deps.Runner.Processor().Name() {
		return fmt.Errorf("журнал создан processor %s, активен %s",
			h.Processor, r.svc.deps.Runner.Processor().Name())
	}

	meta, err := resumer.ResumeCommit(processor.AttemptInfo{AttemptID: j.ID(), Item: item, Journal: j})
	if err != nil {
		return err
	}
	if err := j.Record(journal.Entry{Kind: journal.KindStorageCommitted}); err != nil {
		return err
	}
	if r.svc.deps.Index != nil {
		r.svc.deps.Index.Put(meta)
	}
	return nil
}

// resume завершает уборку подтверждённой попытки.
func (r *RecoveryManager) resume(j *journal.Journal, item model.IncomingItem, mk *marker.Marker, ra RecoveredAttempt, logger *slog.Logger) RecoveredAttempt {
	var meta *model.EntityMetadata
	if r.svc.deps.Store != nil {
		m, err := attr.Read(attr.FilePath(r.svc.deps.Store.EntityDir(j.ID())))
		if err != nil {
			logger.Warn("Метаданные сущности не прочитаны", slog.String("error", err.Error()))
		} else {
			meta = m
		}
	}

	if err := r.svc.finishConfirmed(j, item, mk, meta); err != nil {
		return r.failed(ra, "", "", err)
	}
	logger.Info("Подтверждённая попытка завершена после сбоя")
	ra.Action = RecoveryResumed
	ra.State = attempt.StateConfirmed
	return ra
}

// rollback завершает откат прерванной попытки.
func (r *RecoveryManager) rollback(j *journal.Journal, item model.IncomingItem, mk *marker.Marker, class undo.Classification, action undo.Action, ra RecoveredAttempt, logger *slog.Logger) RecoveredAttempt {
	ra.Classification = string(class)

	err := r.svc.unwind(unwindTarget{
		attemptID: j.ID(),
		item:      item,
		mk:        mk,
		j:         j,
		class:     class,
		action:    action,
	})
	rollbacksTotal.WithLabelValues(string(class), string(action)).Inc()
	if err != nil {
		r.svc.reportFailure(&FailureReport{
			AttemptID:      j.ID(),
			ItemPath:       item.Path,
			Dropbox:        item.Dropbox,
			Classification: string(class),
			Action:         string(action),
			Cause:          "попытка прервана аварийным остановом",
			RollbackError:  err.Error(),
			Source:         SourceRecovery,
		})
		return r.failed(ra, class, action, err)
	}

	logger.Info("Прерванная попытка откачена",
		slog.String("classification", string(class)),
		slog.String("action", string(action)),
	)
	ra.Action = RecoveryRolledBack
	ra.State = attempt.StateRolledBack
	return ra
}

// failed заполняет результат неустранимой ошибки.
func (r *RecoveryManager) failed(ra RecoveredAttempt, class undo.Classification, action undo.Action, err error) RecoveredAttempt {
	ra.Action = RecoveryFailed
	ra.State = attempt.StateFailedPermanently
	ra.Error = err.Error()
	if class != "" {
		ra.Classification = string(class)
	}
	r.logger.Error("Восстановление попытки не удалось",
		slog.String("attempt_id", ra.AttemptID),
		slog.String("item", ra.ItemPath),
		slog.String("action", string(action)),
		slog.String("error", err.Error()),
	)
	return ra
}

// sweepStaging ставит в очередь удаления директории staging,
// у которых нет журнала (остатки подтверждённых попыток).
func (r *RecoveryManager) sweepStaging(journals []*journal.Journal) int {
	if r.svc.deps.Deleter == nil || r.svc.cfg.StagingDir == "" {
		return 0
	}
	entries, err := os.ReadDir(r.svc.cfg.StagingDir)
	if err != nil {
		return 0
	}

	known := make(map[string]bool, len(journals))
	for _, j := range journals {
		known[j.ID()] = true
	}
	r.svc.mu.Lock()
	for _, a := range r.svc.active {
		known[a.id] = true
	}
	r.svc.mu.Unlock()

	swept := 0
	for _, e := range entries {
		if known[e.Name()] {
			continue
		}
		r.svc.deps.Deleter.ScheduleDelete(filepath.Join(r.svc.cfg.StagingDir, e.Name()))
		swept++
	}
	if swept > 0 {
		recoveryActionsTotal.WithLabelValues(RecoveryStagingSwept).Add(float64(swept))
	}
	return swept
}
