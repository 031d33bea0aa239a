// rollback.go — путь отката попытки.
//
// Порядок: Rollback(cause) у транзакции processor (если StoreData
// вызывался) → решение политики (предложение processor имеет приоритет)
// → запись решения в журнал → откат журнала в обратном порядке →
// действие над исходным элементом → удаление маркера обработки →
// удаление журнала → уведомление rollback-хука.
//
// Ошибка отката переводит попытку в FAILED_PERMANENTLY: пишется отчёт
// в {IM_WORK_DIR}/failed, журнал и маркер обработки остаются на диске
// для повторной попытки Recovery Manager; опрос элемент пропускает. Удалённые сущности не удаляются никогда.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/attempt"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/undo"
	"github.com/bigkaa/goartstore/ingest-module/internal/hook"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/journal"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/marker"
)

// unwindTarget — всё, что нужно для отката, без объектов попытки в памяти.
type unwindTarget struct {
	attemptID string
	item      model.IncomingItem
	mk        *marker.Marker
	j         *journal.Journal
	class     undo.Classification
	action    undo.Action
}

// rollback проводит неуспешную попытку через путь отката.
func (s *RegistrationService) rollback(ctx context.Context, a *attemptRun, f *failure) (*Outcome, error) {
	// Хуки отката выполняются и при отменённом контексте
	ctx = context.WithoutCancel(ctx)

	var dc *undo.DecisionContext
	if a.run != nil {
		if override := a.run.Rollback(f.err); override != nil {
			dc = &undo.DecisionContext{Override: override}
		}
	}
	action := s.cfg.Policy.Decide(f.class, dc)

	out := &Outcome{
		AttemptID:      a.id,
		ItemPath:       a.item.Path,
		Classification: f.class,
		Cause:          f.err,
		Action:         action,
	}

	a.logger.Error("Попытка регистрации не удалась",
		slog.String("state", string(a.sm.Current())),
		slog.String("classification", string(f.class)),
		slog.String("action", string(action)),
		slog.Bool("processor_override", dc != nil),
		slog.String("error", f.err.Error()),
	)

	if err := a.sm.TransitionTo(attempt.StateRollingBack); err != nil {
		a.logger.Error("Недопустимый переход в откат", slog.String("error", err.Error()))
	}

	rbErr := s.unwind(unwindTarget{
		attemptID: a.id,
		item:      a.item,
		mk:        a.mk,
		j:         a.j,
		class:     f.class,
		action:    action,
	})
	rollbacksTotal.WithLabelValues(string(f.class), string(action)).Inc()

	if rbErr != nil {
		out.RollbackErr = rbErr
		_ = a.sm.TransitionTo(attempt.StateFailedPermanently)
		s.reportFailure(&FailureReport{
			AttemptID:      a.id,
			ItemPath:       a.item.Path,
			Dropbox:        a.item.Dropbox,
			Classification: string(f.class),
			Action:         string(action),
			Cause:          f.err.Error(),
			RollbackError:  rbErr.Error(),
			Source:         SourceRegistration,
		})
	} else {
		_ = a.sm.TransitionTo(attempt.StateRolledBack)
		a.logger.Info("Попытка откачена",
			slog.String("classification", string(f.class)),
			slog.String("action", string(action)),
		)
	}

	out.State = a.sm.Current()
	s.finish(a, out.State)

	hc := a.hc
	if hc == nil {
		hc = hook.NewContext(a.id)
	}
	ev := s.event(a, hook.PointRollback)
	ev.Classification = string(f.class)
	ev.Action = string(action)
	ev.Cause = f.err.Error()
	if err := s.deps.Hooks.RollbackNotification(ctx, hc, ev); err != nil {
		a.logger.Warn("Ошибка rollback-хука",
			slog.String("error", err.Error()),
		)
	}

	regErr := &RegistrationError{
		AttemptID:      a.id,
		ItemPath:       a.item.Path,
		Classification: f.class,
		State:          out.State,
		Err:            f.err,
	}

	// FAILED_PERMANENTLY не подавляется: локальное и удалённое
	// состояние могут расходиться
	if s.cfg.SuppressErrors && rbErr == nil {
		out.Suppressed = true
		a.logger.Error("Ошибка попытки подавлена",
			slog.String("classification", string(f.class)),
			slog.String("error", regErr.Error()),
		)
		return out, nil
	}
	return out, regErr
}

// unwind выполняет откат по сохранённому состоянию: журнал, маркер,
// действие над элементом. Используется и Registration Service,
// и Recovery Manager. Идемпотентен.
func (s *RegistrationService) unwind(t unwindTarget) error {
	if t.j != nil {
		if _, _, ok := t.j.Decision(); !ok {
			if err := t.j.Record(journal.Entry{
				Kind:           journal.KindDecision,
				Classification: string(t.class),
				Action:         string(t.action),
			}); err != nil {
				return fmt.Errorf("запись решения отката: %w", err)
			}
		}
		if err := t.j.UndoAll(); err != nil {
			return err
		}
	}

	// Маркер обработки снимается только после действия над элементом:
	// при ошибке элемент остаётся занятым до Recovery Manager
	if _, err := s.deps.Disposer.Dispose(t.item, t.action); err != nil {
		return fmt.Errorf("действие %s над %s: %w", t.action, t.item.Path, err)
	}

	if err := marker.ClearProcessing(t.mk); err != nil {
		return err
	}

	if t.j != nil {
		if err := t.j.Discard(); err != nil {
			return err
		}
	}

	if t.attemptID != "" && s.deps.Index != nil {
		s.deps.Index.Remove(t.attemptID)
	}
	return nil
}

// reportFailure фиксирует FAILED_PERMANENTLY: лог Error, отчёт, метрика.
func (s *RegistrationService) reportFailure(r *FailureReport) {
	failedPermanentlyTotal.Inc()

	s.logger.Error("Попытка в состоянии FAILED_PERMANENTLY, требуется вмешательство оператора",
		slog.String("attempt_id", r.AttemptID),
		slog.String("item", r.ItemPath),
		slog.String("classification", r.Classification),
		slog.String("action", r.Action),
		slog.String("source", r.Source),
		slog.String("error", r.RollbackError),
	)

	if s.deps.Reports == nil {
		return
	}
	if err := s.deps.Reports.Write(r); err != nil {
		s.logger.Error("Не удалось записать отчёт об ошибке",
			slog.String("attempt_id", r.AttemptID),
			slog.String("error", err.Error()),
		)
	}
}
