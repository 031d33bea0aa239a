// watcher.go — опрос входящих директорий.
//
// На каждую директорию — отдельная горутина и flock-блокировка
// (dirlock): директорию обрабатывает ровно один экземпляр. После
// получения владения сначала выполняется восстановление, затем
// элементы с маркером готовности обрабатываются по одному.
// Восстановление по запросу оператора выполняется под той же
// блокировкой, что и опрос, поэтому не пересекается с активной попыткой.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bigkaa/goartstore/ingest-module/internal/storage/dirlock"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/marker"
)

// DropboxStatus — состояние входящей директории.
type DropboxStatus struct {
	Dir       string    `json:"dir"`
	Held      bool      `json:"held"`
	Owner     string    `json:"owner,omitempty"`
	LastScan  time.Time `json:"last_scan,omitempty"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
}

// dropboxWorker — обработчик одной директории.
type dropboxWorker struct {
	dir  string
	lock *dirlock.Lock

	mu           sync.Mutex // сериализует опрос и восстановление
	needRecovery atomic.Bool
	lastScan     atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
}

// Watcher — сервис опроса входящих директорий.
type Watcher struct {
	svc          *RegistrationService
	recovery     *RecoveryManager
	nodeID       string
	interval     time.Duration
	lockInterval time.Duration
	logger       *slog.Logger

	workers []*dropboxWorker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher создаёт сервис опроса.
func NewWatcher(
	dropboxes []string,
	svc *RegistrationService,
	recovery *RecoveryManager,
	nodeID string,
	interval time.Duration,
	lockInterval time.Duration,
	logger *slog.Logger,
) *Watcher {
	w := &Watcher{
		svc:          svc,
		recovery:     recovery,
		nodeID:       nodeID,
		interval:     interval,
		lockInterval: lockInterval,
		logger:       logger.With(slog.String("component", "watcher")),
	}
	for _, dir := range dropboxes {
		w.workers = append(w.workers, &dropboxWorker{dir: dir})
	}
	return w
}

// Start захватывает (или начинает ожидать) блокировки директорий
// и запускает горутины опроса.
func (w *Watcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for _, dw := range w.workers {
		dw.needRecovery.Store(true)
		dw.lock = dirlock.New(dw.dir, w.nodeID, w.lockInterval, func() {
			dw.needRecovery.Store(true)
		}, w.logger)

		if err := dw.lock.Start(); err != nil {
			cancel()
			w.stopLocks()
			return fmt.Errorf("блокировка входящей директории %s: %w", dw.dir, err)
		}

		w.wg.Add(1)
		go w.run(runCtx, dw)
	}

	w.logger.Info("Опрос входящих директорий запущен",
		slog.Int("dropboxes", len(w.workers)),
		slog.String("interval", w.interval.String()),
	)
	return nil
}

// Stop останавливает опрос. Текущая попытка доводится до конца,
// Stop ждёт её завершения.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.stopLocks()
	w.logger.Info("Опрос входящих директорий остановлен")
}

func (w *Watcher) stopLocks() {
	for _, dw := range w.workers {
		if dw.lock != nil {
			dw.lock.Stop()
		}
	}
}

// run — основной цикл одной директории.
func (w *Watcher) run(ctx context.Context, dw *dropboxWorker) {
	defer w.wg.Done()

	w.scan(ctx, dw)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx, dw)
		}
	}
}

// scan выполняет один проход по директории, если она во владении.
func (w *Watcher) scan(ctx context.Context, dw *dropboxWorker) {
	if !dw.lock.Held() {
		return
	}

	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.needRecovery.Load() {
		if _, err := w.recovery.RecoverDropbox(ctx, dw.dir); err != nil {
			w.logger.Error("Ошибка восстановления входящей директории",
				slog.String("dropbox", dw.dir),
				slog.String("error", err.Error()),
			)
			return
		}
		dw.needRecovery.Store(false)
	}

	for item, err := range marker.FindReady(dw.dir) {
		if err != nil {
			w.logger.Error("Ошибка сканирования входящей директории",
				slog.String("dropbox", dw.dir),
				slog.String("error", err.Error()),
			)
			break
		}
		if ctx.Err() != nil {
			break
		}

		// Остановка опроса не прерывает начатую попытку: отмена
		// проверяется только между элементами
		out, err := w.svc.Process(context.WithoutCancel(ctx), item)
		switch {
		case out == nil:
			dw.failed.Add(1)
			w.logger.Error("Попытка не начата",
				slog.String("item", item.Path),
				slog.String("error", err.Error()),
			)
		case out.Skipped:
		case out.Confirmed():
			dw.processed.Add(1)
		default:
			dw.failed.Add(1)
			var regErr *RegistrationError
			if err != nil && !errors.As(err, &regErr) {
				w.logger.Error("Неожиданная ошибка попытки",
					slog.String("item", item.Path),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	dw.lastScan.Store(time.Now().UnixNano())
}

// Recover выполняет восстановление во всех директориях во владении.
// Используется операторским API.
func (w *Watcher) Recover(ctx context.Context) (*RecoveryResult, error) {
	total := &RecoveryResult{}
	for _, dw := range w.workers {
		if dw.lock == nil || !dw.lock.Held() {
			continue
		}
		dw.mu.Lock()
		res, err := w.recovery.RecoverDropbox(ctx, dw.dir)
		if err == nil {
			dw.needRecovery.Store(false)
		}
		dw.mu.Unlock()
		if err != nil {
			return total, err
		}
		total.Attempts = append(total.Attempts, res.Attempts...)
		total.StagingSwept += res.StagingSwept
		total.ActiveSkipped += res.ActiveSkipped
	}
	return total, nil
}

// Status возвращает состояние директорий.
func (w *Watcher) Status() []DropboxStatus {
	result := make([]DropboxStatus, 0, len(w.workers))
	for _, dw := range w.workers {
		st := DropboxStatus{
			Dir:       dw.dir,
			Processed: dw.processed.Load(),
			Failed:    dw.failed.Load(),
		}
		if dw.lock != nil {
			st.Held = dw.lock.Held()
			st.Owner = dw.lock.Owner()
		}
		if ts := dw.lastScan.Load(); ts > 0 {
			st.LastScan = time.Unix(0, ts).UTC()
		}
		result = append(result, st)
	}
	return result
}

// HeldCount возвращает количество директорий во владении.
func (w *Watcher) HeldCount() int {
	n := 0
	for _, dw := range w.workers {
		if dw.lock != nil && dw.lock.Held() {
			n++
		}
	}
	return n
}
