// deleter.go — фоновое удаление путей (staging подтверждённых попыток,
// элементы с действием DELETE).
//
// Удаление асинхронное: ScheduleDelete ставит путь в очередь, цикл
// с тикером (IM_DELETE_INTERVAL) удаляет его. Дополнительно каждый
// цикл очищает содержимое корзины {IM_WORK_DIR}/trash, поэтому
// потеря очереди при рестарте не оставляет мусора.
package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DeleteScheduler — контракт асинхронного удаления.
type DeleteScheduler interface {
	ScheduleDelete(path string)
}

// DeleteResult — результат одного цикла удаления.
type DeleteResult struct {
	// DeletedCount — количество удалённых путей
	DeletedCount int
	// Errors — количество ошибок удаления (пути остаются в очереди)
	Errors int
	// Duration — длительность цикла
	Duration time.Duration
}

// Deleter — сервис фонового удаления.
type Deleter struct {
	trashDir string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex // защита очереди
	pending map[string]struct{}

	runMu  sync.Mutex // защита от параллельного RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDeleter создаёт сервис удаления. trashDir очищается каждый цикл.
func NewDeleter(trashDir string, interval time.Duration, logger *slog.Logger) *Deleter {
	return &Deleter{
		trashDir: trashDir,
		interval: interval,
		logger:   logger.With(slog.String("component", "deleter")),
		pending:  make(map[string]struct{}),
	}
}

// ScheduleDelete ставит путь в очередь удаления.
func (d *Deleter) ScheduleDelete(path string) {
	if path == "" {
		return
	}
	d.mu.Lock()
	d.pending[filepath.Clean(path)] = struct{}{}
	d.mu.Unlock()

	d.logger.Debug("Путь поставлен в очередь удаления", slog.String("path", path))
}

// Pending возвращает отсортированный список путей в очереди.
func (d *Deleter) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Start запускает фоновую горутину с периодическим тикером.
func (d *Deleter) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.run(runCtx)

	d.logger.Info("Фоновое удаление запущено",
		slog.String("interval", d.interval.String()),
	)
}

// Stop останавливает фоновую горутину и выполняет последний цикл.
func (d *Deleter) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.RunOnce()
	d.logger.Info("Фоновое удаление остановлено")
}

// run — основной цикл фоновой горутины.
func (d *Deleter) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce()
		}
	}
}

// RunOnce удаляет пути из очереди и содержимое корзины.
// Путь с ошибкой удаления остаётся в очереди до следующего цикла.
func (d *Deleter) RunOnce() *DeleteResult {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	start := time.Now()
	result := &DeleteResult{}

	for _, path := range append(d.Pending(), d.trashEntries()...) {
		if err := os.RemoveAll(path); err != nil {
			result.Errors++
			d.logger.Error("Ошибка удаления",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.mu.Lock()
		delete(d.pending, path)
		d.mu.Unlock()
		result.DeletedCount++
	}

	result.Duration = time.Since(start)

	deleterRunsTotal.Inc()
	deleterPathsDeletedTotal.Add(float64(result.DeletedCount))
	deleterDurationSeconds.Observe(result.Duration.Seconds())

	if result.DeletedCount > 0 || result.Errors > 0 {
		d.logger.Info("Цикл удаления завершён",
			slog.Int("deleted", result.DeletedCount),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}

	return result
}

// trashEntries возвращает пути верхнего уровня в корзине.
func (d *Deleter) trashEntries() []string {
	if d.trashDir == "" {
		return nil
	}
	entries, err := os.ReadDir(d.trashDir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("Не удалось прочитать корзину",
				slog.String("dir", d.trashDir),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, filepath.Join(d.trashDir, e.Name()))
	}
	return paths
}
