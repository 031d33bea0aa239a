package service

import (
	"context"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/ingest-module/internal/hook"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/marker"
)

// waitFor ждёт выполнения условия не дольше timeout.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestWatcher_ProcessesReadyItems(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	first := env.deposit("sample1", sampleFiles)
	second := env.deposit("sample2", map[string]string{"x.txt": "x"})

	w := NewWatcher([]string{env.dropbox}, env.svc, env.recovery, "node-1", 50*time.Millisecond, time.Second, testLogger())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if !waitFor(t, 5*time.Second, func() bool { return env.catalog.Count() == 2 }) {
		t.Fatalf("Элементы не зарегистрированы: сущностей %d", env.catalog.Count())
	}
	if !waitFor(t, 5*time.Second, func() bool { return w.Status()[0].Processed == 2 }) {
		t.Errorf("Processed: хотели 2, получили %d", w.Status()[0].Processed)
	}

	st := w.Status()
	if len(st) != 1 || !st[0].Held || st[0].Owner != "node-1" {
		t.Errorf("Статус: %+v", st)
	}
	if w.HeldCount() != 1 {
		t.Errorf("HeldCount: хотели 1, получили %d", w.HeldCount())
	}
	for _, item := range []string{first.Path, second.Path} {
		if pathExists(item) {
			t.Errorf("Элемент %s остался во входящей директории", item)
		}
	}
}

func TestWatcher_RecoversBeforeScan(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	item := env.deposit("sample1", sampleFiles)
	// Маркер обработки от прерванной попытки блокировал бы элемент
	if _, err := marker.MarkProcessing(item); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher([]string{env.dropbox}, env.svc, env.recovery, "node-1", 50*time.Millisecond, time.Second, testLogger())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if !waitFor(t, 5*time.Second, func() bool { return env.catalog.Count() == 1 }) {
		t.Fatal("Элемент не обработан после восстановления")
	}
}

func TestWatcher_FailedAttemptCounted(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.catalog.mu.Lock()
	env.catalog.registerErr = context.DeadlineExceeded
	env.catalog.mu.Unlock()
	env.deposit("sample1", sampleFiles)

	w := NewWatcher([]string{env.dropbox}, env.svc, env.recovery, "node-1", 50*time.Millisecond, time.Second, testLogger())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if !waitFor(t, 5*time.Second, func() bool { return w.Status()[0].Failed == 1 }) {
		t.Fatalf("Failed: хотели 1, получили %d", w.Status()[0].Failed)
	}
	// LEAVE_UNTOUCHED: элемент в .faulty_paths и больше не обрабатывается
	time.Sleep(200 * time.Millisecond)
	if got := w.Status()[0].Failed; got != 1 {
		t.Errorf("Элемент обработан повторно: Failed=%d", got)
	}
}

func TestWatcher_Recover(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := NewWatcher([]string{env.dropbox}, env.svc, env.recovery, "node-1", time.Hour, time.Second, testLogger())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Первый проход выполняется сразу после старта; следующий — через час
	if !waitFor(t, 5*time.Second, func() bool { return !w.Status()[0].LastScan.IsZero() }) {
		t.Fatal("Первый проход не выполнен")
	}

	item := env.deposit("sample1", sampleFiles)
	if _, err := marker.MarkProcessing(item); err != nil {
		t.Fatal(err)
	}

	res, err := w.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Count(RecoveryClearedMarker) != 1 {
		t.Errorf("Результат: %+v", res.Attempts)
	}
	if marker.IsProcessing(item) {
		t.Error("Маркер обработки не удалён")
	}
}

func TestWatcher_SecondInstanceStandby(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	owner := NewWatcher([]string{env.dropbox}, env.svc, env.recovery, "node-1", time.Hour, time.Hour, testLogger())
	if err := owner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer owner.Stop()

	standby := NewWatcher([]string{env.dropbox}, env.svc, env.recovery, "node-2", time.Hour, time.Hour, testLogger())
	if err := standby.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer standby.Stop()

	if standby.HeldCount() != 0 {
		t.Error("Второй экземпляр не должен владеть директорией")
	}
	if st := standby.Status(); st[0].Owner != "node-1" {
		t.Errorf("Владелец: хотели node-1, получили %q", st[0].Owner)
	}
}

func TestWatcher_StopCompletesCurrentAttempt(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	hooks := hook.Funcs{
		OnPreMetadata: func(ctx context.Context, _ *hook.Context, _ hook.Event) error {
			close(entered)
			<-release
			// Команда под exec.CommandContext была бы убита отменой
			return ctx.Err()
		},
	}
	env := newTestEnv(t, envOptions{hooks: hooks, guarded: true})
	item := env.deposit("sample1", sampleFiles)

	w := NewWatcher([]string{env.dropbox}, env.svc, env.recovery, "node-1", time.Hour, time.Hour, testLogger())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		w.Stop()
		t.Fatal("Попытка не начата")
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop вернулся до завершения попытки")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop не дождался завершения попытки")
	}

	if got := w.Status()[0].Processed; got != 1 {
		t.Errorf("Processed: хотели 1, получили %d", got)
	}
	if env.catalog.Count() != 1 {
		t.Errorf("Сущностей в каталоге: хотели 1, получили %d", env.catalog.Count())
	}
	if pathExists(item.Path) {
		t.Error("Элемент остался во входящей директории")
	}
}
