package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// scriptedClient — клиент каталога с заданными ответами.
type scriptedClient struct {
	mu            sync.Mutex
	registerErrs  []error // ошибки по очереди, затем успех
	visible       []bool  // ответы IsVisible по очереди, затем последний
	block         bool    // RegisterEntity ждёт отмены контекста
	registerCalls int
	visibleCalls  int
}

func (s *scriptedClient) CreateIdentifier(ctx context.Context) (string, error) {
	return "id-1", nil
}

func (s *scriptedClient) RegisterEntity(ctx context.Context, rec *model.RegistrationRecord) (string, error) {
	s.mu.Lock()
	s.registerCalls++
	var err error
	if len(s.registerErrs) > 0 {
		err = s.registerErrs[0]
		s.registerErrs = s.registerErrs[1:]
	}
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return rec.Code, nil
}

func (s *scriptedClient) IsVisible(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visibleCalls++
	if len(s.visible) == 0 {
		return false, nil
	}
	v := s.visible[0]
	if len(s.visible) > 1 {
		s.visible = s.visible[1:]
	}
	return v, nil
}

// TestGuard_RegisterTimeout проверяет классификацию таймаута.
func TestGuard_RegisterTimeout(t *testing.T) {
	client := &scriptedClient{block: true}
	g := NewGuard(client, GuardConfig{Timeout: 20 * time.Millisecond}, nil, testLogger())

	_, err := g.RegisterEntity(context.Background(), &model.RegistrationRecord{Code: "c1"})
	var rre *RemoteRegistrationError
	if !errors.As(err, &rre) {
		t.Fatalf("ожидалась RemoteRegistrationError, получено %v", err)
	}
	if rre.Reason != ReasonTimeout || rre.Code != "c1" {
		t.Errorf("неожиданная ошибка: %+v", rre)
	}
	if client.registerCalls != 1 {
		t.Errorf("без настройки повторов ожидался 1 вызов, получено %d", client.registerCalls)
	}
}

// TestGuard_RegisterRetriesTransport проверяет повтор при сбое транспорта.
func TestGuard_RegisterRetriesTransport(t *testing.T) {
	client := &scriptedClient{registerErrs: []error{errors.New("connection reset")}}
	g := NewGuard(client, GuardConfig{RegisterRetries: 2}, nil, testLogger())

	id, err := g.RegisterEntity(context.Background(), &model.RegistrationRecord{Code: "c1"})
	if err != nil {
		t.Fatalf("RegisterEntity: %v", err)
	}
	if id != "c1" || client.registerCalls != 2 {
		t.Errorf("ожидалось 2 вызова, получено %d", client.registerCalls)
	}
}

// TestGuard_RegisterRejectedNotRetried проверяет, что явный отказ не повторяется.
func TestGuard_RegisterRejectedNotRetried(t *testing.T) {
	rejected := &RemoteRegistrationError{Reason: ReasonRejected, Err: errors.New("invalid")}
	client := &scriptedClient{registerErrs: []error{rejected}}
	g := NewGuard(client, GuardConfig{RegisterRetries: 3}, nil, testLogger())

	_, err := g.RegisterEntity(context.Background(), &model.RegistrationRecord{Code: "c1"})
	if !IsRemoteRegistrationError(err) {
		t.Fatalf("ожидалась RemoteRegistrationError, получено %v", err)
	}
	if client.registerCalls != 1 {
		t.Errorf("ожидался 1 вызов, получено %d", client.registerCalls)
	}
}

// TestGuard_RegisterRetrySeesEarlierSuccess проверяет, что повтор не
// регистрирует сущность второй раз, если первый вызов успел выполниться.
func TestGuard_RegisterRetrySeesEarlierSuccess(t *testing.T) {
	client := &scriptedClient{
		registerErrs: []error{errors.New("ответ потерян")},
		visible:      []bool{true},
	}
	g := NewGuard(client, GuardConfig{RegisterRetries: 1}, nil, testLogger())

	if _, err := g.RegisterEntity(context.Background(), &model.RegistrationRecord{Code: "c1"}); err != nil {
		t.Fatalf("RegisterEntity: %v", err)
	}
	if client.registerCalls != 1 {
		t.Errorf("повторная регистрация не ожидалась, вызовов %d", client.registerCalls)
	}
}

// TestGuard_IsVisibleRetriesAndCache проверяет повторы и кэш.
func TestGuard_IsVisibleRetriesAndCache(t *testing.T) {
	client := &scriptedClient{visible: []bool{false, true}}
	cache := NewVisibilityCache(10, time.Minute)

	noRetry := NewGuard(client, GuardConfig{}, cache, testLogger())
	visible, err := noRetry.IsVisible(context.Background(), "c1")
	if err != nil || visible {
		t.Fatalf("без повторов ожидалось false, получено %v, %v", visible, err)
	}

	withRetry := NewGuard(client, GuardConfig{VerifyRetries: 1}, cache, testLogger())
	visible, err = withRetry.IsVisible(context.Background(), "c1")
	if err != nil || !visible {
		t.Fatalf("с повтором ожидалось true, получено %v, %v", visible, err)
	}

	calls := client.visibleCalls
	if visible, _ := withRetry.IsVisible(context.Background(), "c1"); !visible {
		t.Fatal("кэшированный ответ должен быть true")
	}
	if client.visibleCalls != calls {
		t.Error("повторный запрос должен обслуживаться из кэша")
	}
	if cache.Len() != 1 {
		t.Errorf("ожидалась 1 запись в кэше, получено %d", cache.Len())
	}
}

// TestVisibilityCache_Disabled проверяет nil-кэш.
func TestVisibilityCache_Disabled(t *testing.T) {
	c := NewVisibilityCache(0, time.Minute)
	c.MarkVisible("x")
	if c.Visible("x") || c.Len() != 0 {
		t.Error("отключённый кэш ничего не хранит")
	}
}

// TestGuard_RegisterRetriesExhausted проверяет итоговую ошибку после всех попыток.
func TestGuard_RegisterRetriesExhausted(t *testing.T) {
	client := &scriptedClient{registerErrs: []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
		errors.New("connection refused"),
	}}
	g := NewGuard(client, GuardConfig{RegisterRetries: 2, RetryInterval: 5 * time.Millisecond}, nil, testLogger())

	_, err := g.RegisterEntity(context.Background(), &model.RegistrationRecord{Code: "c1"})
	var rre *RemoteRegistrationError
	if !errors.As(err, &rre) {
		t.Fatalf("ожидалась RemoteRegistrationError, получено %v", err)
	}
	if rre.Reason != ReasonTransport || rre.Code != "c1" {
		t.Errorf("неожиданная ошибка: %+v", rre)
	}
	if client.registerCalls != 3 {
		t.Errorf("ожидалось 3 вызова, получено %d", client.registerCalls)
	}
	// Перед каждым повтором проверяется видимость
	if client.visibleCalls != 2 {
		t.Errorf("ожидалось 2 проверки видимости, получено %d", client.visibleCalls)
	}
}

// TestGuard_RegisterDoesNotCacheVisibility проверяет, что после успешной
// регистрации видимость читается из каталога, а не из кэша.
func TestGuard_RegisterDoesNotCacheVisibility(t *testing.T) {
	client := &scriptedClient{visible: []bool{false}}
	cache := NewVisibilityCache(1024, 5*time.Minute)
	g := NewGuard(client, GuardConfig{}, cache, testLogger())

	id, err := g.RegisterEntity(context.Background(), &model.RegistrationRecord{Code: "c1"})
	if err != nil {
		t.Fatalf("RegisterEntity: %v", err)
	}
	if cache.Len() != 0 {
		t.Errorf("регистрация не должна заполнять кэш, записей %d", cache.Len())
	}

	visible, err := g.IsVisible(context.Background(), id)
	if err != nil || visible {
		t.Fatalf("ожидалось false от каталога, получено %v, %v", visible, err)
	}
	if client.visibleCalls != 1 {
		t.Errorf("ожидался 1 запрос видимости к каталогу, получено %d", client.visibleCalls)
	}
}
