package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	retry "github.com/sethvargo/go-retry"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// catalogRequestDuration — длительность обращений к каталогу.
var catalogRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "im_catalog_request_duration_seconds",
	Help:    "Длительность обращений к удалённому каталогу.",
	Buckets: prometheus.DefBuckets,
}, []string{"operation", "result"})

// minRetryInterval — нижняя граница паузы: постоянная стратегия
// go-retry не принимает нулевой интервал.
const minRetryInterval = time.Millisecond

// GuardConfig — параметры защиты обращений к каталогу.
type GuardConfig struct {
	// Timeout — таймаут одного вызова (IM_CATALOG_TIMEOUT); 0 — без таймаута
	Timeout time.Duration
	// RegisterRetries — дополнительные попытки RegisterEntity (IM_CATALOG_RETRIES)
	RegisterRetries int
	// RetryInterval — пауза между попытками (IM_CATALOG_RETRY_INTERVAL)
	RetryInterval time.Duration
	// VerifyRetries — дополнительные попытки IsVisible (IM_VERIFY_RETRIES)
	VerifyRetries int
}

// Guard — обёртка Client с таймаутом на каждый вызов, повторами
// и кэшем видимости. Реализует Client.
type Guard struct {
	next   Client
	cfg    GuardConfig
	cache  *VisibilityCache
	logger *slog.Logger
}

// NewGuard оборачивает клиента каталога. cache может быть nil.
func NewGuard(next Client, cfg GuardConfig, cache *VisibilityCache, logger *slog.Logger) *Guard {
	return &Guard{
		next:   next,
		cfg:    cfg,
		cache:  cache,
		logger: logger.With(slog.String("component", "catalog")),
	}
}

// CreateIdentifier выделяет идентификатор с таймаутом.
func (g *Guard) CreateIdentifier(ctx context.Context) (string, error) {
	start := time.Now()
	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	id, err := g.next.CreateIdentifier(callCtx)
	observe("create_identifier", start, err)
	if err != nil {
		return "", fmt.Errorf("выделение идентификатора: %w", g.timeoutErr(callCtx, err))
	}
	return id, nil
}

// RegisterEntity регистрирует сущность. Явный отказ каталога не
// повторяется. Перед повтором после сбоя транспорта или таймаута
// проверяется видимость кода: предыдущий вызов мог успеть выполниться.
// Успешная регистрация не попадает в кэш видимости: кэш заполняет
// только ответ IsVisible удалённого каталога.
// Любая итоговая ошибка — *RemoteRegistrationError.
func (g *Guard) RegisterEntity(ctx context.Context, rec *model.RegistrationRecord) (string, error) {
	maxAttempts := g.cfg.RegisterRetries + 1
	attempt := 0
	var code string

	err := retry.Do(ctx, g.backoff(g.cfg.RegisterRetries), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if visible, err := g.IsVisible(ctx, rec.Code); err == nil && visible {
				g.logger.Info("Сущность уже зарегистрирована предыдущим вызовом",
					slog.String("code", rec.Code),
				)
				code = rec.Code
				return nil
			}
		}

		start := time.Now()
		callCtx, cancel := g.withTimeout(ctx)
		id, err := g.next.RegisterEntity(callCtx, rec)
		err = g.timeoutErr(callCtx, err)
		cancel()
		observe("register_entity", start, err)

		if err == nil {
			code = id
			return nil
		}

		var rre *RemoteRegistrationError
		if errors.As(err, &rre) && rre.Reason != ReasonTimeout && rre.Reason != ReasonTransport {
			return err
		}

		g.logger.Warn("Ошибка регистрации в каталоге",
			slog.String("code", rec.Code),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", err.Error()),
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		return "", asRegistrationError(rec.Code, err)
	}
	return code, nil
}

// errNotVisible — сущность пока не видна; повторяется.
var errNotVisible = errors.New("сущность не видна")

// IsVisible проверяет видимость с повторами (IM_VERIFY_RETRIES).
// Ответ «не видна» после всех попыток — (false, nil); ошибка последней
// попытки возвращается как есть.
func (g *Guard) IsVisible(ctx context.Context, id string) (bool, error) {
	if g.cache.Visible(id) {
		return true, nil
	}

	err := retry.Do(ctx, g.backoff(g.cfg.VerifyRetries), func(ctx context.Context) error {
		start := time.Now()
		callCtx, cancel := g.withTimeout(ctx)
		visible, err := g.next.IsVisible(callCtx, id)
		err = g.timeoutErr(callCtx, err)
		cancel()
		observe("is_visible", start, err)

		if err != nil {
			return retry.RetryableError(err)
		}
		if !visible {
			return retry.RetryableError(errNotVisible)
		}
		return nil
	})
	switch {
	case err == nil:
		g.cache.MarkVisible(id)
		return true, nil
	case errors.Is(err, errNotVisible):
		return false, nil
	default:
		return false, fmt.Errorf("проверка видимости %s: %w", id, err)
	}
}

// backoff — постоянная пауза IM_CATALOG_RETRY_INTERVAL, не более retries повторов.
func (g *Guard) backoff(retries int) retry.Backoff {
	interval := max(g.cfg.RetryInterval, minRetryInterval)
	return retry.WithMaxRetries(uint64(max(retries, 0)), retry.NewConstant(interval))
}

// withTimeout возвращает контекст с таймаутом одного вызова.
func (g *Guard) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.Timeout)
}

// timeoutErr заменяет ошибку истёкшего таймаута на RemoteRegistrationError
// с причиной timeout, чтобы классификация не зависела от реализации.
func (g *Guard) timeoutErr(callCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &RemoteRegistrationError{Reason: ReasonTimeout, Err: err}
	}
	return err
}

// asRegistrationError приводит ошибку к *RemoteRegistrationError с кодом.
func asRegistrationError(code string, err error) error {
	var rre *RemoteRegistrationError
	if errors.As(err, &rre) {
		if rre.Code == "" {
			rre.Code = code
		}
		return rre
	}
	return &RemoteRegistrationError{Code: code, Reason: ReasonTransport, Err: err}
}

// observe записывает длительность вызова.
func observe(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	catalogRequestDuration.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

// Проверка соответствия интерфейсу на этапе компиляции.
var _ Client = (*Guard)(nil)
