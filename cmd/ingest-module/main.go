// Точка входа Ingest Module — транзакционной регистрации данных,
// поступающих во входящие директории.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/ingest-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/ingest-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/ingest-module/internal/catalog"
	"github.com/bigkaa/goartstore/ingest-module/internal/catalog/httpcatalog"
	"github.com/bigkaa/goartstore/ingest-module/internal/catalog/memcatalog"
	"github.com/bigkaa/goartstore/ingest-module/internal/catalog/pgcatalog"
	"github.com/bigkaa/goartstore/ingest-module/internal/config"
	"github.com/bigkaa/goartstore/ingest-module/internal/database"
	"github.com/bigkaa/goartstore/ingest-module/internal/hook"
	"github.com/bigkaa/goartstore/ingest-module/internal/processor"
	"github.com/bigkaa/goartstore/ingest-module/internal/server"
	"github.com/bigkaa/goartstore/ingest-module/internal/service"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/filestore"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/index"
	"github.com/bigkaa/goartstore/ingest-module/internal/storage/journal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Ingest Module запускается",
		slog.String("node_id", cfg.NodeID),
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("processor", cfg.StorageProcessor),
		slog.String("catalog_backend", cfg.CatalogBackend),
		slog.Int("dropboxes", len(cfg.IncomingDirs)),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Ingest Module завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Ingest Module остановлен")
}

// jwksClientTimeout — таймаут загрузки JWKS.
const jwksClientTimeout = 10 * time.Second

// catalogBackend — выбранная реализация каталога и связанные ресурсы.
type catalogBackend struct {
	client   catalog.Client
	pool     *pgxpool.Pool
	depCheck *service.CatalogDependency
}

func (b *catalogBackend) close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Рабочая область
	for _, dir := range []string{cfg.StoreDir, cfg.StagingDir(), cfg.ErrorDir(), cfg.TrashDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("создание директории %s: %w", dir, err)
		}
	}

	// 2. Удалённый каталог
	backend, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	guard := catalog.NewGuard(backend.client, catalog.GuardConfig{
		Timeout:         cfg.CatalogTimeout,
		RegisterRetries: cfg.CatalogRetries,
		RetryInterval:   cfg.CatalogRetryInterval,
		VerifyRetries:   cfg.VerifyRetries,
	}, catalog.NewVisibilityCache(cfg.VisibilityCacheSize, cfg.VisibilityCacheTTL), logger)

	// 3. Хранилище, индекс, журналы, отчёты
	store, err := filestore.New(cfg.StoreDir)
	if err != nil {
		return fmt.Errorf("инициализация хранилища: %w", err)
	}
	idx := index.New(logger)
	if err := idx.BuildFromDir(cfg.StoreDir); err != nil {
		return fmt.Errorf("построение индекса: %w", err)
	}
	journals, err := journal.New(cfg.JournalDir(), logger)
	if err != nil {
		return fmt.Errorf("инициализация журналов отката: %w", err)
	}
	reports, err := service.NewReportStore(cfg.FailureDir())
	if err != nil {
		return fmt.Errorf("инициализация отчётов: %w", err)
	}

	// 4. Storage processor
	proc, err := processor.New(cfg.StorageProcessor, processor.Deps{Store: store})
	if err != nil {
		return err
	}
	runner := processor.NewRunner(proc, logger)

	// 5. Пользовательские хуки и валидатор
	var (
		hooks     hook.Hooks
		validator hook.Validator
	)
	if cfg.HookCommand != "" {
		cmd, err := hook.NewCommand(cfg.HookCommand, logger)
		if err != nil {
			return fmt.Errorf("инициализация хуков: %w", err)
		}
		hooks, validator = cmd, cmd
		logger.Info("Пользовательские хуки подключены", slog.String("command", cfg.HookCommand))
	}

	// 6. Фоновое удаление и сервис регистрации
	deleter := service.NewDeleter(cfg.TrashDir(), cfg.DeleteInterval, logger)
	deleter.Start(ctx)
	defer deleter.Stop()

	svc := service.NewRegistrationService(service.RegistrationConfig{
		NodeID:         cfg.NodeID,
		StagingDir:     cfg.StagingDir(),
		Policy:         cfg.UndoPolicy,
		SuppressErrors: cfg.SuppressErrors,
	}, service.RegistrationDeps{
		Journals:  journals,
		Runner:    runner,
		Catalog:   guard,
		Hooks:     hooks,
		Validator: validator,
		Store:     store,
		Index:     idx,
		Disposer:  service.NewDisposer(cfg.ErrorDir(), cfg.TrashDir(), deleter, logger),
		Deleter:   deleter,
		Reports:   reports,
	}, logger)
	recovery := service.NewRecoveryManager(svc, logger)

	// 7. Наблюдение за входящими директориями. Восстановление каждой
	// директории выполняется после захвата её блокировки, до первого прохода.
	watcher := service.NewWatcher(cfg.IncomingDirs, svc, recovery, cfg.NodeID,
		cfg.PollInterval, cfg.LockRetryInterval, logger)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("запуск наблюдения: %w", err)
	}
	defer watcher.Stop()

	// 8. Мониторинг каталога (topologymetrics)
	healthDeps := handlers.HealthDeps{
		Dirs: map[string]string{
			"store":   cfg.StoreDir,
			"staging": cfg.StagingDir(),
		},
		Index: idx,
	}
	if backend.pool != nil {
		healthDeps.Database = database.NewReadinessChecker(backend.pool)
	}
	if backend.depCheck != nil {
		dh, err := service.NewDephealthService(resolveDephealthName(cfg), cfg.DephealthGroup,
			*backend.depCheck, cfg.DephealthCheckInterval, logger)
		if err != nil {
			return fmt.Errorf("инициализация мониторинга зависимостей: %w", err)
		}
		if err := dh.Start(ctx); err != nil {
			return fmt.Errorf("запуск мониторинга зависимостей: %w", err)
		}
		defer dh.Stop()
		healthDeps.Dependencies = dh
	}

	// 9. Операторский API
	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(healthDeps),
		handlers.NewSystemHandler(handlers.SystemInfo{
			NodeID:         cfg.NodeID,
			Processor:      proc.Name(),
			CatalogBackend: cfg.CatalogBackend,
			StoreDir:       cfg.StoreDir,
			Policy:         cfg.UndoPolicy,
		}, idx, watcher, svc, deleter, getDiskUsage),
		handlers.NewEntitiesHandler(idx),
		handlers.NewFailuresHandler(reports, logger),
		handlers.NewMaintenanceHandler(watcher, logger),
	)

	middlewares := []func(http.Handler) http.Handler{
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	}
	if cfg.JWKSUrl != "" {
		jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			ClientTimeout:   jwksClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			return fmt.Errorf("инициализация JWT: %w", err)
		}
		middlewares = append(middlewares, server.JWTAuthWithExclusions(jwtAuth.Chain(), "/health/", "/metrics"))
	} else {
		logger.Warn("IM_JWKS_URL не задан: операторский API доступен без авторизации")
	}

	srv := server.New(cfg, logger, apiHandler, middlewares...)
	return srv.Run(ctx)
}

// openCatalog создаёт клиента каталога по IM_CATALOG_BACKEND.
func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*catalogBackend, error) {
	switch cfg.CatalogBackend {
	case config.CatalogHTTP:
		client, err := httpcatalog.New(cfg.CatalogURL, cfg.CatalogCACert, cfg.CatalogTimeout,
			httpcatalog.StaticToken(cfg.CatalogToken), logger)
		if err != nil {
			return nil, fmt.Errorf("инициализация HTTP-каталога: %w", err)
		}
		return &catalogBackend{
			client:   client,
			depCheck: &service.CatalogDependency{Name: cfg.DephealthDepName, HTTPURL: cfg.CatalogURL},
		}, nil

	case config.CatalogPostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			return nil, fmt.Errorf("миграции каталога: %w", err)
		}
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("подключение к PostgreSQL: %w", err)
		}
		return &catalogBackend{
			client: pgcatalog.New(pool),
			pool:   pool,
			depCheck: &service.CatalogDependency{
				Name:        cfg.DephealthDepName,
				DB:          stdlib.OpenDBFromPool(pool),
				PostgresURL: fmt.Sprintf("postgres://%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName),
			},
		}, nil

	case config.CatalogMemory:
		logger.Warn("Каталог в памяти: регистрации не переживут перезапуск")
		return &catalogBackend{client: memcatalog.New()}, nil
	}
	return nil, errors.New("неизвестный IM_CATALOG_BACKEND: " + cfg.CatalogBackend)
}
