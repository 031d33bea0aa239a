// Пакет config — загрузка и валидация конфигурации Ingest Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/undo"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые значения IM_CATALOG_BACKEND.
const (
	CatalogHTTP     = "http"
	CatalogPostgres = "postgres"
	CatalogMemory   = "memory"
)

// Поддиректории рабочей области IM_WORK_DIR.
const (
	StagingDirName = "staging"
	JournalDirName = "rollback-stack"
	ErrorDirName   = "error"
	TrashDirName   = "trash"
	FailureDirName = "failed"
)

const (
	undoEnvPrefix   = "IM_UNDO_"
	defaultPort     = 8020
	minPort         = 1
	maxPort         = 65535
	defaultDBPort   = 5432
	defaultCacheTTL = 5 * time.Minute
)

// Config содержит все параметры конфигурации Ingest Module.
type Config struct {
	// Порт HTTP-сервера операторского API
	Port int
	// Уникальный идентификатор узла (например, "im-moscow-01")
	NodeID string
	// Наблюдаемые директории (dropbox)
	IncomingDirs []string
	// Директория постоянного хранилища сущностей
	StoreDir string
	// Рабочая область: staging, rollback-stack, error, trash, failed
	WorkDir string
	// Интервал опроса наблюдаемых директорий
	PollInterval time.Duration
	// Имя storage processor (move, copy)
	StorageProcessor string

	// --- Удалённый каталог ---

	// Реализация каталога: http, postgres, memory
	CatalogBackend string
	// Базовый URL HTTP-каталога
	CatalogURL string
	// Bearer-токен для HTTP-каталога (опционально)
	CatalogToken string
	// Путь к CA-сертификату HTTP-каталога (опционально)
	CatalogCACert string
	// Таймаут одного вызова каталога
	CatalogTimeout time.Duration
	// Количество повторов RegisterEntity при таймауте или сбое транспорта
	CatalogRetries int
	// Пауза между повторами
	CatalogRetryInterval time.Duration
	// Количество повторов проверки видимости
	VerifyRetries int
	// Размер кэша подтверждённой видимости (0 — кэш выключен)
	VisibilityCacheSize int
	// TTL записи кэша видимости
	VisibilityCacheTTL time.Duration

	// --- PostgreSQL (IM_CATALOG_BACKEND=postgres) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Откат ---

	// Политика компенсирующих действий (из IM_UNDO_<CLASSIFICATION>)
	UndoPolicy *undo.Policy
	// Не возвращать исходную ошибку вызывающему после отката
	SuppressErrors bool
	// Исполняемый файл пользовательских хуков (опционально)
	HookCommand string
	// Интервал фонового удаления
	DeleteInterval time.Duration

	// --- Авторизация операторского API ---

	// URL JWKS endpoint (пусто — maintenance endpoints без авторизации)
	JWKSUrl string
	// Путь к CA-сертификату JWKS endpoint (опционально)
	JWKSCACert string
	// Допустимое расхождение часов при проверке JWT
	JWTLeeway time.Duration
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration

	// --- Наблюдаемость ---

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя зависимости в метриках topologymetrics
	DephealthDepName string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Интервал повторного захвата блокировки dropbox
	LockRetryInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	port, err := getEnvInt("IM_PORT", defaultPort)
	if err != nil {
		return nil, fmt.Errorf("IM_PORT: %w", err)
	}
	if port < minPort || port > maxPort {
		return nil, fmt.Errorf("IM_PORT: значение %d вне допустимого диапазона %d-%d", port, minPort, maxPort)
	}
	cfg.Port = port

	// IM_NODE_ID — обязательный
	cfg.NodeID, err = getEnvRequired("IM_NODE_ID")
	if err != nil {
		return nil, err
	}

	// IM_INCOMING_DIRS — обязательный, список через запятую
	rawDirs, err := getEnvRequired("IM_INCOMING_DIRS")
	if err != nil {
		return nil, err
	}
	cfg.IncomingDirs, err = parseDirList(rawDirs)
	if err != nil {
		return nil, fmt.Errorf("IM_INCOMING_DIRS: %w", err)
	}

	cfg.StoreDir, err = getEnvRequired("IM_STORE_DIR")
	if err != nil {
		return nil, err
	}
	cfg.WorkDir, err = getEnvRequired("IM_WORK_DIR")
	if err != nil {
		return nil, err
	}
	if filepath.Clean(cfg.StoreDir) == filepath.Clean(cfg.WorkDir) {
		return nil, fmt.Errorf("IM_WORK_DIR: не может совпадать с IM_STORE_DIR")
	}

	cfg.PollInterval, err = getEnvDuration("IM_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_POLL_INTERVAL: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("IM_POLL_INTERVAL: значение должно быть положительным")
	}

	// IM_STORAGE_PROCESSOR — проверяется фабрикой processor.New при старте
	cfg.StorageProcessor = strings.ToLower(getEnvDefault("IM_STORAGE_PROCESSOR", "move"))

	if err := loadCatalog(cfg); err != nil {
		return nil, err
	}

	if err := loadUndo(cfg); err != nil {
		return nil, err
	}

	cfg.HookCommand = getEnvDefault("IM_HOOK_COMMAND", "")

	cfg.DeleteInterval, err = getEnvDuration("IM_DELETE_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_DELETE_INTERVAL: %w", err)
	}

	// IM_JWKS_URL — опционально
	cfg.JWKSUrl = getEnvDefault("IM_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("IM_JWKS_CA_CERT", "")

	cfg.JWTLeeway, err = getEnvDuration("IM_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("IM_JWKS_REFRESH_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_JWKS_REFRESH_INTERVAL: %w", err)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("IM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("IM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("IM_DEPHEALTH_GROUP", "ingest-module")
	cfg.DephealthDepName = getEnvDefault("IM_DEPHEALTH_DEP_NAME", "catalog")
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	cfg.ShutdownTimeout, err = getEnvDuration("IM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_SHUTDOWN_TIMEOUT: %w", err)
	}

	// IM_LOCK_RETRY_INTERVAL — повтор захвата flock, если dropbox занят другим процессом
	cfg.LockRetryInterval, err = getEnvDuration("IM_LOCK_RETRY_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_LOCK_RETRY_INTERVAL: %w", err)
	}

	return cfg, nil
}

// loadCatalog загружает параметры удалённого каталога.
func loadCatalog(cfg *Config) error {
	var err error

	cfg.CatalogBackend = strings.ToLower(getEnvDefault("IM_CATALOG_BACKEND", CatalogHTTP))
	switch cfg.CatalogBackend {
	case CatalogHTTP:
		cfg.CatalogURL, err = getEnvRequired("IM_CATALOG_URL")
		if err != nil {
			return err
		}
		cfg.CatalogToken = getEnvDefault("IM_CATALOG_TOKEN", "")
		cfg.CatalogCACert = getEnvDefault("IM_CATALOG_CA_CERT", "")
	case CatalogPostgres:
		if err := loadDatabase(cfg); err != nil {
			return err
		}
	case CatalogMemory:
	default:
		return fmt.Errorf("IM_CATALOG_BACKEND: недопустимое значение %q, допустимые: http, postgres, memory", cfg.CatalogBackend)
	}

	cfg.CatalogTimeout, err = getEnvDuration("IM_CATALOG_TIMEOUT", 30*time.Second)
	if err != nil {
		return fmt.Errorf("IM_CATALOG_TIMEOUT: %w", err)
	}
	if cfg.CatalogTimeout <= 0 {
		return fmt.Errorf("IM_CATALOG_TIMEOUT: значение должно быть положительным")
	}

	cfg.CatalogRetries, err = getEnvNonNegativeInt("IM_CATALOG_RETRIES", 0)
	if err != nil {
		return err
	}
	cfg.CatalogRetryInterval, err = getEnvDuration("IM_CATALOG_RETRY_INTERVAL", time.Second)
	if err != nil {
		return fmt.Errorf("IM_CATALOG_RETRY_INTERVAL: %w", err)
	}
	cfg.VerifyRetries, err = getEnvNonNegativeInt("IM_VERIFY_RETRIES", 0)
	if err != nil {
		return err
	}
	cfg.VisibilityCacheSize, err = getEnvNonNegativeInt("IM_VISIBILITY_CACHE_SIZE", 1024)
	if err != nil {
		return err
	}
	cfg.VisibilityCacheTTL, err = getEnvDuration("IM_VISIBILITY_CACHE_TTL", defaultCacheTTL)
	if err != nil {
		return fmt.Errorf("IM_VISIBILITY_CACHE_TTL: %w", err)
	}
	return nil
}

// loadDatabase загружает параметры PostgreSQL.
func loadDatabase(cfg *Config) error {
	var err error

	cfg.DBHost, err = getEnvRequired("IM_DB_HOST")
	if err != nil {
		return err
	}
	cfg.DBPort, err = getEnvInt("IM_DB_PORT", defaultDBPort)
	if err != nil {
		return fmt.Errorf("IM_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("IM_DB_NAME")
	if err != nil {
		return err
	}
	cfg.DBUser, err = getEnvRequired("IM_DB_USER")
	if err != nil {
		return err
	}
	cfg.DBPassword, err = getEnvRequired("IM_DB_PASSWORD")
	if err != nil {
		return err
	}

	cfg.DBSSLMode = getEnvDefault("IM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("IM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// loadUndo собирает IM_UNDO_<CLASSIFICATION> и строит политику.
// Неизвестные классификации и действия отклоняются при загрузке.
func loadUndo(cfg *Config) error {
	raw := make(map[string]string)
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, undoEnvPrefix) {
			continue
		}
		raw[strings.TrimPrefix(key, undoEnvPrefix)] = val
	}

	policy, err := undo.NewPolicy(raw)
	if err != nil {
		return fmt.Errorf("%s*: %w", undoEnvPrefix, err)
	}
	cfg.UndoPolicy = policy

	cfg.SuppressErrors, err = getEnvBool("IM_SUPPRESS_ERRORS", false)
	if err != nil {
		return fmt.Errorf("IM_SUPPRESS_ERRORS: %w", err)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// StagingDir возвращает директорию staging.
func (c *Config) StagingDir() string { return filepath.Join(c.WorkDir, StagingDirName) }

// JournalDir возвращает директорию rollback-stack.
func (c *Config) JournalDir() string { return filepath.Join(c.WorkDir, JournalDirName) }

// ErrorDir возвращает директорию для MOVE_TO_ERROR.
func (c *Config) ErrorDir() string { return filepath.Join(c.WorkDir, ErrorDirName) }

// TrashDir возвращает директорию для DELETE.
func (c *Config) TrashDir() string { return filepath.Join(c.WorkDir, TrashDirName) }

// FailureDir возвращает директорию отчётов FAILED_PERMANENTLY.
func (c *Config) FailureDir() string { return filepath.Join(c.WorkDir, FailureDirName) }

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// parseDirList разбирает список директорий через запятую.
// Пустые элементы пропускаются, дубликаты — ошибка.
func parseDirList(raw string) ([]string, error) {
	seen := make(map[string]bool)
	var dirs []string
	for _, part := range strings.Split(raw, ",") {
		dir := strings.TrimSpace(part)
		if dir == "" {
			continue
		}
		dir = filepath.Clean(dir)
		if seen[dir] {
			return nil, fmt.Errorf("директория %q указана дважды", dir)
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("список директорий пуст")
	}
	return dirs, nil
}

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvNonNegativeInt возвращает целое >= 0.
func getEnvNonNegativeInt(key string, defaultVal int) (int, error) {
	n, err := getEnvInt(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: значение не может быть отрицательным, получено %d", key, n)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
