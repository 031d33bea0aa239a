// Пакет pgcatalog — каталог сущностей в PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM. Схема создаётся
// миграциями пакета database.
package pgcatalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/ingest-module/internal/catalog"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// codeTimeLayout — префикс идентификатора (UTC).
const codeTimeLayout = "20060102150405"

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается, при успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Catalog — реализация catalog.Client поверх PostgreSQL.
type Catalog struct {
	db  DBTX
	txr *TxRunner
	now func() time.Time
}

// New создаёт каталог поверх пула подключений.
func New(pool *pgxpool.Pool) *Catalog {
	return &Catalog{db: pool, txr: NewTxRunner(pool), now: time.Now}
}

// CreateIdentifier выделяет код вида <UTC-время>-<номер последовательности>.
func (c *Catalog) CreateIdentifier(ctx context.Context) (string, error) {
	var seq int64
	if err := c.db.QueryRow(ctx, "SELECT nextval('entity_code_seq')").Scan(&seq); err != nil {
		return "", fmt.Errorf("выделение номера: %w", err)
	}

	code := c.now().UTC().Format(codeTimeLayout) + "-" + strconv.FormatInt(seq, 10)
	if _, err := c.db.Exec(ctx, "INSERT INTO identifiers (code) VALUES ($1)", code); err != nil {
		return "", fmt.Errorf("сохранение идентификатора %s: %w", code, err)
	}
	return code, nil
}

// RegisterEntity атомарно регистрирует сущность одной строкой.
// Невыданный код — rejected, повторная регистрация — conflict.
func (c *Catalog) RegisterEntity(ctx context.Context, rec *model.RegistrationRecord) (string, error) {
	props, err := json.Marshal(rec.Properties)
	if err != nil {
		return "", &catalog.RemoteRegistrationError{Code: rec.Code, Reason: catalog.ReasonRejected, Err: err}
	}
	if rec.Properties == nil {
		props = []byte("{}")
	}

	err = c.txr.RunInTx(ctx, func(tx pgx.Tx) error {
		var issued bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM identifiers WHERE code = $1)", rec.Code,
		).Scan(&issued); err != nil {
			return err
		}
		if !issued {
			return &catalog.RemoteRegistrationError{
				Code: rec.Code, Reason: catalog.ReasonRejected,
				Err: errors.New("идентификатор не выдавался"),
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO entities (code, node_id, item_name, dropbox, store_path, size, file_count, properties, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.Code, rec.NodeID, rec.ItemName, rec.Dropbox, rec.StorePath,
			rec.Size, rec.FileCount, props, rec.CreatedAt,
		)
		return err
	})

	switch {
	case err == nil:
		return rec.Code, nil
	case catalog.IsRemoteRegistrationError(err):
		return "", err
	case isUniqueViolation(err):
		return "", &catalog.RemoteRegistrationError{Code: rec.Code, Reason: catalog.ReasonConflict, Err: err}
	default:
		return "", &catalog.RemoteRegistrationError{Code: rec.Code, Reason: catalog.ReasonTransport, Err: err}
	}
}

// IsVisible проверяет, что сущность зарегистрирована.
func (c *Catalog) IsVisible(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := c.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM entities WHERE code = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("проверка видимости %s: %w", id, err)
	}
	return exists, nil
}

// Get возвращает зарегистрированную сущность.
func (c *Catalog) Get(ctx context.Context, id string) (*model.RegistrationRecord, error) {
	var (
		rec   model.RegistrationRecord
		props []byte
	)
	err := c.db.QueryRow(ctx, `
		SELECT code, node_id, item_name, dropbox, store_path, size, file_count, properties, created_at
		FROM entities WHERE code = $1`, id,
	).Scan(&rec.Code, &rec.NodeID, &rec.ItemName, &rec.Dropbox, &rec.StorePath,
		&rec.Size, &rec.FileCount, &props, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение сущности %s: %w", id, err)
	}
	if err := json.Unmarshal(props, &rec.Properties); err != nil {
		return nil, fmt.Errorf("разбор свойств сущности %s: %w", id, err)
	}
	return &rec, nil
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ catalog.Client = (*Catalog)(nil)
