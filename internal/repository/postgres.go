// Package repository содержит реализации хранилища квот: PostgreSQL и в памяти.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ozone-quota/internal/model"
	"github.com/mmeshcher/ozone-quota/internal/units"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// withRetry повторяет fn при конфликтах сериализации, взаимных блокировках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return unavailable(err)
		}
		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return unavailable(ctx.Err())
		case <-timer.C:
		}
	}
	return unavailable(err)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isOutOfRange(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.NumericValueOutOfRange
}

func isConnectionError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// unavailable помечает сетевые ошибки и таймауты как model.ErrStoreUnavailable.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || isConnectionError(err) {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return err
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func toNullNumeric(d decimal.NullDecimal) pgtype.Numeric {
	if !d.Valid {
		return pgtype.Numeric{}
	}
	return toNumeric(d.Decimal)
}

func fromNumeric(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid {
		return decimal.Zero, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.Zero, fmt.Errorf("non-finite numeric value")
	}
	if n.Int == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(new(big.Int).Set(n.Int), n.Exp), nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetRefrigerant возвращает запись справочника по коду.
func (r *PostgresRepository) GetRefrigerant(ctx context.Context, code string) (*model.Refrigerant, error) {
	var (
		rec model.Refrigerant
		gwp pgtype.Numeric
	)
	err := r.pool.QueryRow(ctx,
		`SELECT code, chemical_name, hs_code, gwp, updated_at FROM refrigerants WHERE code = $1`,
		code,
	).Scan(&rec.Code, &rec.ChemicalName, &rec.HSCode, &gwp, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrSubstanceNotFound
		}
		return nil, unavailable(fmt.Errorf("get refrigerant: %w", err))
	}

	if gwp.Valid {
		v, err := fromNumeric(gwp)
		if err != nil {
			return nil, fmt.Errorf("refrigerant %s gwp: %w", code, err)
		}
		rec.GWP = decimal.NewNullDecimal(v)
	}
	return &rec, nil
}

// ListRefrigerants возвращает справочник, упорядоченный по коду.
func (r *PostgresRepository) ListRefrigerants(ctx context.Context) ([]model.Refrigerant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT code, chemical_name, hs_code, gwp, updated_at FROM refrigerants ORDER BY code`,
	)
	if err != nil {
		return nil, unavailable(fmt.Errorf("select refrigerants: %w", err))
	}
	defer rows.Close()

	var res []model.Refrigerant
	for rows.Next() {
		var (
			rec model.Refrigerant
			gwp pgtype.Numeric
		)
		if err := rows.Scan(&rec.Code, &rec.ChemicalName, &rec.HSCode, &gwp, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan refrigerant: %w", err)
		}
		if gwp.Valid {
			v, err := fromNumeric(gwp)
			if err != nil {
				return nil, fmt.Errorf("refrigerant %s gwp: %w", rec.Code, err)
			}
			rec.GWP = decimal.NewNullDecimal(v)
		}
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpsertRefrigerant создаёт или обновляет запись справочника.
func (r *PostgresRepository) UpsertRefrigerant(ctx context.Context, rec model.Refrigerant) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO refrigerants (code, chemical_name, hs_code, gwp, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (code) DO UPDATE
		 SET chemical_name = EXCLUDED.chemical_name,
		     hs_code = EXCLUDED.hs_code,
		     gwp = EXCLUDED.gwp,
		     updated_at = now()`,
		rec.Code, rec.ChemicalName, rec.HSCode, toNullNumeric(rec.GWP),
	)
	if err != nil {
		return unavailable(fmt.Errorf("upsert refrigerant: %w", err))
	}
	return nil
}

func scanAccount(row pgx.Row) (*model.QuotaAccount, error) {
	var (
		acc                            model.QuotaAccount
		allocated, consumed, remaining pgtype.Numeric
	)
	if err := row.Scan(&acc.ImporterID, &allocated, &consumed, &remaining, &acc.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if acc.Allocated, err = fromNumeric(allocated); err != nil {
		return nil, fmt.Errorf("allocated: %w", err)
	}
	if acc.Consumed, err = fromNumeric(consumed); err != nil {
		return nil, fmt.Errorf("consumed: %w", err)
	}
	if acc.Remaining, err = fromNumeric(remaining); err != nil {
		return nil, fmt.Errorf("remaining: %w", err)
	}
	return &acc, nil
}

// GetQuotaAccount возвращает квотный счёт импортёра.
func (r *PostgresRepository) GetQuotaAccount(ctx context.Context, importerID int64) (*model.QuotaAccount, error) {
	acc, err := scanAccount(r.pool.QueryRow(ctx,
		`SELECT importer_id, allocated, consumed, remaining, updated_at
		 FROM quota_accounts WHERE importer_id = $1`,
		importerID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAccountNotFound
		}
		return nil, unavailable(fmt.Errorf("get quota account: %w", err))
	}
	return acc, nil
}

// SetAllocation устанавливает выделенную квоту, создавая счёт при первом назначении.
func (r *PostgresRepository) SetAllocation(ctx context.Context, importerID int64, allocated decimal.Decimal) (*model.QuotaAccount, error) {
	var acc *model.QuotaAccount
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO quota_accounts (importer_id) VALUES ($1) ON CONFLICT (importer_id) DO NOTHING`,
			importerID,
		)
		if err != nil {
			return fmt.Errorf("ensure quota account: %w", err)
		}

		current, err := scanAccount(tx.QueryRow(ctx,
			`SELECT importer_id, allocated, consumed, remaining, updated_at
			 FROM quota_accounts WHERE importer_id = $1 FOR UPDATE`,
			importerID,
		))
		if err != nil {
			return fmt.Errorf("lock quota account: %w", err)
		}

		next := current.Reallocate(allocated, time.Now())
		_, err = tx.Exec(ctx,
			`UPDATE quota_accounts SET allocated = $2, remaining = $3, updated_at = $4 WHERE importer_id = $1`,
			importerID, toNumeric(next.Allocated), toNumeric(next.Remaining), next.UpdatedAt,
		)
		if err != nil {
			if isOutOfRange(err) {
				return fmt.Errorf("%w: allocated %s", model.ErrValueOutOfRange, allocated)
			}
			return fmt.Errorf("update quota account: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		acc = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// CreateImportRequest сохраняет заявку вместе со строками.
func (r *PostgresRepository) CreateImportRequest(ctx context.Context, req *model.ImportRequest) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return unavailable(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO import_requests (id, importer_id, total_co2, status, settled)
		 VALUES ($1, $2, $3, $4, FALSE)
		 RETURNING created_at`,
		req.ID, req.ImporterID, toNumeric(req.TotalCO2Equivalent), string(req.Status),
	).Scan(&req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return model.ErrAccountNotFound
		}
		return unavailable(fmt.Errorf("insert import request: %w", err))
	}

	rows := make([][]any, 0, len(req.Items))
	for i, it := range req.Items {
		rows = append(rows, []any{
			req.ID, i, it.SubstanceCode, it.ContainerCount,
			toNumeric(it.QuantityPerContainer), string(it.Unit), toNumeric(it.CO2Equivalent),
		})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"import_line_items"},
		[]string{"request_id", "position", "substance_code", "container_count", "quantity_per_container", "unit", "co2_equivalent"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return unavailable(fmt.Errorf("insert line items: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (*model.ImportRequest, error) {
	var (
		req    model.ImportRequest
		total  pgtype.Numeric
		status string
	)
	if err := row.Scan(&req.ID, &req.ImporterID, &total, &status, &req.Settled, &req.CreatedAt, &req.SettledAt); err != nil {
		return nil, err
	}
	req.Status = model.ImportStatus(status)

	var err error
	if req.TotalCO2Equivalent, err = fromNumeric(total); err != nil {
		return nil, fmt.Errorf("total co2: %w", err)
	}
	return &req, nil
}

const selectRequest = `SELECT id, importer_id, total_co2, status, settled, created_at, settled_at FROM import_requests`

func (r *PostgresRepository) loadItems(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, requestID uuid.UUID) ([]model.ImportLineItem, error) {
	rows, err := q.Query(ctx,
		`SELECT substance_code, container_count, quantity_per_container, unit, co2_equivalent
		 FROM import_line_items
		 WHERE request_id = $1
		 ORDER BY position`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("select line items: %w", err)
	}
	defer rows.Close()

	var items []model.ImportLineItem
	for rows.Next() {
		var (
			it       model.ImportLineItem
			qty, co2 pgtype.Numeric
			unit     string
		)
		if err := rows.Scan(&it.SubstanceCode, &it.ContainerCount, &qty, &unit, &co2); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		it.Unit = units.Unit(unit)
		if it.QuantityPerContainer, err = fromNumeric(qty); err != nil {
			return nil, fmt.Errorf("quantity: %w", err)
		}
		if it.CO2Equivalent, err = fromNumeric(co2); err != nil {
			return nil, fmt.Errorf("co2 equivalent: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return items, nil
}

// GetImportRequest возвращает заявку по идентификатору.
func (r *PostgresRepository) GetImportRequest(ctx context.Context, id uuid.UUID) (*model.ImportRequest, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, selectRequest+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRequestNotFound
		}
		return nil, unavailable(fmt.Errorf("get import request: %w", err))
	}

	req.Items, err = r.loadItems(ctx, r.pool, id)
	if err != nil {
		return nil, unavailable(err)
	}
	return req, nil
}

// ListImportRequests возвращает заявки импортёра, новые первыми.
func (r *PostgresRepository) ListImportRequests(ctx context.Context, importerID int64) ([]model.ImportRequest, error) {
	rows, err := r.pool.Query(ctx, selectRequest+` WHERE importer_id = $1 ORDER BY created_at DESC`, importerID)
	if err != nil {
		return nil, unavailable(fmt.Errorf("select import requests: %w", err))
	}

	var res []model.ImportRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan import request: %w", err)
		}
		res = append(res, *req)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range res {
		res[i].Items, err = r.loadItems(ctx, r.pool, res[i].ID)
		if err != nil {
			return nil, unavailable(err)
		}
	}
	return res, nil
}

// UpdateImportStatus переводит заявку в новый статус, если переход допустим.
func (r *PostgresRepository) UpdateImportStatus(ctx context.Context, id uuid.UUID, to model.ImportStatus) (*model.ImportRequest, error) {
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var from string
		err = tx.QueryRow(ctx, `SELECT status FROM import_requests WHERE id = $1 FOR UPDATE`, id).Scan(&from)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrRequestNotFound
			}
			return fmt.Errorf("lock import request: %w", err)
		}
		if !model.CanTransition(model.ImportStatus(from), to) {
			return model.ErrInvalidStatusTransition
		}

		if _, err := tx.Exec(ctx, `UPDATE import_requests SET status = $2 WHERE id = $1`, id, string(to)); err != nil {
			return fmt.Errorf("update import status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetImportRequest(ctx, id)
}

// SettleImport списывает заявку с квоты в одной транзакции. Строки заявки и счёта
// блокируются в фиксированном порядке: сначала заявка, затем счёт.
func (r *PostgresRepository) SettleImport(ctx context.Context, importerID int64, requestID uuid.UUID) (*model.Settlement, error) {
	var s *model.Settlement
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		req, err := scanRequest(tx.QueryRow(ctx, selectRequest+` WHERE id = $1 FOR UPDATE`, requestID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrRequestNotFound
			}
			return fmt.Errorf("lock import request: %w", err)
		}
		if err := req.CheckSettleable(importerID); err != nil {
			return err
		}

		items, err := r.loadItems(ctx, tx, requestID)
		if err != nil {
			return err
		}
		amount := model.LineItemsTotal(items)

		acc, err := scanAccount(tx.QueryRow(ctx,
			`SELECT importer_id, allocated, consumed, remaining, updated_at
			 FROM quota_accounts WHERE importer_id = $1 FOR UPDATE`,
			importerID,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrAccountNotFound
			}
			return fmt.Errorf("lock quota account: %w", err)
		}

		now := time.Now()
		next := acc.Consume(amount, now)

		_, err = tx.Exec(ctx,
			`UPDATE quota_accounts SET consumed = $2, remaining = $3, updated_at = $4 WHERE importer_id = $1`,
			importerID, toNumeric(next.Consumed), toNumeric(next.Remaining), now,
		)
		if err != nil {
			return fmt.Errorf("update quota account: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE import_requests SET settled = TRUE, settled_at = $2 WHERE id = $1`,
			requestID, now,
		)
		if err != nil {
			return fmt.Errorf("mark settled: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlements (request_id, importer_id, amount, new_consumed, new_remaining, settled_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			requestID, importerID, toNumeric(amount), toNumeric(next.Consumed), toNumeric(next.Remaining), now,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return model.ErrAlreadySettled
			}
			return fmt.Errorf("insert settlement: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		s = &model.Settlement{
			RequestID:    requestID,
			ImporterID:   importerID,
			Amount:       amount,
			NewConsumed:  next.Consumed,
			NewRemaining: next.Remaining,
			SettledAt:    now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSettlements возвращает историю списаний импортёра, новые первыми.
func (r *PostgresRepository) ListSettlements(ctx context.Context, importerID int64) ([]model.Settlement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT request_id, importer_id, amount, new_consumed, new_remaining, settled_at
		 FROM settlements
		 WHERE importer_id = $1
		 ORDER BY settled_at DESC`,
		importerID,
	)
	if err != nil {
		return nil, unavailable(fmt.Errorf("select settlements: %w", err))
	}
	defer rows.Close()

	var res []model.Settlement
	for rows.Next() {
		var (
			s                           model.Settlement
			amount, consumed, remaining pgtype.Numeric
		)
		if err := rows.Scan(&s.RequestID, &s.ImporterID, &amount, &consumed, &remaining, &s.SettledAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		if s.Amount, err = fromNumeric(amount); err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
		if s.NewConsumed, err = fromNumeric(consumed); err != nil {
			return nil, fmt.Errorf("new consumed: %w", err)
		}
		if s.NewRemaining, err = fromNumeric(remaining); err != nil {
			return nil, fmt.Errorf("new remaining: %w", err)
		}
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
