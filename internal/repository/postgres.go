// Package repository содержит хранилища аукциона: PostgreSQL для работы сервиса
// и реализацию в памяти для запуска без базы и для тестов.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/auctionhouse/internal/auctionerrors"
	"github.com/mmeshcher/auctionhouse/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type txKey struct{}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
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
		return nil, fmt.Errorf("%w: ping database: %w", auctionerrors.ErrTransient, err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}

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

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в транзакции. Вложенный вызов присоединяется к внешней транзакции.
// Конфликты сериализации, дедлоки и обрывы соединения приводят к повтору всей транзакции.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) {
			break
		}
		if i == len(r.delays) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delays[i]):
		}
	}

	if err != nil && isConnectionError(err) && !errors.Is(err, auctionerrors.ErrTransient) {
		return fmt.Errorf("%w: %w", auctionerrors.ErrTransient, err)
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// wrap переводит ошибки драйвера в ошибки ядра.
func wrap(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", auctionerrors.ErrNotFound, what)
	case isConnectionError(err):
		return fmt.Errorf("%w: %s: %w", auctionerrors.ErrTransient, what, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func parseRatio(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ratio %q: %w", s, err)
	}
	return d, nil
}

// exists уточняет причину неудачного условного обновления: строки нет или не выполнено предусловие.
func (r *PostgresRepository) exists(ctx context.Context, table string, id any) error {
	var found bool
	err := r.q(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&found)
	if err != nil {
		return wrap(err, "check %s %v", table, id)
	}
	if !found {
		return fmt.Errorf("%w: %s %v", auctionerrors.ErrNotFound, table, id)
	}
	return nil
}

// Settings возвращает бизнес-параметры.
func (r *PostgresRepository) Settings(ctx context.Context) (model.Settings, error) {
	var (
		s                         model.Settings
		depositRatio, commission  string
		deadlineSec, countdownSec int64
		policy                    string
	)
	err := r.q(ctx).QueryRow(ctx,
		`SELECT default_deposit_ratio::text, default_commission_ratio::text,
		        unpaid_order_deadline_s, unpaid_policy, countdown_window_s
		 FROM settings WHERE id = 1`,
	).Scan(&depositRatio, &commission, &deadlineSec, &policy, &countdownSec)
	if err != nil {
		return s, wrap(err, "select settings")
	}

	if s.DefaultDepositRatio, err = parseRatio(depositRatio); err != nil {
		return s, err
	}
	if s.DefaultCommissionRatio, err = parseRatio(commission); err != nil {
		return s, err
	}
	s.UnpaidOrderDeadline = time.Duration(deadlineSec) * time.Second
	s.UnpaidPolicy = model.UnpaidPolicy(policy)
	s.CountdownWindow = time.Duration(countdownSec) * time.Second

	rows, err := r.q(ctx).Query(ctx,
		`SELECT min_amount, max_amount, increment_amount FROM increment_tiers ORDER BY min_amount`,
	)
	if err != nil {
		return s, wrap(err, "select increment tiers")
	}
	defer rows.Close()

	for rows.Next() {
		var t model.IncrementTier
		if err := rows.Scan(&t.MinAmount, &t.MaxAmount, &t.IncrementAmount); err != nil {
			return s, fmt.Errorf("scan increment tier: %w", err)
		}
		s.IncrementTiers = append(s.IncrementTiers, t)
	}
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("rows error: %w", err)
	}
	return s, nil
}

// SaveSettings заменяет бизнес-параметры вместе с сеткой шагов.
func (r *PostgresRepository) SaveSettings(ctx context.Context, s model.Settings) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		_, err := r.q(ctx).Exec(ctx,
			`UPDATE settings SET
			    default_deposit_ratio = $1::numeric,
			    default_commission_ratio = $2::numeric,
			    unpaid_order_deadline_s = $3,
			    unpaid_policy = $4,
			    countdown_window_s = $5
			 WHERE id = 1`,
			s.DefaultDepositRatio.String(),
			s.DefaultCommissionRatio.String(),
			int64(s.UnpaidOrderDeadline/time.Second),
			string(s.UnpaidPolicy),
			int64(s.CountdownWindow/time.Second),
		)
		if err != nil {
			return wrap(err, "update settings")
		}

		if _, err := r.q(ctx).Exec(ctx, `DELETE FROM increment_tiers`); err != nil {
			return wrap(err, "clear increment tiers")
		}
		for _, t := range s.IncrementTiers {
			_, err := r.q(ctx).Exec(ctx,
				`INSERT INTO increment_tiers (min_amount, max_amount, increment_amount) VALUES ($1, $2, $3)`,
				t.MinAmount, t.MaxAmount, t.IncrementAmount,
			)
			if err != nil {
				return wrap(err, "insert increment tier")
			}
		}
		return nil
	})
}

const accountColumns = `id, user_id, total_amount, available_amount, frozen_amount, refunded_amount, status, created_at, updated_at`

func scanAccount(row rowScanner) (*model.DepositAccount, error) {
	var (
		a      model.DepositAccount
		status string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.TotalAmount, &a.AvailableAmount, &a.FrozenAmount,
		&a.RefundedAmount, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = model.AccountStatus(status)
	return &a, nil
}

// EnsureAccount создаёт счёт пользователя, если его ещё нет.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, userID int64) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO deposit_accounts (user_id, status) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, string(model.AccountStatusActive),
	)
	if err != nil {
		return wrap(err, "ensure account of user %d", userID)
	}
	return nil
}

// LockAccount возвращает счёт пользователя, блокируя строку до конца транзакции.
func (r *PostgresRepository) LockAccount(ctx context.Context, userID int64) (*model.DepositAccount, error) {
	a, err := scanAccount(r.q(ctx).QueryRow(ctx,
		`SELECT `+accountColumns+` FROM deposit_accounts WHERE user_id = $1 FOR UPDATE`, userID,
	))
	if err != nil {
		return nil, wrap(err, "lock account of user %d", userID)
	}
	return a, nil
}

// GetAccount возвращает счёт пользователя.
func (r *PostgresRepository) GetAccount(ctx context.Context, userID int64) (*model.DepositAccount, error) {
	a, err := scanAccount(r.q(ctx).QueryRow(ctx,
		`SELECT `+accountColumns+` FROM deposit_accounts WHERE user_id = $1`, userID,
	))
	if err != nil {
		return nil, wrap(err, "account of user %d", userID)
	}
	return a, nil
}

// SaveAccount сохраняет балансы счёта.
func (r *PostgresRepository) SaveAccount(ctx context.Context, a *model.DepositAccount) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE deposit_accounts SET
		    total_amount = $2, available_amount = $3, frozen_amount = $4,
		    refunded_amount = $5, status = $6, updated_at = $7
		 WHERE user_id = $1`,
		a.UserID, a.TotalAmount, a.AvailableAmount, a.FrozenAmount, a.RefundedAmount, string(a.Status), a.UpdatedAt,
	)
	if err != nil {
		return wrap(err, "update account of user %d", a.UserID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account of user %d", auctionerrors.ErrNotFound, a.UserID)
	}
	return nil
}

// AddTransaction добавляет запись в журнал.
func (r *PostgresRepository) AddTransaction(ctx context.Context, t *model.DepositTransaction) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO deposit_transactions
		    (id, account_id, user_id, type, amount, available_before, available_after,
		     frozen_before, frozen_after, ref_type, ref_id, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.AccountID, t.UserID, string(t.Type), t.Amount, t.AvailableBefore, t.AvailableAfter,
		t.FrozenBefore, t.FrozenAfter, string(t.Ref.Type), t.Ref.ID, t.Reason, t.CreatedAt,
	)
	if err != nil {
		return wrap(err, "insert transaction")
	}
	return nil
}

// ListTransactions возвращает записи журнала пользователя, новые первыми.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID int64, limit int) ([]model.DepositTransaction, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := r.q(ctx).Query(ctx,
		`SELECT id, account_id, user_id, type, amount, available_before, available_after,
		        frozen_before, frozen_after, ref_type, ref_id, reason, created_at
		 FROM deposit_transactions
		 WHERE user_id = $1
		 ORDER BY seq DESC
		 LIMIT NULLIF($2, 0)`,
		userID, limit,
	)
	if err != nil {
		return nil, wrap(err, "select transactions")
	}
	defer rows.Close()

	var res []model.DepositTransaction
	for rows.Next() {
		var (
			t            model.DepositTransaction
			typ, refType string
		)
		err := rows.Scan(&t.ID, &t.AccountID, &t.UserID, &typ, &t.Amount, &t.AvailableBefore, &t.AvailableAfter,
			&t.FrozenBefore, &t.FrozenAfter, &refType, &t.Ref.ID, &t.Reason, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(typ)
		t.Ref.Type = model.RefType(refType)
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

const itemColumns = `id, session_id, title, starting_price, reserve_price, current_price,
	deposit_ratio::text, highest_bid_id, status, created_at, updated_at`

func scanItem(row rowScanner) (*model.Item, error) {
	var (
		item   model.Item
		ratio  *string
		status string
	)
	err := row.Scan(&item.ID, &item.SessionID, &item.Title, &item.StartingPrice, &item.ReservePrice,
		&item.CurrentPrice, &ratio, &item.HighestBidID, &status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ratio != nil {
		d, err := parseRatio(*ratio)
		if err != nil {
			return nil, err
		}
		item.DepositRatio = &d
	}
	item.Status = model.ItemStatus(status)
	return &item, nil
}

func ratioArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// CreateItem сохраняет новый лот и присваивает ему идентификатор.
func (r *PostgresRepository) CreateItem(ctx context.Context, item *model.Item) error {
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	err := r.q(ctx).QueryRow(ctx,
		`INSERT INTO items (session_id, title, starting_price, reserve_price, current_price,
		                    deposit_ratio, highest_bid_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
		 RETURNING id`,
		item.SessionID, item.Title, item.StartingPrice, item.ReservePrice, item.CurrentPrice,
		ratioArg(item.DepositRatio), item.HighestBidID, string(item.Status), item.CreatedAt, item.UpdatedAt,
	).Scan(&item.ID)
	if err != nil {
		return wrap(err, "insert item")
	}
	return nil
}

// GetItem возвращает лот.
func (r *PostgresRepository) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	item, err := scanItem(r.q(ctx).QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		return nil, wrap(err, "item %d", id)
	}
	return item, nil
}

// LockItem возвращает лот, блокируя строку до конца транзакции.
func (r *PostgresRepository) LockItem(ctx context.Context, id int64) (*model.Item, error) {
	item, err := scanItem(r.q(ctx).QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrap(err, "lock item %d", id)
	}
	return item, nil
}

// ListSessionItems возвращает лоты сессии по возрастанию идентификатора.
func (r *PostgresRepository) ListSessionItems(ctx context.Context, sessionID int64) ([]model.Item, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE session_id = $1 ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, wrap(err, "select items of session %d", sessionID)
	}
	defer rows.Close()

	var res []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		res = append(res, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// SetItemSession прикрепляет лот к сессии или открепляет его при nil.
func (r *PostgresRepository) SetItemSession(ctx context.Context, itemID int64, sessionID *int64, now time.Time) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE items SET session_id = $2, updated_at = $3 WHERE id = $1`, itemID, sessionID, now,
	)
	if err != nil {
		return wrap(err, "update item %d session", itemID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: item %d", auctionerrors.ErrNotFound, itemID)
	}
	return nil
}

// UpdateItemPrice сохраняет новую текущую цену и лидирующую ставку.
func (r *PostgresRepository) UpdateItemPrice(ctx context.Context, itemID, price int64, bidID uuid.UUID, now time.Time) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE items SET current_price = $2, highest_bid_id = $3, updated_at = $4 WHERE id = $1`,
		itemID, price, bidID, now,
	)
	if err != nil {
		return wrap(err, "update item %d price", itemID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: item %d", auctionerrors.ErrNotFound, itemID)
	}
	return nil
}

// SaveItemStatus сохраняет статус лота, если в хранилище он всё ещё равен from.
func (r *PostgresRepository) SaveItemStatus(ctx context.Context, item *model.Item, from model.ItemStatus) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE items SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		item.ID, string(item.Status), item.UpdatedAt, string(from),
	)
	if err != nil {
		return false, wrap(err, "update item %d status", item.ID)
	}
	if tag.RowsAffected() == 0 {
		return false, r.exists(ctx, "items", item.ID)
	}
	return true, nil
}

const sessionColumns = `id, name, start_time, end_time, status, deposit_ratio::text, commission_ratio::text,
	anti_snipe_enabled, anti_snipe_threshold_s, anti_snipe_extend_s, anti_snipe_max_extends,
	extend_count, settled, created_at, updated_at`

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		s                   model.Session
		status              string
		deposit, commission string
	)
	err := row.Scan(&s.ID, &s.Name, &s.StartTime, &s.EndTime, &status, &deposit, &commission,
		&s.AntiSniping.Enabled, &s.AntiSniping.ThresholdSec, &s.AntiSniping.ExtendSec, &s.AntiSniping.MaxExtends,
		&s.ExtendCount, &s.Settled, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	if s.DepositRatio, err = parseRatio(deposit); err != nil {
		return nil, err
	}
	if s.CommissionRatio, err = parseRatio(commission); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession сохраняет новую сессию и присваивает ей идентификатор.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *model.Session) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	err := r.q(ctx).QueryRow(ctx,
		`INSERT INTO auction_sessions
		    (name, start_time, end_time, status, deposit_ratio, commission_ratio,
		     anti_snipe_enabled, anti_snipe_threshold_s, anti_snipe_extend_s, anti_snipe_max_extends,
		     extend_count, settled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id`,
		s.Name, s.StartTime, s.EndTime, string(s.Status), s.DepositRatio.String(), s.CommissionRatio.String(),
		s.AntiSniping.Enabled, s.AntiSniping.ThresholdSec, s.AntiSniping.ExtendSec, s.AntiSniping.MaxExtends,
		s.ExtendCount, s.Settled, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		return wrap(err, "insert session")
	}
	return nil
}

// GetSession возвращает сессию.
func (r *PostgresRepository) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	s, err := scanSession(r.q(ctx).QueryRow(ctx, `SELECT `+sessionColumns+` FROM auction_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, wrap(err, "session %d", id)
	}
	return s, nil
}

// ListSessionsByStatus возвращает сессии в указанном статусе по возрастанию идентификатора.
func (r *PostgresRepository) ListSessionsByStatus(ctx context.Context, status model.SessionStatus) ([]model.Session, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+sessionColumns+` FROM auction_sessions WHERE status = $1 ORDER BY id`, string(status),
	)
	if err != nil {
		return nil, wrap(err, "select %s sessions", status)
	}
	defer rows.Close()

	var res []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		res = append(res, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// SaveSessionStatus сохраняет статус сессии, если предусловие всё ещё выполняется.
// Для перехода в RUNNING требуется start_time <= dueBy, для ENDED требуется end_time <= dueBy.
func (r *PostgresRepository) SaveSessionStatus(ctx context.Context, s *model.Session, from model.SessionStatus, dueBy time.Time) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE auction_sessions SET status = $2::text, updated_at = $3
		 WHERE id = $1 AND status = $4
		   AND ($5::timestamptz IS NULL OR CASE $2::text
		        WHEN 'RUNNING' THEN start_time <= $5::timestamptz
		        WHEN 'ENDED' THEN end_time <= $5::timestamptz
		        ELSE TRUE END)`,
		s.ID, string(s.Status), s.UpdatedAt, string(from), nullTime(dueBy),
	)
	if err != nil {
		return false, wrap(err, "update session %d status", s.ID)
	}
	if tag.RowsAffected() == 0 {
		return false, r.exists(ctx, "auction_sessions", s.ID)
	}
	return true, nil
}

// ExtendSession переносит окончание сессии, если счётчик продлений не изменился.
func (r *PostgresRepository) ExtendSession(ctx context.Context, sessionID int64, expectedCount int, newEnd, now time.Time) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE auction_sessions SET end_time = $3, extend_count = extend_count + 1, updated_at = $4
		 WHERE id = $1 AND status = $5 AND extend_count = $2 AND end_time < $3`,
		sessionID, expectedCount, newEnd, now, string(model.SessionStatusRunning),
	)
	if err != nil {
		return false, wrap(err, "extend session %d", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return false, r.exists(ctx, "auction_sessions", sessionID)
	}
	return true, nil
}

// MarkSessionSettled выставляет признак завершённого расчёта.
func (r *PostgresRepository) MarkSessionSettled(ctx context.Context, sessionID int64, now time.Time) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE auction_sessions SET settled = TRUE, updated_at = $2 WHERE id = $1 AND NOT settled`,
		sessionID, now,
	)
	if err != nil {
		return false, wrap(err, "mark session %d settled", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return false, r.exists(ctx, "auction_sessions", sessionID)
	}
	return true, nil
}

const bidColumns = `id, session_id, item_id, user_id, amount, deposit_held, status, created_at`

func scanBid(row rowScanner) (*model.Bid, error) {
	var (
		b      model.Bid
		status string
	)
	if err := row.Scan(&b.ID, &b.SessionID, &b.ItemID, &b.UserID, &b.Amount, &b.DepositHeld, &status, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Status = model.BidStatus(status)
	return &b, nil
}

func (r *PostgresRepository) queryBids(ctx context.Context, sql string, args ...any) ([]model.Bid, error) {
	rows, err := r.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(err, "select bids")
	}
	defer rows.Close()

	var res []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		res = append(res, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateBid сохраняет ставку.
func (r *PostgresRepository) CreateBid(ctx context.Context, b *model.Bid) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO bids (id, session_id, item_id, user_id, amount, deposit_held, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.SessionID, b.ItemID, b.UserID, b.Amount, b.DepositHeld, string(b.Status), b.CreatedAt,
	)
	if err != nil {
		return wrap(err, "insert bid")
	}
	return nil
}

// SetBidStatus меняет статус ставки.
func (r *PostgresRepository) SetBidStatus(ctx context.Context, bidID uuid.UUID, status model.BidStatus) error {
	tag, err := r.q(ctx).Exec(ctx, `UPDATE bids SET status = $2 WHERE id = $1`, bidID, string(status))
	if err != nil {
		return wrap(err, "update bid %s status", bidID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: bid %s", auctionerrors.ErrNotFound, bidID)
	}
	return nil
}

// HighestBid возвращает действующую лидирующую ставку по лоту.
func (r *PostgresRepository) HighestBid(ctx context.Context, itemID int64) (*model.Bid, error) {
	b, err := scanBid(r.q(ctx).QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE item_id = $1 AND status = $2
		 ORDER BY amount DESC, seq
		 LIMIT 1`,
		itemID, string(model.BidStatusValid),
	))
	if err != nil {
		return nil, wrap(err, "no valid bid for item %d", itemID)
	}
	return b, nil
}

// LatestUserBid возвращает последнюю ставку пользователя по лоту, не считая недействительных.
func (r *PostgresRepository) LatestUserBid(ctx context.Context, itemID, userID int64) (*model.Bid, error) {
	b, err := scanBid(r.q(ctx).QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids
		 WHERE item_id = $1 AND user_id = $2 AND status <> $3
		 ORDER BY seq DESC
		 LIMIT 1`,
		itemID, userID, string(model.BidStatusInvalid),
	))
	if err != nil {
		return nil, wrap(err, "no bid of user %d for item %d", userID, itemID)
	}
	return b, nil
}

// ListBids возвращает историю ставок по лоту, новые первыми.
func (r *PostgresRepository) ListBids(ctx context.Context, itemID int64) ([]model.Bid, error) {
	return r.queryBids(ctx, `SELECT `+bidColumns+` FROM bids WHERE item_id = $1 ORDER BY seq DESC`, itemID)
}

// ListHolders возвращает последнюю ставку каждого участника торгов по лоту.
func (r *PostgresRepository) ListHolders(ctx context.Context, itemID int64) ([]model.Bid, error) {
	return r.queryBids(ctx,
		`SELECT DISTINCT ON (user_id) `+bidColumns+` FROM bids
		 WHERE item_id = $1 AND status <> $2
		 ORDER BY user_id, seq DESC`,
		itemID, string(model.BidStatusInvalid),
	)
}

const resultColumns = `id, session_id, item_id, winner_id, highest_bid_id, final_price, commission,
	deposit_applied, order_id, result_status, settle_status, remark, created_at`

func scanResult(row rowScanner) (*model.AuctionResult, error) {
	var (
		res                  model.AuctionResult
		resultStatus, settle string
	)
	err := row.Scan(&res.ID, &res.SessionID, &res.ItemID, &res.WinnerID, &res.HighestBidID, &res.FinalPrice,
		&res.Commission, &res.DepositApplied, &res.OrderID, &resultStatus, &settle, &res.Remark, &res.CreatedAt)
	if err != nil {
		return nil, err
	}
	res.ResultStatus = model.ResultStatus(resultStatus)
	res.SettleStatus = model.SettleStatus(settle)
	return &res, nil
}

// GetResult возвращает итог торгов по лоту в сессии.
func (r *PostgresRepository) GetResult(ctx context.Context, sessionID, itemID int64) (*model.AuctionResult, error) {
	res, err := scanResult(r.q(ctx).QueryRow(ctx,
		`SELECT `+resultColumns+` FROM auction_results WHERE session_id = $1 AND item_id = $2`,
		sessionID, itemID,
	))
	if err != nil {
		return nil, wrap(err, "result for item %d in session %d", itemID, sessionID)
	}
	return res, nil
}

// CreateResult сохраняет итог торгов. Повторная запись для той же пары возвращает ErrAlreadySettled.
func (r *PostgresRepository) CreateResult(ctx context.Context, res *model.AuctionResult) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO auction_results
		    (id, session_id, item_id, winner_id, highest_bid_id, final_price, commission,
		     deposit_applied, order_id, result_status, settle_status, remark, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		res.ID, res.SessionID, res.ItemID, res.WinnerID, res.HighestBidID, res.FinalPrice, res.Commission,
		res.DepositApplied, res.OrderID, string(res.ResultStatus), string(res.SettleStatus), res.Remark, res.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: item %d in session %d", auctionerrors.ErrAlreadySettled, res.ItemID, res.SessionID)
		}
		return wrap(err, "insert result")
	}
	return nil
}

// ListResults возвращает итоги сессии по возрастанию идентификатора лота.
func (r *PostgresRepository) ListResults(ctx context.Context, sessionID int64) ([]model.AuctionResult, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+resultColumns+` FROM auction_results WHERE session_id = $1 ORDER BY item_id`, sessionID,
	)
	if err != nil {
		return nil, wrap(err, "select results of session %d", sessionID)
	}
	defer rows.Close()

	var res []model.AuctionResult
	for rows.Next() {
		item, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res = append(res, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

const orderColumns = `id, order_no, session_id, item_id, buyer_id, total_amount, commission, deposit_amount,
	balance_amount, status, deposit_forfeited, created_at, paid_at, shipped_at, received_at, updated_at`

func scanOrder(row rowScanner) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.OrderNo, &o.SessionID, &o.ItemID, &o.BuyerID, &o.TotalAmount, &o.Commission,
		&o.DepositAmount, &o.BalanceAmount, &status, &o.DepositForfeited, &o.CreatedAt, &o.PaidAt,
		&o.ShippedAt, &o.ReceivedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func (r *PostgresRepository) queryOrders(ctx context.Context, sql string, args ...any) ([]model.Order, error) {
	rows, err := r.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(err, "select orders")
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateOrder сохраняет заказ.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO orders
		    (id, order_no, session_id, item_id, buyer_id, total_amount, commission, deposit_amount,
		     balance_amount, status, deposit_forfeited, created_at, paid_at, shipped_at, received_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		o.ID, o.OrderNo, o.SessionID, o.ItemID, o.BuyerID, o.TotalAmount, o.Commission, o.DepositAmount,
		o.BalanceAmount, string(o.Status), o.DepositForfeited, o.CreatedAt, o.PaidAt, o.ShippedAt, o.ReceivedAt, o.UpdatedAt,
	)
	if err != nil {
		return wrap(err, "insert order %s", o.OrderNo)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	o, err := scanOrder(r.q(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, wrap(err, "order %s", id)
	}
	return o, nil
}

// GetOrderByNo возвращает заказ по номеру.
func (r *PostgresRepository) GetOrderByNo(ctx context.Context, orderNo string) (*model.Order, error) {
	o, err := scanOrder(r.q(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_no = $1`, orderNo))
	if err != nil {
		return nil, wrap(err, "order %s", orderNo)
	}
	return o, nil
}

// ListBuyerOrders возвращает заказы покупателя, новые первыми.
func (r *PostgresRepository) ListBuyerOrders(ctx context.Context, buyerID int64) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC`, buyerID,
	)
}

// ListOrdersByStatus возвращает заказы в статусе status, созданные раньше createdBefore.
// Нулевой createdBefore отключает фильтр по времени.
func (r *PostgresRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus, createdBefore time.Time) ([]model.Order, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND ($2::timestamptz IS NULL OR created_at < $2::timestamptz)
		 ORDER BY created_at`,
		string(status), nullTime(createdBefore),
	)
}

// SaveOrderStatus сохраняет статус заказа и связанные поля, если в хранилище статус всё ещё равен from.
func (r *PostgresRepository) SaveOrderStatus(ctx context.Context, o *model.Order, from model.OrderStatus) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE orders SET
		    status = $2, deposit_forfeited = $3, paid_at = $4, shipped_at = $5, received_at = $6, updated_at = $7
		 WHERE id = $1 AND status = $8`,
		o.ID, string(o.Status), o.DepositForfeited, o.PaidAt, o.ShippedAt, o.ReceivedAt, o.UpdatedAt, string(from),
	)
	if err != nil {
		return false, wrap(err, "update order %s status", o.OrderNo)
	}
	if tag.RowsAffected() == 0 {
		return false, r.exists(ctx, "orders", o.ID)
	}
	return true, nil
}
