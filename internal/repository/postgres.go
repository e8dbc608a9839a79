// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/distributor-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountNotFound возвращается, если счёт дистрибьютора не существует.
var ErrAccountNotFound = errors.New("account not found")

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

// withRetry повторяет транзакцию при временных сбоях хранилища.
// Повтор безопасен: прерванная транзакция не оставляет частичных записей.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// commitError помечает сбой на фазе фиксации. Транзакция могла успеть
// примениться, поэтому повтор способен продублировать запись.
type commitError struct {
	err error
}

func (e *commitError) Error() string { return "commit tx: " + e.err.Error() }

func (e *commitError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var ce *commitError
	if errors.As(err, &ce) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetAccount возвращает счёт дистрибьютора по адресу.
func (r *PostgresRepository) GetAccount(ctx context.Context, email string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT email, name, outstanding FROM accounts WHERE email = $1`,
		email,
	)

	var a model.Account
	if err := row.Scan(&a.Email, &a.Name, &a.Outstanding); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// ListAccounts возвращает все счета, упорядоченные по имени.
func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT email, name, outstanding FROM accounts ORDER BY name, email`,
	)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	defer rows.Close()

	var res []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.Email, &a.Name, &a.Outstanding); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// lockAccount блокирует строку счёта до конца транзакции, сериализуя
// конкурентные изменения одного баланса. Счета между собой не блокируются.
func lockAccount(ctx context.Context, tx pgx.Tx, email string) (int64, error) {
	var outstanding int64
	err := tx.QueryRow(ctx,
		`SELECT outstanding FROM accounts WHERE email = $1 FOR UPDATE`,
		email,
	).Scan(&outstanding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("lock account: %w", err)
	}
	return outstanding, nil
}

// insertEntry добавляет запись журнала и сдвигает баланс счёта внутри
// открытой транзакции. Запись и изменение баланса фиксируются вместе.
func insertEntry(ctx context.Context, tx pgx.Tx, email string, kind model.EntryKind, amount int64, note, reference string) (*model.LedgerEntry, int64, error) {
	e := &model.LedgerEntry{
		AccountEmail: email,
		Kind:         kind,
		Amount:       amount,
		Note:         note,
		Reference:    reference,
	}

	err := tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (account_email, kind, amount, note, reference)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		email, string(kind), amount, note, reference,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("insert ledger entry: %w", err)
	}

	var newOutstanding int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET outstanding = outstanding + $2 WHERE email = $1 RETURNING outstanding`,
		email, kind.Signed(amount),
	).Scan(&newOutstanding)
	if err != nil {
		return nil, 0, fmt.Errorf("update outstanding: %w", err)
	}

	return e, newOutstanding, nil
}

// ApplyEntry атомарно добавляет запись журнала и изменяет задолженность счёта.
// Возвращает созданную запись и новый баланс.
func (r *PostgresRepository) ApplyEntry(ctx context.Context, email string, kind model.EntryKind, amount int64, note, reference string) (*model.LedgerEntry, int64, error) {
	var (
		entry       *model.LedgerEntry
		outstanding int64
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := lockAccount(ctx, tx, email); err != nil {
			return err
		}

		entry, outstanding, err = insertEntry(ctx, tx, email, kind, amount, note, reference)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return &commitError{err: err}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return entry, outstanding, nil
}

// CreateOrderWithDebit атомарно сохраняет заказ, запись журнала ORDER_DEBIT
// и увеличение задолженности. Заполняет ID и CreatedAt заказа.
func (r *PostgresRepository) CreateOrderWithDebit(ctx context.Context, order *model.Order, note string) (*model.LedgerEntry, int64, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal order items: %w", err)
	}

	var (
		entry       *model.LedgerEntry
		outstanding int64
	)

	err = r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := lockAccount(ctx, tx, order.FromEmail); err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (from_email, from_name, items, grand_total, invoice_reference)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, created_at`,
			order.FromEmail, order.FromName, items, order.GrandTotal, order.InvoiceReference,
		).Scan(&order.ID, &order.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		reference := fmt.Sprintf("order:%d", order.ID)
		entry, outstanding, err = insertEntry(ctx, tx, order.FromEmail, model.EntryOrderDebit, order.GrandTotal, note, reference)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return &commitError{err: err}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return entry, outstanding, nil
}

// GetOrders возвращает заказы счёта, новые первыми. Пустой email означает все счета.
func (r *PostgresRepository) GetOrders(ctx context.Context, email string) ([]model.Order, error) {
	query := `SELECT id, from_email, from_name, items, grand_total, invoice_reference, created_at
	          FROM orders`
	args := []any{}
	if email != "" {
		query += ` WHERE from_email = $1`
		args = append(args, email)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		var (
			o     model.Order
			items []byte
		)
		if err := rows.Scan(&o.ID, &o.FromEmail, &o.FromName, &items, &o.GrandTotal, &o.InvoiceReference, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("unmarshal order items: %w", err)
		}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetEntries возвращает страницу журнала счёта: новые первыми,
// при равном времени — по возрастанию идентификатора.
func (r *PostgresRepository) GetEntries(ctx context.Context, email string, limit, offset int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_email, kind, amount, note, reference, created_at
		 FROM ledger_entries
		 WHERE account_email = $1
		 ORDER BY created_at DESC, id ASC
		 LIMIT $2 OFFSET $3`,
		email, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e    model.LedgerEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.AccountEmail, &kind, &e.Amount, &e.Note, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = model.EntryKind(kind)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetAccountWithEntrySum возвращает счёт вместе со знаковой суммой записей
// его журнала. Оба значения читаются одним запросом, то есть в одном снимке:
// параллельное проведение не может попасть между чтением баланса и суммы.
func (r *PostgresRepository) GetAccountWithEntrySum(ctx context.Context, email string) (*model.Account, int64, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT a.email, a.name, a.outstanding,
		        COALESCE((SELECT SUM(CASE WHEN e.kind IN ($2, $3) THEN e.amount ELSE -e.amount END)
		                  FROM ledger_entries e
		                  WHERE e.account_email = a.email), 0)
		 FROM accounts a
		 WHERE a.email = $1`,
		email, string(model.EntryOrderDebit), string(model.EntryAdjustmentDebit),
	)

	var (
		a   model.Account
		sum int64
	)
	if err := row.Scan(&a.Email, &a.Name, &a.Outstanding, &sum); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrAccountNotFound
		}
		return nil, 0, fmt.Errorf("get account with entry sum: %w", err)
	}

	return &a, sum, nil
}

// AggregateOrderDebits возвращает сумму заказов в полуоткрытом окне [from, to).
func (r *PostgresRepository) AggregateOrderDebits(ctx context.Context, from, to time.Time) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM ledger_entries
		 WHERE kind = $1 AND created_at >= $2 AND created_at < $3`,
		string(model.EntryOrderDebit), from, to,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("aggregate order debits: %w", err)
	}
	return sum, nil
}

// TopAccountsByDebit возвращает счета с наибольшей суммой заказов за всё время.
// Порядок детерминирован: по убыванию суммы, при равенстве — по адресу.
func (r *PostgresRepository) TopAccountsByDebit(ctx context.Context, limit int) ([]model.AccountDebitTotal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.email, a.name, COALESCE(SUM(e.amount), 0) AS total
		 FROM accounts a
		 JOIN ledger_entries e ON e.account_email = a.email AND e.kind = $1
		 GROUP BY a.email, a.name
		 ORDER BY total DESC, a.email ASC
		 LIMIT $2`,
		string(model.EntryOrderDebit), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select top accounts: %w", err)
	}
	defer rows.Close()

	var res []model.AccountDebitTotal
	for rows.Next() {
		var t model.AccountDebitTotal
		if err := rows.Scan(&t.Email, &t.Name, &t.Total); err != nil {
			return nil, fmt.Errorf("scan top account: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Summary возвращает агрегированные показатели по всем счетам.
func (r *PostgresRepository) Summary(ctx context.Context) (*model.Summary, error) {
	s := &model.Summary{}

	err := r.pool.QueryRow(ctx,
		`SELECT
		     COALESCE(SUM(CASE WHEN kind = $1 THEN amount ELSE 0 END), 0),
		     COALESCE(SUM(CASE WHEN kind IN ($2, $3) THEN amount ELSE 0 END), 0)
		 FROM ledger_entries`,
		string(model.EntryOrderDebit),
		string(model.EntryPaymentCredit), string(model.EntryAdjustmentCredit),
	).Scan(&s.TotalSales, &s.TotalPayments)
	if err != nil {
		return nil, fmt.Errorf("sum ledger totals: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(outstanding), 0) FROM accounts`,
	).Scan(&s.TotalOutstanding)
	if err != nil {
		return nil, fmt.Errorf("sum outstanding: %w", err)
	}

	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&s.OrderCount)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	return s, nil
}
