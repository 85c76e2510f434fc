package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/order"
	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/payment"
)

//go:embed schema.sql
var schema string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implementa payment.Store usando PostgreSQL
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres cria uma nova instância de Postgres
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

// Connect opens a pool and waits for the database to accept connections.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			logger.Info("connected to database")
			return pool, nil
		}
		logger.Info("waiting for database", slog.Int("attempt", i+1))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

// EnsureSchema creates the tables when they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn in one transaction. Panics are recovered and rolled back.
func (p *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx payment.Tx) error) (err error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return apperr.Persistence(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(context.Background())
			p.logger.ErrorContext(ctx, "panic in unit of work, rolled back", slog.Any("panic", r))
			err = apperr.Persistence(fmt.Errorf("panic in transaction: %v", r))
		}
	}()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return typedOrPersistence(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Persistence(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (p *Postgres) Order(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, err := loadOrder(ctx, p.pool, "id = $1", id, false)
	if err != nil {
		return nil, typedOrPersistence(err)
	}
	return o, nil
}

func (p *Postgres) Session(ctx context.Context, id uuid.UUID) (*payment.Session, error) {
	s, err := loadSession(ctx, p.pool, "id = $1", id, false)
	if err != nil {
		return nil, typedOrPersistence(err)
	}
	if s == nil {
		return nil, sessionNotFound(id.String())
	}
	return s, nil
}

// pgTx implementa payment.Tx sobre uma transação pgx
type pgTx struct {
	q querier
}

const orderColumns = `id, number, customer_id, guest_email, status, currency, total::text,
	billing_address, shipping_address, provider_reference, created_at, updated_at, completed_at`

func loadOrder(ctx context.Context, q querier, where string, arg any, lock bool) (*order.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE " + where
	if lock {
		query += " FOR UPDATE"
	}

	var (
		o               order.Order
		status          string
		currency, total string
	)
	err := q.QueryRow(ctx, query, arg).Scan(
		&o.ID, &o.Number, &o.CustomerID, &o.GuestEmail, &status, &currency, &total,
		&o.Billing, &o.Shipping, &o.ProviderReference, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(apperr.CodeOrderNotFound, fmt.Sprintf("order %v", arg))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	o.Status = order.Status(status)
	if o.Total, err = money.Parse(total, currency); err != nil {
		return nil, fmt.Errorf("failed to parse order total: %w", err)
	}

	if o.Lines, err = loadLines(ctx, q, o.ID, currency); err != nil {
		return nil, err
	}
	if o.Attempts, err = loadAttempts(ctx, q, o.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

func loadLines(ctx context.Context, q querier, orderID uuid.UUID, currency string) ([]order.Line, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id, name, sku, quantity, unit_price::text, line_total::text
		FROM order_lines WHERE order_id = $1 ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order lines: %w", err)
	}
	defer rows.Close()

	var lines []order.Line
	for rows.Next() {
		var (
			l           order.Line
			unit, total string
		)
		if err := rows.Scan(&l.ProductID, &l.Name, &l.SKU, &l.Quantity, &unit, &total); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		if l.UnitPrice, err = money.Parse(unit, currency); err != nil {
			return nil, err
		}
		if l.LineTotal, err = money.Parse(total, currency); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func loadAttempts(ctx context.Context, q querier, orderID uuid.UUID) ([]order.PaymentAttempt, error) {
	rows, err := q.Query(ctx, `
		SELECT id, payment_session_id, payment_method, attempted_at, status, error_code, error_message
		FROM payment_attempts WHERE order_id = $1 ORDER BY attempted_at, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment attempts: %w", err)
	}
	defer rows.Close()

	var attempts []order.PaymentAttempt
	for rows.Next() {
		a := order.PaymentAttempt{OrderID: orderID}
		var status string
		if err := rows.Scan(&a.ID, &a.PaymentSessionID, &a.PaymentMethod, &a.AttemptedAt, &status, &a.ErrorCode, &a.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan payment attempt: %w", err)
		}
		a.Status = order.AttemptStatus(status)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return loadOrder(ctx, t.q, "id = $1", id, true)
}

func (t *pgTx) OrderByNumber(ctx context.Context, number string) (*order.Order, error) {
	return loadOrder(ctx, t.q, "number = $1", number, true)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *order.Order) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orders (id, number, customer_id, guest_email, status, currency, total,
			billing_address, shipping_address, provider_reference, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13)
	`, o.ID, o.Number, o.CustomerID, o.GuestEmail, string(o.Status), o.Total.Currency(), o.Total.Amount().String(),
		o.Billing, o.Shipping, o.ProviderReference, o.CreatedAt, o.UpdatedAt, o.CompletedAt)
	if err != nil {
		return mapWriteError(err, o.Number)
	}
	return t.writeChildren(ctx, o)
}

func (t *pgTx) SaveOrder(ctx context.Context, o *order.Order) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE orders
		SET status = $2, currency = $3, total = $4::numeric, billing_address = $5, shipping_address = $6,
			provider_reference = $7, updated_at = $8, completed_at = $9
		WHERE id = $1
	`, o.ID, string(o.Status), o.Total.Currency(), o.Total.Amount().String(), o.Billing, o.Shipping,
		o.ProviderReference, o.UpdatedAt, o.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orderNotFound(o.ID)
	}
	if _, err := t.q.Exec(ctx, `DELETE FROM order_lines WHERE order_id = $1`, o.ID); err != nil {
		return fmt.Errorf("failed to replace order lines: %w", err)
	}
	return t.writeChildren(ctx, o)
}

// writeChildren inserts lines and any attempts not stored yet. Attempts are
// append-only, so existing ids are skipped.
func (t *pgTx) writeChildren(ctx context.Context, o *order.Order) error {
	for i, l := range o.Lines {
		_, err := t.q.Exec(ctx, `
			INSERT INTO order_lines (order_id, position, product_id, name, sku, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric)
		`, o.ID, i, l.ProductID, l.Name, l.SKU, l.Quantity, l.UnitPrice.Amount().String(), l.LineTotal.Amount().String())
		if err != nil {
			return fmt.Errorf("failed to insert order line: %w", err)
		}
	}
	for _, a := range o.Attempts {
		_, err := t.q.Exec(ctx, `
			INSERT INTO payment_attempts (id, order_id, payment_session_id, payment_method, attempted_at, status, error_code, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, a.ID, o.ID, a.PaymentSessionID, a.PaymentMethod, a.AttemptedAt, string(a.Status), a.ErrorCode, a.ErrorMessage)
		if err != nil {
			return fmt.Errorf("failed to insert payment attempt: %w", err)
		}
	}
	return nil
}

func mapWriteError(err error, number string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "orders_number_key", "orders_pkey":
			return duplicateNumber(number)
		case "payment_sessions_one_open":
			return apperr.Conflict(apperr.CodeSessionInvalidState, "order already has an open payment session")
		}
	}
	return fmt.Errorf("failed to write: %w", err)
}

const sessionColumns = `id, order_id, provider_session_id, client_token, status, expires_at, payment_method,
	payment_methods, locale, currency, amount::text, attempt_count, provider_order_id, created_at, updated_at`

// loadSession returns nil without error when no row matches.
func loadSession(ctx context.Context, q querier, where string, arg any, lock bool) (*payment.Session, error) {
	query := "SELECT " + sessionColumns + " FROM payment_sessions WHERE " + where
	if lock {
		query += " FOR UPDATE"
	}

	var (
		s                payment.Session
		status           string
		currency, amount string
	)
	err := q.QueryRow(ctx, query, arg).Scan(
		&s.ID, &s.OrderID, &s.ProviderSessionID, &s.ClientToken, &status, &s.ExpiresAt, &s.PaymentMethod,
		&s.PaymentMethods, &s.Locale, &currency, &amount, &s.AttemptCount, &s.ProviderOrderID, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment session: %w", err)
	}
	s.Status = payment.SessionStatus(status)
	if s.Amount, err = money.Parse(amount, currency); err != nil {
		return nil, fmt.Errorf("failed to parse session amount: %w", err)
	}
	return &s, nil
}

func (t *pgTx) ActiveSession(ctx context.Context, orderID uuid.UUID) (*payment.Session, error) {
	return loadSession(ctx, t.q,
		"order_id = $1 AND status IN ('created', 'pending') ORDER BY created_at DESC LIMIT 1", orderID, true)
}

func (t *pgTx) GetSession(ctx context.Context, id uuid.UUID) (*payment.Session, error) {
	s, err := loadSession(ctx, t.q, "id = $1", id, true)
	if err == nil && s == nil {
		return nil, sessionNotFound(id.String())
	}
	return s, err
}

func (t *pgTx) SessionByProviderOrder(ctx context.Context, providerOrderID string) (*payment.Session, error) {
	s, err := loadSession(ctx, t.q, "provider_order_id = $1 AND provider_order_id <> ''", providerOrderID, true)
	if err == nil && s == nil {
		return nil, sessionNotFound(providerOrderID)
	}
	return s, err
}

func (t *pgTx) SessionByProviderSession(ctx context.Context, providerSessionID string) (*payment.Session, error) {
	s, err := loadSession(ctx, t.q, "provider_session_id = $1", providerSessionID, true)
	if err == nil && s == nil {
		return nil, sessionNotFound(providerSessionID)
	}
	return s, err
}

func (t *pgTx) InsertSession(ctx context.Context, s *payment.Session) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO payment_sessions (id, order_id, provider_session_id, client_token, status, expires_at,
			payment_method, payment_methods, locale, currency, amount, attempt_count, provider_order_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12, $13, $14, $15)
	`, s.ID, s.OrderID, s.ProviderSessionID, s.ClientToken, string(s.Status), s.ExpiresAt,
		s.PaymentMethod, s.PaymentMethods, s.Locale, s.Amount.Currency(), s.Amount.Amount().String(),
		s.AttemptCount, s.ProviderOrderID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "")
	}
	return nil
}

func (t *pgTx) SaveSession(ctx context.Context, s *payment.Session) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE payment_sessions
		SET status = $2, expires_at = $3, payment_method = $4, attempt_count = $5,
			provider_order_id = $6, updated_at = $7
		WHERE id = $1
	`, s.ID, string(s.Status), s.ExpiresAt, s.PaymentMethod, s.AttemptCount, s.ProviderOrderID, s.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "")
	}
	if tag.RowsAffected() == 0 {
		return sessionNotFound(s.ID.String())
	}
	return nil
}
