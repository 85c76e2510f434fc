package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key          TEXT PRIMARY KEY,
	state        TEXT NOT NULL,
	payload      BYTEA,
	processed_at TIMESTAMPTZ,
	expires_at   TIMESTAMPTZ NOT NULL
)`

// SQLStore keeps records in Postgres through database/sql and lib/pq.
// Expired rows are ignored on read and reclaimed by the next Claim.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// OpenSQLStore opens a lib/pq connection and creates the table when missing.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := NewSQLStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, idempotencySchema); err != nil {
		return fmt.Errorf("failed to create idempotency table: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, *Record, error) {
	now := s.now()
	query := `
		INSERT INTO idempotency_keys (key, state, expires_at)
		VALUES ($1, 'pending', $2)
		ON CONFLICT (key) DO UPDATE
			SET state = 'pending', payload = NULL, processed_at = NULL, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at <= $3
		RETURNING key
	`
	var claimed string
	err := s.db.QueryRowContext(ctx, query, key, now.Add(ttl), now).Scan(&claimed)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		return false, &Record{Key: key, State: StatePending}, nil
	}
	return false, existing, nil
}

func (s *SQLStore) Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	now := s.now()
	query := `
		INSERT INTO idempotency_keys (key, state, payload, processed_at, expires_at)
		VALUES ($1, 'done', $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
			SET state = 'done', payload = EXCLUDED.payload,
				processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, payload, now, now.Add(ttl)); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND state = 'pending'`, key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (*Record, error) {
	query := `
		SELECT key, state, payload, processed_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > $2
	`
	var (
		rec         Record
		state       string
		processedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, key, s.now()).Scan(&rec.Key, &state, &rec.Payload, &processedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	rec.State = State(state)
	if processedAt.Valid {
		rec.ProcessedAt = processedAt.Time
	}
	return &rec, nil
}
