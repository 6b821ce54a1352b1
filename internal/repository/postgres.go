package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id TEXT PRIMARY KEY,
	position   INTEGER NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS accounts_position_idx ON accounts(position);
`

type PostgresAccountRepository struct {
	db     *sql.DB
	sealer Sealer
}

func NewPostgresAccountRepository(db *sql.DB, sealer Sealer) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db, sealer: sealer}
}

// OpenPostgres connects and makes sure the accounts table exists.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

func (r *PostgresAccountRepository) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM accounts ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		acc, err := r.decode(raw)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (r *PostgresAccountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM accounts WHERE account_id = $1`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}

	acc, err := r.decode(raw)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *PostgresAccountRepository) Save(ctx context.Context, account domain.Account) error {
	rec, err := toRecord(account, r.sealer)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}

	query := `
		INSERT INTO accounts (account_id, position, data, updated_at)
		VALUES ($1, (SELECT COALESCE(MAX(position), -1) + 1 FROM accounts), $2, NOW())
		ON CONFLICT (account_id) DO UPDATE
		SET data = EXCLUDED.data, updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, account.ID, data); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus, until time.Time) error {
	query := `
		UPDATE accounts
		SET data = data || jsonb_build_object('status', $2::text, 'disabled', $3::boolean, 'cooldown_until', $4::text),
		    updated_at = NOW()
		WHERE account_id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, string(status), status == domain.StatusDisabled, formatTime(until))
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return affected(result)
}

func (r *PostgresAccountRepository) RecordFailure(ctx context.Context, id string, failureCount int) error {
	query := `
		UPDATE accounts
		SET data = data || jsonb_build_object('failure_count', $2::integer),
		    updated_at = NOW()
		WHERE account_id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, failureCount)
	if err != nil {
		return fmt.Errorf("record account failure: %w", err)
	}
	return affected(result)
}

func (r *PostgresAccountRepository) UpdatedAt(ctx context.Context) (time.Time, error) {
	var ts sql.NullTime
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM accounts`).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("query accounts marker: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

func (r *PostgresAccountRepository) decode(raw []byte) (domain.Account, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Account{}, fmt.Errorf("decode account: %w", err)
	}
	return rec.toAccount(r.sealer)
}

func affected(result sql.Result) error {
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
