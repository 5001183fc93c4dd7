package queue

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Postgres persists queued jobs in a single table keyed by
// (function_name, unique_key).
type Postgres struct {
	db *sql.DB
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS queued_jobs (
		function_name TEXT NOT NULL,
		unique_key    TEXT NOT NULL,
		priority      INT  NOT NULL DEFAULT 1,
		data          BYTEA,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (function_name, unique_key)
	)
`

// ConnectPostgres opens the database, verifies the connection, and
// bootstraps the schema.
func ConnectPostgres(connectionString string) (*Postgres, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to create queue schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Add inserts a row. Duplicate (function, unique) pairs are left
// untouched; the in-memory model already coalesced them.
func (p *Postgres) Add(ctx context.Context, row Row) error {
	query := `
		INSERT INTO queued_jobs (function_name, unique_key, priority, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (function_name, unique_key) DO NOTHING
	`
	if _, err := p.db.ExecContext(ctx, query, row.Function, row.Unique, row.Priority, row.Data); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}
	return nil
}

// Done deletes a row. Deleting an absent row is a no-op, which keeps
// the operation idempotent across crash-retry.
func (p *Postgres) Done(ctx context.Context, unique, function string) error {
	query := `DELETE FROM queued_jobs WHERE function_name = $1 AND unique_key = $2`
	if _, err := p.db.ExecContext(ctx, query, function, unique); err != nil {
		return fmt.Errorf("failed to remove persisted job: %w", err)
	}
	return nil
}

// Flush is a no-op; every Add is individually committed.
func (p *Postgres) Flush(ctx context.Context) error {
	return nil
}

// Replay scans the table and reinstates each row.
func (p *Postgres) Replay(ctx context.Context, fn ReplayFunc) error {
	query := `
		SELECT function_name, unique_key, priority, data
		FROM queued_jobs
		ORDER BY created_at
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to scan queued jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.Function, &row.Unique, &row.Priority, &row.Data); err != nil {
			return fmt.Errorf("failed to scan queued job: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the database pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
