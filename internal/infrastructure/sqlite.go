package infrastructure

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) a single-node credential database.
// SQLite serializes writers, so the pool is kept to one connection.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrateSQLite(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return db, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bot_credentials (
			tenant_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			api_id INTEGER NOT NULL DEFAULT 0,
			api_hash TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			session_data TEXT NOT NULL DEFAULT '',
			bot_token TEXT NOT NULL DEFAULT '',
			bot_username TEXT NOT NULL DEFAULT '',
			rate_limit_rps REAL NOT NULL,
			max_concurrent_requests INTEGER NOT NULL,
			total_requests INTEGER NOT NULL DEFAULT 0,
			suspension_reason TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_credentials_status ON bot_credentials (status)`,
		`CREATE TABLE IF NOT EXISTS channel_overrides (
			tenant_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, channel_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
