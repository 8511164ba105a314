package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	client := &PostgresClient{Pool: pool}
	if err := client.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return client, nil
}

func (p *PostgresClient) Migrate(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bot_credentials (
			tenant_id VARCHAR(64) PRIMARY KEY,
			kind VARCHAR(16) NOT NULL,
			status VARCHAR(20) NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			api_id INT NOT NULL DEFAULT 0,
			api_hash TEXT NOT NULL DEFAULT '',
			phone VARCHAR(32) NOT NULL DEFAULT '',
			session_data TEXT NOT NULL DEFAULT '',
			bot_token TEXT NOT NULL DEFAULT '',
			bot_username VARCHAR(64) NOT NULL DEFAULT '',
			rate_limit_rps DOUBLE PRECISION NOT NULL CHECK (rate_limit_rps > 0),
			max_concurrent_requests INT NOT NULL CHECK (max_concurrent_requests > 0),
			total_requests BIGINT NOT NULL DEFAULT 0,
			suspension_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 1,
			CHECK ((status = 'suspended') = (suspension_reason IS NOT NULL))
		);
	`)
	if err != nil {
		return fmt.Errorf("create bot_credentials table: %w", err)
	}

	_, err = p.Pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_bot_credentials_status ON bot_credentials (status);`)
	if err != nil {
		return fmt.Errorf("create bot_credentials status index: %w", err)
	}

	// Overrides outlive a missing credential; Delete removes both in one transaction.
	_, err = p.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS channel_overrides (
			tenant_id VARCHAR(64) NOT NULL,
			channel_id VARCHAR(128) NOT NULL,
			enabled BOOLEAN NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, channel_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("create channel_overrides table: %w", err)
	}

	log.Info().Str("component", "postgres").Msg("schema ready")
	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
