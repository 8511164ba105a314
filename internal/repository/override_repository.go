package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/mo"

	"tgsession/internal/entities"
)

type OverrideRepository struct {
	db *pgxpool.Pool
}

func NewOverrideRepository(db *pgxpool.Pool) *OverrideRepository {
	return &OverrideRepository{db: db}
}

func (r *OverrideRepository) GetOverride(ctx context.Context, tenantID, channelID string) (mo.Option[entities.ChannelOverride], error) {
	o := entities.ChannelOverride{TenantID: tenantID, ChannelID: channelID}
	err := r.db.QueryRow(ctx,
		"SELECT enabled, updated_at FROM channel_overrides WHERE tenant_id=$1 AND channel_id=$2",
		tenantID, channelID).Scan(&o.Enabled, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[entities.ChannelOverride](), nil
	}
	if err != nil {
		return mo.None[entities.ChannelOverride](), err
	}
	return mo.Some(o), nil
}

func (r *OverrideRepository) UpsertOverride(ctx context.Context, o entities.ChannelOverride) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO channel_overrides (tenant_id, channel_id, enabled, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, channel_id) DO UPDATE SET enabled=EXCLUDED.enabled, updated_at=EXCLUDED.updated_at
	`, o.TenantID, o.ChannelID, o.Enabled, o.UpdatedAt)
	return err
}

func (r *OverrideRepository) ListOverrides(ctx context.Context, tenantID string) ([]entities.ChannelOverride, error) {
	rows, err := r.db.Query(ctx,
		"SELECT channel_id, enabled, updated_at FROM channel_overrides WHERE tenant_id=$1 ORDER BY channel_id",
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	overrides := []entities.ChannelOverride{}
	for rows.Next() {
		o := entities.ChannelOverride{TenantID: tenantID}
		if err := rows.Scan(&o.ChannelID, &o.Enabled, &o.UpdatedAt); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// PostgresStore bundles both Postgres repositories behind interfaces.Store.
type PostgresStore struct {
	*CredentialRepository
	*OverrideRepository
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool, box Sealer) *PostgresStore {
	return &PostgresStore{
		CredentialRepository: NewCredentialRepository(pool, box),
		OverrideRepository:   NewOverrideRepository(pool),
		pool:                 pool,
	}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
