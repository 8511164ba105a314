package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/samber/mo"

	"tgsession/internal/entities"
)

// SQLiteStore implements interfaces.Store on a modernc.org/sqlite database
// for single-node deployments.
type SQLiteStore struct {
	db  *sql.DB
	box Sealer
}

func NewSQLiteStore(db *sql.DB, box Sealer) *SQLiteStore {
	return &SQLiteStore{db: db, box: sealerOrPlain(box)}
}

func sqlitePlaceholder(int) string { return "?" }

// sqlite binds plain values only; nil pointers become NULL.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID string) (*entities.BotCredential, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+credentialColumns+" FROM bot_credentials WHERE tenant_id = ?", tenantID)
	cred, err := scanCredential(row, s.box)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", tenantID, entities.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, cred *entities.BotCredential) error {
	if err := checkWritable(cred); err != nil {
		return err
	}
	sealed, err := sealCredential(s.box, cred)
	if err != nil {
		return fmt.Errorf("seal credential %s: %w", cred.TenantID, err)
	}

	var version int64
	if cred.Version == 0 {
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO bot_credentials (tenant_id, kind, status, verified, enabled, api_id, api_hash, phone,
				session_data, bot_token, bot_username, rate_limit_rps, max_concurrent_requests,
				total_requests, suspension_reason, created_at, updated_at, last_used_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT (tenant_id) DO NOTHING
			RETURNING version
		`, cred.TenantID, string(cred.Kind), string(cred.Status), cred.Verified, cred.Enabled, cred.APIID,
			sealed.apiHash, cred.Phone, sealed.session, sealed.botToken, cred.BotUsername, cred.RateLimitRPS,
			cred.MaxConcurrentRequests, cred.TotalRequests, nullableString(cred.SuspensionReason), cred.CreatedAt.UTC(),
			cred.UpdatedAt.UTC(), nullableTime(cred.LastUsedAt)).Scan(&version)
	} else {
		err = s.db.QueryRowContext(ctx, `
			UPDATE bot_credentials SET kind=?, status=?, verified=?, enabled=?, api_id=?, api_hash=?,
				phone=?, session_data=?, bot_token=?, bot_username=?, rate_limit_rps=?,
				max_concurrent_requests=?, suspension_reason=?, updated_at=?, version=version+1
			WHERE tenant_id=? AND version=?
			RETURNING version
		`, string(cred.Kind), string(cred.Status), cred.Verified, cred.Enabled, cred.APIID,
			sealed.apiHash, cred.Phone, sealed.session, sealed.botToken, cred.BotUsername, cred.RateLimitRPS,
			cred.MaxConcurrentRequests, nullableString(cred.SuspensionReason), cred.UpdatedAt.UTC(), cred.TenantID,
			cred.Version).Scan(&version)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("credential %s at version %d: %w", cred.TenantID, cred.Version, entities.ErrConflict)
	}
	if err != nil {
		return err
	}
	cred.Version = version
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM channel_overrides WHERE tenant_id = ?", tenantID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM bot_credentials WHERE tenant_id = ?", tenantID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, tenantID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE bot_credentials SET total_requests = total_requests + 1, last_used_at = ? WHERE tenant_id = ?",
		at.UTC(), tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s: %w", tenantID, entities.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter entities.CredentialFilter, limit, offset int) ([]entities.BotCredential, int, error) {
	where, args := filterClause(filter, sqlitePlaceholder)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bot_credentials"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + credentialColumns + " FROM bot_credentials" + where + " ORDER BY created_at, tenant_id LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	creds := []entities.BotCredential{}
	for rows.Next() {
		c, err := scanCredential(rows, s.box)
		if err != nil {
			return nil, 0, err
		}
		creds = append(creds, *c)
	}
	return creds, total, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[entities.CredentialStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM bot_credentials GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[entities.CredentialStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[entities.CredentialStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) GetOverride(ctx context.Context, tenantID, channelID string) (mo.Option[entities.ChannelOverride], error) {
	o := entities.ChannelOverride{TenantID: tenantID, ChannelID: channelID}
	err := s.db.QueryRowContext(ctx,
		"SELECT enabled, updated_at FROM channel_overrides WHERE tenant_id=? AND channel_id=?",
		tenantID, channelID).Scan(&o.Enabled, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mo.None[entities.ChannelOverride](), nil
	}
	if err != nil {
		return mo.None[entities.ChannelOverride](), err
	}
	return mo.Some(o), nil
}

func (s *SQLiteStore) UpsertOverride(ctx context.Context, o entities.ChannelOverride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_overrides (tenant_id, channel_id, enabled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, channel_id) DO UPDATE SET enabled=excluded.enabled, updated_at=excluded.updated_at
	`, o.TenantID, o.ChannelID, o.Enabled, o.UpdatedAt.UTC())
	return err
}

func (s *SQLiteStore) ListOverrides(ctx context.Context, tenantID string) ([]entities.ChannelOverride, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT channel_id, enabled, updated_at FROM channel_overrides WHERE tenant_id=? ORDER BY channel_id",
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

func (s *SQLiteStore) Close() {
	s.db.Close()
}
