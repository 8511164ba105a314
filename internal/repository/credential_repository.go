package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tgsession/internal/entities"
)

// CredentialRepository is the Postgres CredentialStore. Every write is a
// single statement guarded by the row's version.
type CredentialRepository struct {
	db  *pgxpool.Pool
	box Sealer
}

func NewCredentialRepository(db *pgxpool.Pool, box Sealer) *CredentialRepository {
	return &CredentialRepository{db: db, box: sealerOrPlain(box)}
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func (r *CredentialRepository) Get(ctx context.Context, tenantID string) (*entities.BotCredential, error) {
	row := r.db.QueryRow(ctx, "SELECT "+credentialColumns+" FROM bot_credentials WHERE tenant_id = $1", tenantID)
	cred, err := scanCredential(row, r.box)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", tenantID, entities.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// Upsert inserts when cred.Version is 0 and otherwise updates only if the
// stored version still matches. On success cred.Version holds the new value.
// total_requests and last_used_at belong to RecordUsage and are not written here.
func (r *CredentialRepository) Upsert(ctx context.Context, cred *entities.BotCredential) error {
	if err := checkWritable(cred); err != nil {
		return err
	}
	s, err := sealCredential(r.box, cred)
	if err != nil {
		return fmt.Errorf("seal credential %s: %w", cred.TenantID, err)
	}

	var version int64
	if cred.Version == 0 {
		err = r.db.QueryRow(ctx, `
			INSERT INTO bot_credentials (tenant_id, kind, status, verified, enabled, api_id, api_hash, phone,
				session_data, bot_token, bot_username, rate_limit_rps, max_concurrent_requests,
				total_requests, suspension_reason, created_at, updated_at, last_used_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1)
			ON CONFLICT (tenant_id) DO NOTHING
			RETURNING version
		`, cred.TenantID, string(cred.Kind), string(cred.Status), cred.Verified, cred.Enabled, cred.APIID,
			s.apiHash, cred.Phone, s.session, s.botToken, cred.BotUsername, cred.RateLimitRPS,
			cred.MaxConcurrentRequests, cred.TotalRequests, cred.SuspensionReason, cred.CreatedAt,
			cred.UpdatedAt, cred.LastUsedAt).Scan(&version)
	} else {
		err = r.db.QueryRow(ctx, `
			UPDATE bot_credentials SET kind=$2, status=$3, verified=$4, enabled=$5, api_id=$6, api_hash=$7,
				phone=$8, session_data=$9, bot_token=$10, bot_username=$11, rate_limit_rps=$12,
				max_concurrent_requests=$13, suspension_reason=$14, updated_at=$15, version=version+1
			WHERE tenant_id=$1 AND version=$16
			RETURNING version
		`, cred.TenantID, string(cred.Kind), string(cred.Status), cred.Verified, cred.Enabled, cred.APIID,
			s.apiHash, cred.Phone, s.session, s.botToken, cred.BotUsername, cred.RateLimitRPS,
			cred.MaxConcurrentRequests, cred.SuspensionReason, cred.UpdatedAt, cred.Version).Scan(&version)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("credential %s at version %d: %w", cred.TenantID, cred.Version, entities.ErrConflict)
	}
	if err != nil {
		return err
	}
	cred.Version = version
	return nil
}

// Delete removes the credential and its channel overrides. Deleting a tenant
// that has nothing stored is not an error.
func (r *CredentialRepository) Delete(ctx context.Context, tenantID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM channel_overrides WHERE tenant_id = $1", tenantID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "DELETE FROM bot_credentials WHERE tenant_id = $1", tenantID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *CredentialRepository) RecordUsage(ctx context.Context, tenantID string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE bot_credentials SET total_requests = total_requests + 1, last_used_at = $2 WHERE tenant_id = $1",
		tenantID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", tenantID, entities.ErrNotFound)
	}
	return nil
}

func (r *CredentialRepository) List(ctx context.Context, filter entities.CredentialFilter, limit, offset int) ([]entities.BotCredential, int, error) {
	where, args := filterClause(filter, pgPlaceholder)

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM bot_credentials"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM bot_credentials%s ORDER BY created_at, tenant_id LIMIT %s OFFSET %s",
		credentialColumns, where, pgPlaceholder(len(args)+1), pgPlaceholder(len(args)+2))
	rows, err := r.db.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	creds := []entities.BotCredential{}
	for rows.Next() {
		c, err := scanCredential(rows, r.box)
		if err != nil {
			return nil, 0, err
		}
		creds = append(creds, *c)
	}
	return creds, total, rows.Err()
}

func (r *CredentialRepository) CountByStatus(ctx context.Context) (map[entities.CredentialStatus]int, error) {
	rows, err := r.db.Query(ctx, "SELECT status, COUNT(*) FROM bot_credentials GROUP BY status")
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
