package repository

import (
	"fmt"
	"strings"

	"tgsession/internal/entities"
)

// Sealer encrypts secret columns. *infrastructure.SecretBox satisfies it.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(stored string) (string, error)
}

type plainText struct{}

func (plainText) Seal(s string) (string, error) { return s, nil }
func (plainText) Open(s string) (string, error) { return s, nil }

func sealerOrPlain(box Sealer) Sealer {
	if box == nil {
		return plainText{}
	}
	return box
}

const credentialColumns = `tenant_id, kind, status, verified, enabled, api_id, api_hash, phone,
	session_data, bot_token, bot_username, rate_limit_rps, max_concurrent_requests,
	total_requests, suspension_reason, created_at, updated_at, last_used_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner, box Sealer) (*entities.BotCredential, error) {
	var c entities.BotCredential
	var kind, status, apiHash, session, token string
	err := row.Scan(
		&c.TenantID, &kind, &status, &c.Verified, &c.Enabled, &c.APIID, &apiHash, &c.Phone,
		&session, &token, &c.BotUsername, &c.RateLimitRPS, &c.MaxConcurrentRequests,
		&c.TotalRequests, &c.SuspensionReason, &c.CreatedAt, &c.UpdatedAt, &c.LastUsedAt, &c.Version,
	)
	if err != nil {
		return nil, err
	}
	c.Kind = entities.CredentialKind(kind)
	c.Status = entities.CredentialStatus(status)

	if c.APIHash, err = box.Open(apiHash); err != nil {
		return nil, fmt.Errorf("open api_hash for %s: %w", c.TenantID, err)
	}
	if c.SessionData, err = box.Open(session); err != nil {
		return nil, fmt.Errorf("open session_data for %s: %w", c.TenantID, err)
	}
	if c.BotToken, err = box.Open(token); err != nil {
		return nil, fmt.Errorf("open bot_token for %s: %w", c.TenantID, err)
	}
	return &c, nil
}

type sealedSecrets struct {
	apiHash, session, botToken string
}

func sealCredential(box Sealer, c *entities.BotCredential) (sealedSecrets, error) {
	var s sealedSecrets
	var err error
	if s.apiHash, err = box.Seal(c.APIHash); err != nil {
		return s, err
	}
	if s.session, err = box.Seal(c.SessionData); err != nil {
		return s, err
	}
	if s.botToken, err = box.Seal(c.BotToken); err != nil {
		return s, err
	}
	return s, nil
}

func checkWritable(c *entities.BotCredential) error {
	if c.TenantID == "" {
		return fmt.Errorf("credential without tenant id: %w", entities.ErrValidation)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("credential status %q: %w", c.Status, entities.ErrValidation)
	}
	if c.RateLimitRPS <= 0 || c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("credential limits must be positive: %w", entities.ErrValidation)
	}
	if (c.Status == entities.StatusSuspended) != (c.SuspensionReason != nil) {
		return fmt.Errorf("suspension_reason must be set only while suspended: %w", entities.ErrValidation)
	}
	return nil
}

// filterClause renders f as a WHERE clause; placeholder returns the n-th
// (1-based) bind marker of the dialect.
func filterClause(f entities.CredentialFilter, placeholder func(n int) string) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, "status = "+placeholder(len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		conds = append(conds, "kind = "+placeholder(len(args)))
	}
	if f.Verified != nil {
		args = append(args, *f.Verified)
		conds = append(conds, "verified = "+placeholder(len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
