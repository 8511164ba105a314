package usecases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tgsession/internal/entities"
	"tgsession/internal/infrastructure"
	"tgsession/internal/interfaces"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// AdminStats is the control plane's overview.
type AdminStats struct {
	ByStatus          map[entities.CredentialStatus]int `json:"by_status"`
	PooledConnections int                               `json:"pooled_connections"`
	KnownTenants      int                               `json:"known_tenants"`
	RateLimiter       map[string]interface{}            `json:"rate_limiter"`
}

// AdminUsecase overrides tenant-initiated state. Suspension wins over every
// flow: it is persisted and the pooled connection closed in one critical
// section of the tenant.
type AdminUsecase struct {
	store   interfaces.CredentialStore
	pool    *ConnectionManager
	limiter *infrastructure.TenantRateLimiter
	arena   *infrastructure.TenantArena
	logger  zerolog.Logger

	Now func() time.Time
}

func NewAdminUsecase(store interfaces.CredentialStore, pool *ConnectionManager, limiter *infrastructure.TenantRateLimiter, arena *infrastructure.TenantArena, logger zerolog.Logger) *AdminUsecase {
	return &AdminUsecase{
		store:   store,
		pool:    pool,
		limiter: limiter,
		arena:   arena,
		logger:  logger.With().Str("component", "admin").Logger(),
		Now:     time.Now,
	}
}

func (uc *AdminUsecase) Suspend(ctx context.Context, tenantID, reason string) (*entities.BotCredential, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("suspension reason is required: %w", entities.ErrValidation)
	}

	var cred *entities.BotCredential
	err := uc.arena.WithTenant(tenantID, func() error {
		var err error
		cred, err = applyEvent(ctx, uc.store, tenantID, entities.Event{Type: entities.EventSuspended, Reason: reason}, uc.Now())
		if err != nil {
			return err
		}
		uc.pool.EvictLocked(tenantID, "suspended")
		return nil
	})
	if err != nil {
		return nil, err
	}
	uc.logger.Warn().Str("tenant_id", tenantID).Str("reason", reason).Msg("tenant suspended")
	return cred, nil
}

// Reactivate returns a suspended tenant to active if it was verified, else pending.
func (uc *AdminUsecase) Reactivate(ctx context.Context, tenantID string) (*entities.BotCredential, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	var cred *entities.BotCredential
	err := uc.arena.WithTenant(tenantID, func() error {
		var err error
		cred, err = applyEvent(ctx, uc.store, tenantID, entities.Event{Type: entities.EventReactivated}, uc.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	uc.logger.Info().Str("tenant_id", tenantID).Str("status", string(cred.Status)).Msg("tenant reactivated")
	return cred, nil
}

// ListAll is a read-only page over every tenant's credential.
func (uc *AdminUsecase) ListAll(ctx context.Context, filter entities.CredentialFilter, limit, offset int) (entities.CredentialPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return entities.CredentialPage{}, fmt.Errorf("unknown status %q: %w", filter.Status, entities.ErrValidation)
	}
	if filter.Kind != "" && filter.Kind != entities.KindBot && filter.Kind != entities.KindMTProto {
		return entities.CredentialPage{}, fmt.Errorf("unknown kind %q: %w", filter.Kind, entities.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	items, total, err := uc.store.List(ctx, filter, limit, offset)
	if err != nil {
		return entities.CredentialPage{}, err
	}
	return entities.CredentialPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// UpdateRateLimits persists new limits; the limiter applies them from the
// tenant's next acquisition.
func (uc *AdminUsecase) UpdateRateLimits(ctx context.Context, tenantID string, rps float64, maxConcurrent int) (*entities.BotCredential, error) {
	if err := validateInput(rateLimitInput{TenantID: tenantID, RPS: rps, MaxConcurrent: maxConcurrent}); err != nil {
		return nil, err
	}
	var cred *entities.BotCredential
	err := uc.arena.WithTenant(tenantID, func() error {
		var err error
		cred, err = mutateCredential(ctx, uc.store, tenantID, func(c *entities.BotCredential) error {
			c.RateLimitRPS = rps
			c.MaxConcurrentRequests = maxConcurrent
			c.UpdatedAt = uc.Now()
			return nil
		})
		if err != nil {
			return err
		}
		uc.limiter.Configure(tenantID, rps, maxConcurrent)
		return nil
	})
	if err != nil {
		return nil, err
	}
	uc.logger.Info().Str("tenant_id", tenantID).Float64("rps", rps).Int("max_concurrent", maxConcurrent).Msg("rate limits updated")
	return cred, nil
}

// ForceDisconnect closes the tenant's pooled connection without touching its status.
func (uc *AdminUsecase) ForceDisconnect(ctx context.Context, tenantID string) error {
	if _, err := uc.store.Get(ctx, tenantID); err != nil {
		return err
	}
	return uc.pool.Disconnect(ctx, tenantID)
}

func (uc *AdminUsecase) Stats(ctx context.Context) (AdminStats, error) {
	counts, err := uc.store.CountByStatus(ctx)
	if err != nil {
		return AdminStats{}, err
	}
	known := 0
	for _, n := range counts {
		known += n
	}
	return AdminStats{
		ByStatus:          counts,
		PooledConnections: uc.pool.PoolLen(),
		KnownTenants:      known,
		RateLimiter:       uc.limiter.GetStats(),
	}, nil
}
