package usecases

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tgsession/internal/entities"
	"tgsession/internal/infrastructure"
	"tgsession/internal/interfaces"
)

// ChannelSettings is the tenant's global flag together with its overrides.
type ChannelSettings struct {
	TenantID  string                     `json:"tenant_id"`
	Enabled   bool                       `json:"enabled"`
	Overrides []entities.ChannelOverride `json:"overrides"`
}

// ChannelUsecase resolves whether a channel's traffic is allowed. Overrides
// never touch the pool; they only gate Dispatch.
type ChannelUsecase struct {
	creds     interfaces.CredentialStore
	overrides interfaces.ChannelOverrideStore
	arena     *infrastructure.TenantArena
	logger    zerolog.Logger

	Now func() time.Time
}

func NewChannelUsecase(creds interfaces.CredentialStore, overrides interfaces.ChannelOverrideStore, arena *infrastructure.TenantArena, logger zerolog.Logger) *ChannelUsecase {
	return &ChannelUsecase{
		creds:     creds,
		overrides: overrides,
		arena:     arena,
		logger:    logger.With().Str("component", "channels").Logger(),
		Now:       time.Now,
	}
}

// globalEnabled is the tenant-wide flag; a tenant without a credential
// defaults to enabled.
func (uc *ChannelUsecase) globalEnabled(ctx context.Context, tenantID string) (bool, error) {
	cred, err := uc.creds.Get(ctx, tenantID)
	if entities.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return cred.Enabled, nil
}

func (uc *ChannelUsecase) Resolve(ctx context.Context, tenantID, channelID string) (bool, error) {
	if err := validateInput(channelInput{TenantID: tenantID, ChannelID: channelID}); err != nil {
		return false, err
	}
	override, err := uc.overrides.GetOverride(ctx, tenantID, channelID)
	if err != nil {
		return false, err
	}
	if o, ok := override.Get(); ok {
		return o.Enabled, nil
	}
	return uc.globalEnabled(ctx, tenantID)
}

// SetOverride pins a channel's flag. Repeating a call only moves updated_at.
func (uc *ChannelUsecase) SetOverride(ctx context.Context, tenantID, channelID string, enabled bool) (entities.ChannelOverride, error) {
	if err := validateInput(channelInput{TenantID: tenantID, ChannelID: channelID}); err != nil {
		return entities.ChannelOverride{}, err
	}
	o := entities.ChannelOverride{TenantID: tenantID, ChannelID: channelID, Enabled: enabled}
	err := uc.arena.WithTenant(tenantID, func() error {
		o.UpdatedAt = uc.Now()
		return uc.overrides.UpsertOverride(ctx, o)
	})
	if err != nil {
		return entities.ChannelOverride{}, err
	}
	uc.logger.Info().Str("tenant_id", tenantID).Str("channel_id", channelID).Bool("enabled", enabled).Msg("channel override set")
	return o, nil
}

// Toggle sets the tenant-global enable flag on the credential.
func (uc *ChannelUsecase) Toggle(ctx context.Context, tenantID string, enabled bool) (*entities.BotCredential, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	var cred *entities.BotCredential
	err := uc.arena.WithTenant(tenantID, func() error {
		var err error
		cred, err = mutateCredential(ctx, uc.creds, tenantID, func(c *entities.BotCredential) error {
			c.Enabled = enabled
			c.UpdatedAt = uc.Now()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	uc.logger.Info().Str("tenant_id", tenantID).Bool("enabled", enabled).Msg("global flag toggled")
	return cred, nil
}

func (uc *ChannelUsecase) Settings(ctx context.Context, tenantID string) (ChannelSettings, error) {
	if err := validateTenant(tenantID); err != nil {
		return ChannelSettings{}, err
	}
	enabled, err := uc.globalEnabled(ctx, tenantID)
	if err != nil {
		return ChannelSettings{}, err
	}
	overrides, err := uc.overrides.ListOverrides(ctx, tenantID)
	if err != nil {
		return ChannelSettings{}, err
	}
	return ChannelSettings{TenantID: tenantID, Enabled: enabled, Overrides: overrides}, nil
}
