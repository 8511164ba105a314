package usecases

import (
	"context"
	"time"

	"tgsession/internal/entities"
	"tgsession/internal/interfaces"
)

// mutateCredential reads the tenant's credential, lets fn change it and writes
// it back with the version it was read at. Callers hold the tenant lock, so a
// conflict means something wrote around the arena.
func mutateCredential(ctx context.Context, store interfaces.CredentialStore, tenantID string, fn func(*entities.BotCredential) error) (*entities.BotCredential, error) {
	cred, err := store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := fn(cred); err != nil {
		return nil, err
	}
	if err := store.Upsert(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// applyEvent runs one state machine event against the stored credential.
func applyEvent(ctx context.Context, store interfaces.CredentialStore, tenantID string, ev entities.Event, now time.Time) (*entities.BotCredential, error) {
	return mutateCredential(ctx, store, tenantID, func(c *entities.BotCredential) error {
		return c.Apply(ev, now)
	})
}
