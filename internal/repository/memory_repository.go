package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/mo"

	"tgsession/internal/entities"
)

// MemoryStore keeps everything in process. It is used by tests and by
// STORE_DRIVER=memory; it follows the same CAS rules as the SQL stores.
type MemoryStore struct {
	mu        sync.RWMutex
	creds     map[string]entities.BotCredential
	overrides map[string]map[string]entities.ChannelOverride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:     make(map[string]entities.BotCredential),
		overrides: make(map[string]map[string]entities.ChannelOverride),
	}
}

// clone copies the pointer fields so callers never share state with the map.
func clone(c entities.BotCredential) entities.BotCredential {
	if c.SuspensionReason != nil {
		reason := *c.SuspensionReason
		c.SuspensionReason = &reason
	}
	if c.LastUsedAt != nil {
		at := *c.LastUsedAt
		c.LastUsedAt = &at
	}
	return c
}

func (s *MemoryStore) Get(_ context.Context, tenantID string) (*entities.BotCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[tenantID]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", tenantID, entities.ErrNotFound)
	}
	c = clone(c)
	return &c, nil
}

func (s *MemoryStore) Upsert(_ context.Context, cred *entities.BotCredential) error {
	if err := checkWritable(cred); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.creds[cred.TenantID]
	switch {
	case cred.Version == 0 && exists:
		return fmt.Errorf("credential %s already exists: %w", cred.TenantID, entities.ErrConflict)
	case cred.Version != 0 && (!exists || stored.Version != cred.Version):
		return fmt.Errorf("credential %s at version %d: %w", cred.TenantID, cred.Version, entities.ErrConflict)
	}

	next := clone(*cred)
	next.Version = cred.Version + 1
	if exists {
		next.TotalRequests = stored.TotalRequests
		next.LastUsedAt = stored.LastUsedAt
		next.CreatedAt = stored.CreatedAt
	}
	s.creds[cred.TenantID] = next
	cred.Version = next.Version
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, tenantID)
	delete(s.overrides, tenantID)
	return nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, tenantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[tenantID]
	if !ok {
		return fmt.Errorf("credential %s: %w", tenantID, entities.ErrNotFound)
	}
	c.TotalRequests++
	c.LastUsedAt = &at
	s.creds[tenantID] = c
	return nil
}

func matches(c entities.BotCredential, f entities.CredentialFilter) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Kind != "" && c.Kind != f.Kind {
		return false
	}
	if f.Verified != nil && c.Verified != *f.Verified {
		return false
	}
	return true
}

func (s *MemoryStore) List(_ context.Context, filter entities.CredentialFilter, limit, offset int) ([]entities.BotCredential, int, error) {
	s.mu.RLock()
	all := make([]entities.BotCredential, 0, len(s.creds))
	for _, c := range s.creds {
		if matches(c, filter) {
			all = append(all, clone(c))
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].TenantID < all[j].TenantID
	})

	total := len(all)
	if offset >= total {
		return []entities.BotCredential{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[entities.CredentialStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[entities.CredentialStatus]int)
	for _, c := range s.creds {
		counts[c.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) GetOverride(_ context.Context, tenantID, channelID string) (mo.Option[entities.ChannelOverride], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[tenantID][channelID]
	if !ok {
		return mo.None[entities.ChannelOverride](), nil
	}
	return mo.Some(o), nil
}

func (s *MemoryStore) UpsertOverride(_ context.Context, o entities.ChannelOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels, ok := s.overrides[o.TenantID]
	if !ok {
		channels = make(map[string]entities.ChannelOverride)
		s.overrides[o.TenantID] = channels
	}
	channels[o.ChannelID] = o
	return nil
}

func (s *MemoryStore) ListOverrides(_ context.Context, tenantID string) ([]entities.ChannelOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overrides := make([]entities.ChannelOverride, 0, len(s.overrides[tenantID]))
	for _, o := range s.overrides[tenantID] {
		overrides = append(overrides, o)
	}
	sort.Slice(overrides, func(i, j int) bool { return overrides[i].ChannelID < overrides[j].ChannelID })
	return overrides, nil
}

func (s *MemoryStore) Close() {}
