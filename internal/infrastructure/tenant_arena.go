package infrastructure

import (
	"sync"
)

// TenantSlot serializes every check-then-act sequence for one tenant.
type TenantSlot struct {
	TenantID string
	mu       sync.Mutex
	// callers holding or waiting for mu, guarded by the arena mutex
	refs int
}

func (s *TenantSlot) Lock()   { s.mu.Lock() }
func (s *TenantSlot) Unlock() { s.mu.Unlock() }

// TenantArena hands out one lock per tenant. A slot lives only while some
// caller holds or waits for it, so the map is bounded by concurrent callers.
// The arena's own mutex only guards the map; it is never held while a tenant
// lock is held.
type TenantArena struct {
	slots map[string]*TenantSlot
	mu    sync.Mutex
}

func NewTenantArena() *TenantArena {
	return &TenantArena{
		slots: make(map[string]*TenantSlot),
	}
}

func (a *TenantArena) acquire(tenantID string) *TenantSlot {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, exists := a.slots[tenantID]
	if !exists {
		slot = &TenantSlot{TenantID: tenantID}
		a.slots[tenantID] = slot
	}
	slot.refs++
	return slot
}

func (a *TenantArena) release(slot *TenantSlot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(a.slots, slot.TenantID)
	}
}

// WithTenant runs fn while holding the tenant's lock.
func (a *TenantArena) WithTenant(tenantID string, fn func() error) error {
	slot := a.acquire(tenantID)
	slot.Lock()
	defer func() {
		slot.Unlock()
		a.release(slot)
	}()
	return fn()
}

// Len returns the number of tenants whose lock is currently held or awaited.
func (a *TenantArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}
