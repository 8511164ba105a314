package infrastructure

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgsession/internal/entities"
)

// TenantRateLimiter implements per-tenant admission control: a token bucket
// refilling at rate_limit_rps with one second of burst, a log of recent
// admissions so no rolling second admits more than rate_limit_rps, and a cap
// on simultaneous in-flight calls. It never queues.
type TenantRateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tenantBucket

	defaultRPS float64
	defaultMax int

	// Now is the clock used for token accounting.
	Now func() time.Time
}

type tenantBucket struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	window      admissionLog
	rps         float64
	maxInFlight int
	inFlight    int
}

// admissionLog is a ring of the last size admission times.
type admissionLog struct {
	size   int
	stamps []time.Time
	next   int
}

func windowSize(rps float64) int {
	n := int(math.Floor(rps))
	if n < 1 {
		return 1
	}
	return n
}

// full reports whether size admissions already happened within the second before now.
func (l *admissionLog) full(now time.Time) bool {
	if len(l.stamps) < l.size {
		return false
	}
	return now.Sub(l.stamps[l.next]) < time.Second
}

func (l *admissionLog) record(now time.Time) {
	if len(l.stamps) < l.size {
		l.stamps = append(l.stamps, now)
		return
	}
	l.stamps[l.next] = now
	l.next = (l.next + 1) % l.size
}

// resize keeps the most recent admissions that still fit.
func (l *admissionLog) resize(size int) {
	ordered := append(append([]time.Time{}, l.stamps[l.next:]...), l.stamps[:l.next]...)
	if len(ordered) > size {
		ordered = ordered[len(ordered)-size:]
	}
	l.size = size
	l.stamps = ordered
	l.next = 0
}

// NewTenantRateLimiter creates a limiter; tenants that were never configured
// get the default limits.
func NewTenantRateLimiter(defaultRPS float64, defaultMaxConcurrent int) *TenantRateLimiter {
	return &TenantRateLimiter{
		buckets:    make(map[string]*tenantBucket),
		defaultRPS: defaultRPS,
		defaultMax: defaultMaxConcurrent,
		Now:        time.Now,
	}
}

func burstFor(rps float64) int {
	b := int(math.Ceil(rps))
	if b < 1 {
		return 1
	}
	return b
}

func (rl *TenantRateLimiter) bucket(tenantID string) *tenantBucket {
	rl.mu.RLock()
	b, exists := rl.buckets[tenantID]
	rl.mu.RUnlock()
	if exists {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, exists = rl.buckets[tenantID]; !exists {
		b = &tenantBucket{
			limiter:     rate.NewLimiter(rate.Limit(rl.defaultRPS), burstFor(rl.defaultRPS)),
			window:      admissionLog{size: windowSize(rl.defaultRPS)},
			rps:         rl.defaultRPS,
			maxInFlight: rl.defaultMax,
		}
		rl.buckets[tenantID] = b
	}
	return b
}

// Configure sets the tenant's limits. Calls already admitted keep running;
// the new values apply from the next Acquire.
func (rl *TenantRateLimiter) Configure(tenantID string, rps float64, maxConcurrent int) {
	b := rl.bucket(tenantID)
	now := rl.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rps != rps {
		b.limiter.SetLimitAt(now, rate.Limit(rps))
		b.limiter.SetBurstAt(now, burstFor(rps))
		b.window.resize(windowSize(rps))
		b.rps = rps
	}
	b.maxInFlight = maxConcurrent
}

// Acquire admits one call or fails immediately with ErrConcurrencyExceeded or
// ErrRateLimited. The returned release frees the concurrency slot; it is safe
// to call more than once. A consumed token is never given back.
func (rl *TenantRateLimiter) Acquire(tenantID string) (func(), error) {
	b := rl.bucket(tenantID)
	now := rl.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inFlight >= b.maxInFlight {
		return nil, entities.ErrConcurrencyExceeded
	}
	if b.window.full(now) || !b.limiter.AllowN(now, 1) {
		return nil, entities.ErrRateLimited
	}
	b.window.record(now)
	b.inFlight++

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.inFlight--
			b.mu.Unlock()
		})
	}, nil
}

// InFlight returns the tenant's admitted calls that have not been released.
func (rl *TenantRateLimiter) InFlight(tenantID string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[tenantID]
	rl.mu.RUnlock()
	if !exists {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// Forget drops the tenant's bucket. Outstanding release funcs stay valid.
func (rl *TenantRateLimiter) Forget(tenantID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, tenantID)
}

// GetStats returns rate limiter statistics
func (rl *TenantRateLimiter) GetStats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"tracked_tenants":        len(rl.buckets),
		"default_rps":            rl.defaultRPS,
		"default_max_concurrent": rl.defaultMax,
	}
}
