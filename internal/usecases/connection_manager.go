package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"tgsession/internal/entities"
	"tgsession/internal/infrastructure"
	"tgsession/internal/interfaces"
)

// ChannelResolver decides whether a channel's traffic may reach the pool.
type ChannelResolver interface {
	Resolve(ctx context.Context, tenantID, channelID string) (bool, error)
}

type PoolConfig struct {
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	MaxDialAttempts int
	MaxCallAttempts int
	// upper bound on one shared dial, independent of its callers
	DialTimeout     time.Duration
}

// CallFunc is one upstream call made on a pooled connection.
type CallFunc func(ctx context.Context, conn *infrastructure.PooledConnection) (json.RawMessage, error)

var (
	errStaleDial     = errors.New("pool slot changed while dialing")
	errDuplicateDial = errors.New("slot already holds a live connection")
)

// ConnectionManager owns every live Telegram client. Handles are opened
// lazily, outside the tenant lock, and only published if nothing evicted the
// tenant while the dial was running.
type ConnectionManager struct {
	store    interfaces.CredentialStore
	dialer   interfaces.Dialer
	limiter  *infrastructure.TenantRateLimiter
	arena    *infrastructure.TenantArena
	pool     *infrastructure.ConnectionPool
	resolver ChannelResolver
	cfg      PoolConfig
	logger   zerolog.Logger

	dials singleflight.Group

	// per-tenant dial state, pruned by Remove
	stateMu     sync.Mutex
	genSeq      uint64
	generations map[string]uint64
	breakers    map[string]*gobreaker.CircuitBreaker

	hookMu      sync.RWMutex
	removeHooks []func(tenantID string)

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewConnectionManager(
	store interfaces.CredentialStore,
	dialer interfaces.Dialer,
	limiter *infrastructure.TenantRateLimiter,
	arena *infrastructure.TenantArena,
	resolver ChannelResolver,
	cfg PoolConfig,
	logger zerolog.Logger,
) *ConnectionManager {
	if cfg.MaxDialAttempts <= 0 {
		cfg.MaxDialAttempts = 3
	}
	if cfg.MaxCallAttempts <= 0 {
		cfg.MaxCallAttempts = 3
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 45 * time.Second
	}
	logger = logger.With().Str("component", "pool").Logger()
	return &ConnectionManager{
		store:       store,
		dialer:      dialer,
		limiter:     limiter,
		arena:       arena,
		pool:        infrastructure.NewConnectionPool(),
		resolver:    resolver,
		cfg:         cfg,
		logger:      logger,
		generations: make(map[string]uint64),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		Now:         time.Now,
		Sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnRemove registers fn to run, under the tenant lock, when a tenant is removed.
func (m *ConnectionManager) OnRemove(fn func(tenantID string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.removeHooks = append(m.removeHooks, fn)
}

// generation returns the tenant's current generation, assigning one on first
// use. Values come from one counter and never repeat, so a dial captured
// before Remove dropped the entry can never match a later generation.
func (m *ConnectionManager) generation(tenantID string) uint64 {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	gen, ok := m.generations[tenantID]
	if !ok {
		m.genSeq++
		gen = m.genSeq
		m.generations[tenantID] = gen
	}
	return gen
}

// isCurrent reports whether gen is still the tenant's generation.
func (m *ConnectionManager) isCurrent(tenantID string, gen uint64) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	cur, ok := m.generations[tenantID]
	return ok && cur == gen
}

func (m *ConnectionManager) bumpGeneration(tenantID string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	// no entry means no dial holds a valid generation
	if _, ok := m.generations[tenantID]; ok {
		m.genSeq++
		m.generations[tenantID] = m.genSeq
	}
}

// breakerFor returns the tenant's own dial breaker. It lives as long as the
// tenant's generation entry.
func (m *ConnectionManager) breakerFor(tenantID string) *gobreaker.CircuitBreaker {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	b, ok := m.breakers[tenantID]
	if !ok {
		b = infrastructure.NewUpstreamBreaker("dial:"+tenantID, m.logger)
		if _, known := m.generations[tenantID]; known {
			m.breakers[tenantID] = b
		}
	}
	return b
}

func (m *ConnectionManager) forgetTenant(tenantID string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	delete(m.generations, tenantID)
	delete(m.breakers, tenantID)
}

// live returns the pooled connection of generation gen if it is still open.
func (m *ConnectionManager) live(tenantID string, gen uint64) *infrastructure.PooledConnection {
	if c := m.pool.Get(tenantID); c != nil && !c.Closed() && c.Generation == gen {
		return c
	}
	return nil
}

func checkConnectable(cred *entities.BotCredential) error {
	if cred.Status == entities.StatusSuspended {
		return fmt.Errorf("tenant %s: %w", cred.TenantID, entities.ErrSuspended)
	}
	if !cred.Usable() {
		return fmt.Errorf("tenant %s is %s: %w", cred.TenantID, cred.Status, entities.ErrNotVerified)
	}
	return nil
}

// EnsureConnected returns the tenant's pooled connection, dialing one if needed.
func (m *ConnectionManager) EnsureConnected(ctx context.Context, tenantID string) (*infrastructure.PooledConnection, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		conn, err := m.ensureOnce(ctx, tenantID)
		if !errors.Is(err, errStaleDial) {
			return conn, err
		}
		m.logger.Debug().Str("tenant_id", tenantID).Msg("dial raced with eviction, retrying")
	}
	return nil, fmt.Errorf("tenant %s: %w", tenantID, entities.ErrConnectionClosed)
}

func (m *ConnectionManager) ensureOnce(ctx context.Context, tenantID string) (*infrastructure.PooledConnection, error) {
	var (
		conn *infrastructure.PooledConnection
		cred *entities.BotCredential
		gen  uint64
	)
	err := m.arena.WithTenant(tenantID, func() error {
		if c := m.pool.Get(tenantID); c != nil && !c.Closed() {
			c.Touch(m.Now())
			conn = c
			return nil
		}
		var err error
		cred, err = m.store.Get(ctx, tenantID)
		if entities.IsNotFound(err) {
			return fmt.Errorf("tenant %s has no credentials: %w", tenantID, entities.ErrNotVerified)
		}
		if err != nil {
			return err
		}
		if err := checkConnectable(cred); err != nil {
			return err
		}
		gen = m.generation(tenantID)
		return nil
	})
	if err != nil || conn != nil {
		return conn, err
	}

	// The shared dial outlives any single caller; each caller waits on its own ctx.
	ch := m.dials.DoChan(fmt.Sprintf("%s#%d", tenantID, gen), func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DialTimeout)
		defer cancel()
		return m.dialAndPublish(dctx, cred, gen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*infrastructure.PooledConnection), nil
	}
}

func (m *ConnectionManager) dialAndPublish(ctx context.Context, cred *entities.BotCredential, gen uint64) (*infrastructure.PooledConnection, error) {
	tenantID := cred.TenantID
	if c := m.live(tenantID, gen); c != nil {
		return c, nil
	}
	handle, err := m.dial(ctx, cred)
	infrastructure.Dials.WithLabelValues(string(cred.Kind), infrastructure.MetricResult(err)).Inc()
	if err != nil {
		m.recordDialFailure(ctx, tenantID, gen, err)
		return nil, err
	}

	var conn *infrastructure.PooledConnection
	err = m.arena.WithTenant(tenantID, func() error {
		if !m.isCurrent(tenantID, gen) {
			return errStaleDial
		}
		if c := m.live(tenantID, gen); c != nil {
			conn = c
			return errDuplicateDial
		}
		current, err := m.store.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if err := checkConnectable(current); err != nil {
			return err
		}
		now := m.Now()
		if current.Status == entities.StatusRateLimited {
			if err := current.Apply(entities.Event{Type: entities.EventConnected}, now); err != nil {
				return err
			}
			if err := m.store.Upsert(ctx, current); err != nil {
				return err
			}
		}

		conn = infrastructure.NewPooledConnection(tenantID, gen, handle, now)
		if old := m.pool.Put(conn); old != nil {
			old.Close()
		}
		m.limiter.Configure(tenantID, current.RateLimitRPS, current.MaxConcurrentRequests)
		infrastructure.PoolSize.Set(float64(m.pool.Len()))
		return nil
	})
	if err != nil {
		// Close before anyone can see it.
		handle.Close()
		if errors.Is(err, errDuplicateDial) {
			return conn, nil
		}
		return nil, err
	}

	m.logger.Info().Str("tenant_id", tenantID).Str("kind", string(cred.Kind)).Msg("connection pooled")
	return conn, nil
}

func (m *ConnectionManager) dial(ctx context.Context, cred *entities.BotCredential) (interfaces.ClientHandle, error) {
	breaker := m.breakerFor(cred.TenantID)
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxDialAttempts; attempt++ {
		if attempt > 0 {
			if err := m.Sleep(ctx, infrastructure.Backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		v, err := breaker.Execute(func() (interface{}, error) {
			return m.dialer.Dial(ctx, *cred)
		})
		if err == nil {
			return v.(interfaces.ClientHandle), nil
		}
		if infrastructure.IsBreakerOpen(err) {
			return nil, fmt.Errorf("dial %s: %w: %w", cred.TenantID, err, entities.ErrUpstreamUnavailable)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, entities.ErrUpstreamUnavailable) {
			return nil, err
		}
		lastErr = err
		m.logger.Warn().Err(err).Str("tenant_id", cred.TenantID).Int("attempt", attempt+1).Msg("dial failed")
	}
	return nil, fmt.Errorf("dial %s: retries exhausted: %w", cred.TenantID, lastErr)
}

// recordDialFailure moves the credential out of active when the dial failed
// for a reason the tenant has to deal with. Transient refusals leave it alone.
func (m *ConnectionManager) recordDialFailure(ctx context.Context, tenantID string, gen uint64, dialErr error) {
	var ev entities.EventType
	switch {
	case ctx.Err() != nil, infrastructure.IsBreakerOpen(dialErr):
		return
	case errors.Is(dialErr, entities.ErrUpstreamThrottled):
		ev = entities.EventThrottled
	case errors.Is(dialErr, entities.ErrCredentialRejected), errors.Is(dialErr, entities.ErrUpstreamUnavailable):
		ev = entities.EventUpstreamFailed
	default:
		return
	}

	m.arena.WithTenant(tenantID, func() error {
		if !m.isCurrent(tenantID, gen) {
			return nil
		}
		if _, err := applyEvent(ctx, m.store, tenantID, entities.Event{Type: ev}, m.Now()); err != nil {
			m.logger.Debug().Err(err).Str("tenant_id", tenantID).Str("event", ev.String()).Msg("status not changed")
			return nil
		}
		m.logger.Warn().Err(dialErr).Str("tenant_id", tenantID).Str("event", ev.String()).Msg("dial failure recorded")
		return nil
	})
}

// failConnection evicts the connection of generation gen and applies ev.
func (m *ConnectionManager) failConnection(ctx context.Context, tenantID string, gen uint64, ev entities.EventType) {
	m.arena.WithTenant(tenantID, func() error {
		if !m.isCurrent(tenantID, gen) {
			return nil
		}
		m.EvictLocked(tenantID, ev.String())
		if _, err := applyEvent(ctx, m.store, tenantID, entities.Event{Type: ev}, m.Now()); err != nil {
			m.logger.Debug().Err(err).Str("tenant_id", tenantID).Str("event", ev.String()).Msg("status not changed")
		}
		return nil
	})
}

// EvictLocked drops and closes the tenant's connection and invalidates any
// dial in progress. The caller must hold the tenant lock.
func (m *ConnectionManager) EvictLocked(tenantID, reason string) bool {
	m.bumpGeneration(tenantID)
	conn := m.pool.Take(tenantID)
	if conn == nil {
		return false
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("close failed")
	}
	infrastructure.Evictions.WithLabelValues(reason).Inc()
	infrastructure.PoolSize.Set(float64(m.pool.Len()))
	m.logger.Info().Str("tenant_id", tenantID).Str("reason", reason).Msg("connection evicted")
	return true
}

// ConnectEagerly opens the connection now instead of on first use.
func (m *ConnectionManager) ConnectEagerly(ctx context.Context, tenantID string) (entities.PoolStatus, error) {
	if _, err := m.EnsureConnected(ctx, tenantID); err != nil {
		return entities.PoolStatus{}, err
	}
	return m.Status(ctx, tenantID)
}

// Disconnect releases the pooled connection; the credential is untouched.
func (m *ConnectionManager) Disconnect(ctx context.Context, tenantID string) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	return m.arena.WithTenant(tenantID, func() error {
		m.EvictLocked(tenantID, "disconnect")
		return nil
	})
}

// Remove disconnects and deletes the tenant's credential and channel overrides.
func (m *ConnectionManager) Remove(ctx context.Context, tenantID string) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	err := m.arena.WithTenant(tenantID, func() error {
		m.EvictLocked(tenantID, "remove")
		if err := m.store.Delete(ctx, tenantID); err != nil {
			return err
		}
		m.forgetTenant(tenantID)
		m.hookMu.RLock()
		defer m.hookMu.RUnlock()
		for _, fn := range m.removeHooks {
			fn(tenantID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.limiter.Forget(tenantID)
	m.logger.Info().Str("tenant_id", tenantID).Msg("tenant removed")
	return nil
}

// Dispatch runs call for one channel's traffic: channel gate, connection,
// admission, then the call itself with bounded retries on transport failures.
// Every attempt, retries included, is admitted by the limiter on its own. A
// retry after ErrUpstreamUnavailable may repeat a call the upstream already
// ran, so callers must only send methods that tolerate at-least-once delivery.
func (m *ConnectionManager) Dispatch(ctx context.Context, tenantID, channelID string, call CallFunc) (json.RawMessage, error) {
	if channelID != "" {
		enabled, err := m.resolver.Resolve(ctx, tenantID, channelID)
		if err != nil {
			return nil, err
		}
		if !enabled {
			return nil, fmt.Errorf("channel %s: %w", channelID, entities.ErrChannelDisabled)
		}
	}

	conn, err := m.EnsureConnected(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	release, err := m.admit(tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { release() }()

	if err := m.store.RecordUsage(ctx, tenantID, m.Now()); err != nil {
		m.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("record usage failed")
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxCallAttempts; attempt++ {
		if attempt > 0 {
			release()
			release = func() {}
			if err := m.Sleep(ctx, infrastructure.Backoff(attempt-1)); err != nil {
				return nil, err
			}
			if conn.Closed() {
				next, err := m.EnsureConnected(ctx, tenantID)
				if err != nil {
					return nil, err
				}
				conn = next
			}
			r, err := m.admit(tenantID)
			if err != nil {
				return nil, fmt.Errorf("retry after %v: %w", lastErr, err)
			}
			release = r
		}

		start := time.Now()
		res, err := call(ctx, conn)
		infrastructure.DispatchLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			conn.Touch(m.Now())
			return res, nil
		}

		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, entities.ErrConnectionClosed), errors.Is(err, entities.ErrUpstreamUnavailable):
			lastErr = err
			m.logger.Warn().Err(err).Str("tenant_id", tenantID).Int("attempt", attempt+1).Msg("call failed")
		case errors.Is(err, entities.ErrUpstreamThrottled):
			m.failConnection(ctx, tenantID, conn.Generation, entities.EventThrottled)
			return nil, err
		case errors.Is(err, entities.ErrCredentialRejected):
			m.failConnection(ctx, tenantID, conn.Generation, entities.EventUpstreamFailed)
			return nil, err
		default:
			conn.Touch(m.Now())
			return nil, err
		}
	}

	if errors.Is(lastErr, entities.ErrUpstreamUnavailable) {
		m.failConnection(ctx, tenantID, conn.Generation, entities.EventUpstreamFailed)
	}
	return nil, lastErr
}

func (m *ConnectionManager) admit(tenantID string) (func(), error) {
	release, err := m.limiter.Acquire(tenantID)
	infrastructure.Admissions.WithLabelValues(infrastructure.MetricResult(err)).Inc()
	return release, err
}

// Invoke dispatches a single Telegram method call.
func (m *ConnectionManager) Invoke(ctx context.Context, tenantID, channelID, method string, params map[string]string) (json.RawMessage, error) {
	if method == "" {
		return nil, fmt.Errorf("method is required: %w", entities.ErrValidation)
	}
	return m.Dispatch(ctx, tenantID, channelID, func(ctx context.Context, conn *infrastructure.PooledConnection) (json.RawMessage, error) {
		return conn.Invoke(ctx, method, params)
	})
}

// Status reports configured, connected (verified and active) and
// actively_connected (a pool entry exists) from one read of the slot.
func (m *ConnectionManager) Status(ctx context.Context, tenantID string) (entities.PoolStatus, error) {
	if err := validateTenant(tenantID); err != nil {
		return entities.PoolStatus{}, err
	}
	st := entities.PoolStatus{TenantID: tenantID}
	err := m.arena.WithTenant(tenantID, func() error {
		cred, err := m.store.Get(ctx, tenantID)
		if entities.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		st.Configured = true
		st.Connected = cred.Verified && cred.Status == entities.StatusActive
		st.Status = cred.Status
		st.Kind = cred.Kind
		st.Enabled = cred.Enabled
		st.BotUsername = cred.BotUsername
		st.SuspensionReason = cred.SuspensionReason

		if conn := m.pool.Get(tenantID); conn != nil {
			st.ActivelyConnected = true
			last := conn.LastActiveAt()
			st.LastActiveAt = &last
		}
		st.InFlight = m.limiter.InFlight(tenantID)
		return nil
	})
	return st, err
}

// Sweep evicts connections idle for longer than the idle timeout. Status is
// never changed and connections with calls in flight are skipped.
func (m *ConnectionManager) Sweep(now time.Time) int {
	evicted := 0
	for _, tenantID := range m.pool.IdleTenants(now, m.cfg.IdleTimeout) {
		m.arena.WithTenant(tenantID, func() error {
			conn := m.pool.Get(tenantID)
			if conn == nil || conn.InFlight() > 0 || m.limiter.InFlight(tenantID) > 0 {
				return nil
			}
			if now.Sub(conn.LastActiveAt()) <= m.cfg.IdleTimeout {
				return nil
			}
			if m.EvictLocked(tenantID, "idle") {
				evicted++
			}
			return nil
		})
	}
	if evicted > 0 {
		m.logger.Info().Int("evicted", evicted).Int("remaining", m.pool.Len()).Msg("idle sweep")
	}
	return evicted
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (m *ConnectionManager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.Now())
		}
	}
}

func (m *ConnectionManager) PoolLen() int {
	return m.pool.Len()
}

// Shutdown closes every pooled connection.
func (m *ConnectionManager) Shutdown() {
	n := m.pool.Len()
	m.pool.DisconnectAll()
	infrastructure.PoolSize.Set(0)
	m.logger.Info().Int("closed", n).Msg("pool shut down")
}
