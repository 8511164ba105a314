package usecases

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tgsession/internal/entities"
	"tgsession/internal/infrastructure"
	"tgsession/internal/interfaces"
	"tgsession/internal/repository"
)

const (
	testAPIID    = 123456
	testAPIHash  = "0123456789abcdef0123456789abcdef"
	testPhone    = "+15551234567"
	testBotToken = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeHandle struct {
	invoke func(ctx context.Context, method string, params map[string]string) (json.RawMessage, error)
	calls  atomic.Int32
	closed atomic.Bool
}

func (h *fakeHandle) Invoke(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	h.calls.Add(1)
	if h.invoke != nil {
		return h.invoke(ctx, method, params)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

// fakeDialer hands out fakeHandles. errs are returned by successive dials and
// failFor fails every dial of the listed tenants; when gate is set every dial
// blocks on it after signalling entered.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	byTenant map[string]int
	errs     []error
	failFor  map[string]error
	handles  []*fakeHandle
	gate     chan struct{}
	entered  chan struct{}
	invoke   func(ctx context.Context, method string, params map[string]string) (json.RawMessage, error)
}

func (d *fakeDialer) Dial(ctx context.Context, cred entities.BotCredential) (interfaces.ClientHandle, error) {
	d.mu.Lock()
	d.dials++
	if d.byTenant == nil {
		d.byTenant = make(map[string]int)
	}
	d.byTenant[cred.TenantID]++
	var err error
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	} else if e, ok := d.failFor[cred.TenantID]; ok {
		err = e
	}
	gate, entered, invoke := d.gate, d.entered, d.invoke
	d.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	h := &fakeHandle{invoke: invoke}
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) DialsFor(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byTenant[tenantID]
}

func (d *fakeDialer) Handles() []*fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeHandle(nil), d.handles...)
}

func (d *fakeDialer) set(fn func(d *fakeDialer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

type testEnv struct {
	clock    *testClock
	store    *repository.MemoryStore
	dialer   *fakeDialer
	upstream *interfaces.MockAuthUpstream
	bots     *interfaces.MockBotValidator
	arena    *infrastructure.TenantArena
	limiter  *infrastructure.TenantRateLimiter

	channels     *ChannelUsecase
	pool         *ConnectionManager
	verification *VerificationUsecase
	qr           *QRLoginUsecase
	admin        *AdminUsecase
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	env := &testEnv{
		clock:    newTestClock(),
		store:    repository.NewMemoryStore(),
		dialer:   &fakeDialer{},
		upstream: &interfaces.MockAuthUpstream{},
		bots:     &interfaces.MockBotValidator{},
		arena:    infrastructure.NewTenantArena(),
		limiter:  infrastructure.NewTenantRateLimiter(5, 2),
	}
	env.limiter.Now = env.clock.Now

	env.channels = NewChannelUsecase(env.store, env.store, env.arena, logger)
	env.channels.Now = env.clock.Now

	env.pool = NewConnectionManager(env.store, env.dialer, env.limiter, env.arena, env.channels, PoolConfig{IdleTimeout: 15 * time.Minute}, logger)
	env.pool.Now = env.clock.Now
	env.pool.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	env.verification = NewVerificationUsecase(env.store, env.upstream, env.bots, env.arena, env.pool, VerificationConfig{
		TTL:                  5 * time.Minute,
		DefaultAPIID:         testAPIID,
		DefaultAPIHash:       testAPIHash,
		DefaultRPS:           5,
		DefaultMaxConcurrent: 2,
	}, logger)
	env.verification.Now = env.clock.Now

	env.qr = NewQRLoginUsecase(env.store, env.upstream, env.arena, env.pool, env.verification, QRConfig{
		TTL:                  2 * time.Minute,
		DefaultAPIID:         testAPIID,
		DefaultAPIHash:       testAPIHash,
		DefaultRPS:           5,
		DefaultMaxConcurrent: 2,
	}, logger)
	env.qr.Now = env.clock.Now

	env.admin = NewAdminUsecase(env.store, env.pool, env.limiter, env.arena, logger)
	env.admin.Now = env.clock.Now

	t.Cleanup(env.pool.Shutdown)
	return env
}

// seedVerified stores an active bot credential for tenantID.
func (e *testEnv) seedVerified(t *testing.T, tenantID string) *entities.BotCredential {
	t.Helper()
	cred := entities.NewCredential(tenantID, entities.KindBot, 5, 2, e.clock.Now())
	cred.BotToken = testBotToken
	cred.BotUsername = tenantID + "_bot"
	require.NoError(t, cred.Apply(entities.Event{Type: entities.EventVerified}, e.clock.Now()))
	require.NoError(t, e.store.Upsert(context.Background(), cred))
	return cred
}

func (e *testEnv) status(t *testing.T, tenantID string) entities.CredentialStatus {
	t.Helper()
	cred, err := e.store.Get(context.Background(), tenantID)
	require.NoError(t, err)
	return cred.Status
}
