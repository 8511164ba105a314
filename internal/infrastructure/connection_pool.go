package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"tgsession/internal/entities"
	"tgsession/internal/interfaces"
)

// PooledConnection wraps one tenant's live client handle. Once closed it
// refuses every further call, even through references obtained earlier.
type PooledConnection struct {
	TenantID   string
	Generation uint64
	CreatedAt  time.Time

	handle     interfaces.ClientHandle
	lastActive atomic.Int64
	inFlight   atomic.Int32
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

func NewPooledConnection(tenantID string, generation uint64, handle interfaces.ClientHandle, now time.Time) *PooledConnection {
	c := &PooledConnection{
		TenantID:   tenantID,
		Generation: generation,
		CreatedAt:  now,
		handle:     handle,
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// Invoke calls the underlying handle unless the connection was closed.
func (c *PooledConnection) Invoke(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, entities.ErrConnectionClosed
	}
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	return c.handle.Invoke(ctx, method, params)
}

func (c *PooledConnection) Touch(now time.Time) {
	c.lastActive.Store(now.UnixNano())
}

func (c *PooledConnection) LastActiveAt() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *PooledConnection) InFlight() int {
	return int(c.inFlight.Load())
}

func (c *PooledConnection) Closed() bool {
	return c.closed.Load()
}

// Close marks the connection unusable and releases the handle.
func (c *PooledConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.handle.Close()
	})
	return c.closeErr
}

// ConnectionPool holds at most one PooledConnection per tenant. It does not
// decide who may connect; that is the connection manager's job.
type ConnectionPool struct {
	conns map[string]*PooledConnection
	mu    sync.RWMutex
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{
		conns: make(map[string]*PooledConnection),
	}
}

// Get returns the tenant's connection (nil if not pooled)
func (p *ConnectionPool) Get(tenantID string) *PooledConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[tenantID]
}

// Put registers conn and returns the connection it replaced, if any.
func (p *ConnectionPool) Put(conn *PooledConnection) *PooledConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.conns[conn.TenantID]
	p.conns[conn.TenantID] = conn
	return old
}

// Take removes and returns the tenant's connection.
func (p *ConnectionPool) Take(tenantID string) *PooledConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn := p.conns[tenantID]
	delete(p.conns, tenantID)
	return conn
}

// IdleTenants lists tenants whose connection has been idle for longer than
// threshold and has nothing in flight.
func (p *ConnectionPool) IdleTenants(now time.Time, threshold time.Duration) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var idle []string
	for tenantID, conn := range p.conns {
		if conn.InFlight() == 0 && now.Sub(conn.LastActiveAt()) > threshold {
			idle = append(idle, tenantID)
		}
	}
	return idle
}

func (p *ConnectionPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// DisconnectAll closes every connection (for graceful shutdown)
func (p *ConnectionPool) DisconnectAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*PooledConnection)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
