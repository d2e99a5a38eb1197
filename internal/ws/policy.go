package ws

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig bounds the connection pool and drives the liveness monitor.
type PoolConfig struct {
	MaxConnectionsTotal       int
	MaxConnectionsPerIdentity int
	HeartbeatInterval         time.Duration
	HeartbeatTimeout          time.Duration
}

// PoolConfigPatch changes only the non-nil fields.
type PoolConfigPatch struct {
	MaxConnectionsTotal       *int           `json:"max_connections_total,omitempty"`
	MaxConnectionsPerIdentity *int           `json:"max_connections_per_identity,omitempty"`
	HeartbeatInterval         *time.Duration `json:"-"`
	HeartbeatTimeout          *time.Duration `json:"-"`
}

// Validate rejects non-positive limits and durations.
func (c PoolConfig) Validate() error {
	var errs []error
	if c.MaxConnectionsTotal <= 0 {
		errs = append(errs, fmt.Errorf("max_connections_total must be positive, got %d", c.MaxConnectionsTotal))
	}
	if c.MaxConnectionsPerIdentity <= 0 {
		errs = append(errs, fmt.Errorf("max_connections_per_identity must be positive, got %d", c.MaxConnectionsPerIdentity))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_timeout must be positive, got %s", c.HeartbeatTimeout))
	}
	return errors.Join(errs...)
}

func (c PoolConfig) apply(p PoolConfigPatch) PoolConfig {
	if p.MaxConnectionsTotal != nil {
		c.MaxConnectionsTotal = *p.MaxConnectionsTotal
	}
	if p.MaxConnectionsPerIdentity != nil {
		c.MaxConnectionsPerIdentity = *p.MaxConnectionsPerIdentity
	}
	if p.HeartbeatInterval != nil {
		c.HeartbeatInterval = *p.HeartbeatInterval
	}
	if p.HeartbeatTimeout != nil {
		c.HeartbeatTimeout = *p.HeartbeatTimeout
	}
	return c
}

// Policy is the live, hot-reloadable PoolConfig.  Reads are lock-free;
// updates are serialised.  Lowering a limit never evicts existing
// connections; it applies to the next admission and the next sweep.
type Policy struct {
	mu  sync.Mutex
	cur atomic.Pointer[PoolConfig]
}

// NewPolicy returns a Policy holding cfg.  cfg must be valid.
func NewPolicy(cfg PoolConfig) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ws.NewPolicy: %w", err)
	}
	p := &Policy{}
	p.cur.Store(&cfg)
	return p, nil
}

// Current returns a copy of the active configuration.
func (p *Policy) Current() PoolConfig {
	return *p.cur.Load()
}

// Update merges patch into the active configuration.  An invalid result is
// refused and the old configuration stays in force.
func (p *Policy) Update(patch PoolConfigPatch) (PoolConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.cur.Load().apply(patch)
	if err := next.Validate(); err != nil {
		return p.Current(), fmt.Errorf("ws.Policy.Update: %w", err)
	}
	p.cur.Store(&next)
	return next, nil
}
