package ws

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/google/uuid"
)

// Registry owns every admitted Connection and enforces the pool limits.
// Limit checks and insertion happen under one mutex, so concurrent
// admissions can never overshoot a cap.
type Registry struct {
	policy *Policy
	stats  StatsRecorder
	now    func() time.Time

	mu         sync.Mutex
	conns      map[uuid.UUID]*Connection
	byIdentity map[string]map[uuid.UUID]*Connection
}

// NewRegistry creates an empty Registry.  stats may be nil.
func NewRegistry(policy *Policy, stats StatsRecorder) *Registry {
	if stats == nil {
		stats = nopStats{}
	}
	return &Registry{
		policy:     policy,
		stats:      stats,
		now:        time.Now,
		conns:      make(map[uuid.UUID]*Connection),
		byIdentity: make(map[string]map[uuid.UUID]*Connection),
	}
}

// Admit registers a new connection for identity ("" = anonymous) over t.
// Returns domain.ErrPoolExhausted when the pool is full and
// domain.ErrIdentityQuotaExceeded when identity already holds its quota.
// Anonymous connections only count against the pool.
func (r *Registry) Admit(identity string, t Transport) (*Connection, error) {
	limits := r.policy.Current()

	r.mu.Lock()
	if len(r.conns) >= limits.MaxConnectionsTotal {
		r.mu.Unlock()
		r.stats.RecordRejection(rejectionReason(domain.ErrPoolExhausted))
		return nil, fmt.Errorf("ws.Registry.Admit: %w (max %d)", domain.ErrPoolExhausted, limits.MaxConnectionsTotal)
	}
	if identity != "" && len(r.byIdentity[identity]) >= limits.MaxConnectionsPerIdentity {
		r.mu.Unlock()
		r.stats.RecordRejection(rejectionReason(domain.ErrIdentityQuotaExceeded))
		return nil, fmt.Errorf("ws.Registry.Admit: %w (max %d)", domain.ErrIdentityQuotaExceeded, limits.MaxConnectionsPerIdentity)
	}

	c := &Connection{
		ID:          uuid.New(),
		Identity:    identity,
		ConnectedAt: r.now().UTC(),
		RemoteAddr:  t.RemoteAddr(),
		transport:   t,
	}
	r.conns[c.ID] = c
	if identity != "" {
		set, ok := r.byIdentity[identity]
		if !ok {
			set = make(map[uuid.UUID]*Connection)
			r.byIdentity[identity] = set
		}
		set[c.ID] = c
	}
	r.mu.Unlock()

	r.stats.RecordConnect(identity)
	return c, nil
}

// Remove drops the connection.  Idempotent: only the call that actually
// removed it returns true and records the disconnect.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	if c.Identity != "" {
		if set := r.byIdentity[c.Identity]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byIdentity, c.Identity)
			}
		}
	}
	r.mu.Unlock()

	r.stats.RecordDisconnect(c.Identity)
	return true
}

// ConnectionsFor returns identity's live connections, oldest first.
func (r *Registry) ConnectionsFor(identity string) []*Connection {
	r.mu.Lock()
	out := make([]*Connection, 0, len(r.byIdentity[identity]))
	for _, c := range r.byIdentity[identity] {
		out = append(out, c)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Connection) int { return a.ConnectedAt.Compare(b.ConnectedAt) })
	return out
}

// All returns every live connection.
func (r *Registry) All() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether identity holds at least one live connection.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIdentity[identity]) > 0
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// OnlineIdentities returns the number of distinct authenticated identities
// with at least one live connection.
func (r *Registry) OnlineIdentities() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIdentity)
}

// IdentityCounts returns live connection counts per authenticated identity.
func (r *Registry) IdentityCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.byIdentity))
	for id, set := range r.byIdentity {
		out[id] = len(set)
	}
	return out
}
