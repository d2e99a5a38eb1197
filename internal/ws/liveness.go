package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type peerState uint8

const (
	stateAlive peerState = iota
	stateAwaitingPong
)

type peer struct {
	conn          *Connection
	state         peerState
	lastHeartbeat time.Time
	pingSentAt    time.Time
}

// Liveness probes every tracked connection.  A connection idle for
// HeartbeatInterval is pinged and moves to AWAITING_PONG; a pong (or any
// app-level ping) moves it back to ALIVE; no pong within HeartbeatTimeout
// declares it dead and hands it to the eviction hook.
type Liveness struct {
	policy *Policy
	stats  StatsRecorder
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	peers  map[uuid.UUID]*peer
	onDead EvictFunc
}

// NewLiveness creates a monitor reading its timings from policy on every
// sweep.  stats may be nil.
func NewLiveness(policy *Policy, stats StatsRecorder, logger *slog.Logger) *Liveness {
	if stats == nil {
		stats = nopStats{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Liveness{
		policy: policy,
		stats:  stats,
		logger: logger.With("component", "liveness"),
		now:    time.Now,
		peers:  make(map[uuid.UUID]*peer),
	}
}

// OnDead installs the hook run for connections that missed their pong.
func (l *Liveness) OnDead(fn EvictFunc) {
	l.mu.Lock()
	l.onDead = fn
	l.mu.Unlock()
}

// Track starts monitoring c as ALIVE.
func (l *Liveness) Track(c *Connection) {
	l.mu.Lock()
	l.peers[c.ID] = &peer{conn: c, state: stateAlive, lastHeartbeat: l.now()}
	l.mu.Unlock()
}

// Pong records a heartbeat acknowledgement.  Returns false for an untracked
// connection.
func (l *Liveness) Pong(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[id]
	if !ok {
		return false
	}
	p.state = stateAlive
	p.lastHeartbeat = l.now()
	return true
}

// Forget stops monitoring the connection.  Idempotent.
func (l *Liveness) Forget(id uuid.UUID) {
	l.mu.Lock()
	delete(l.peers, id)
	l.mu.Unlock()
}

// Tracked returns the number of monitored connections.
func (l *Liveness) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// Sweep advances every state machine to now: pings idle connections and
// evicts those whose pong is overdue.  Returns the evicted connections.
func (l *Liveness) Sweep(now time.Time) []*Connection {
	cfg := l.policy.Current()

	var toPing, dead []*Connection
	l.mu.Lock()
	for id, p := range l.peers {
		switch p.state {
		case stateAwaitingPong:
			if now.Sub(p.pingSentAt) >= cfg.HeartbeatTimeout {
				dead = append(dead, p.conn)
				delete(l.peers, id)
			}
		case stateAlive:
			if now.Sub(p.lastHeartbeat) >= cfg.HeartbeatInterval {
				p.state = stateAwaitingPong
				p.pingSentAt = now
				toPing = append(toPing, p.conn)
			}
		}
	}
	onDead := l.onDead
	l.mu.Unlock()

	for _, c := range toPing {
		if err := c.transport.Ping(); err != nil {
			// The read pump will notice the broken socket; the timeout
			// still evicts if it does not.
			l.logger.Debug("ping failed", "conn", c.ID, "err", err)
		}
	}

	for _, c := range dead {
		l.stats.RecordLivenessTimeout()
		l.logger.Info("liveness timeout, evicting connection",
			"conn", c.ID, "identity", c.Identity, "timeout", cfg.HeartbeatTimeout)
		if onDead != nil {
			onDead(c, ErrLivenessTimeout)
		}
	}
	return dead
}

// Run sweeps until ctx is cancelled.  The cadence follows the live policy so a
// hot-reloaded interval takes effect on the next tick.
func (l *Liveness) Run(ctx context.Context) {
	defer recoverAndLog(l.logger, "liveness")

	l.logger.Info("liveness monitor started")
	timer := time.NewTimer(l.tick())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("liveness monitor stopped")
			return
		case <-timer.C:
			l.Sweep(l.now())
			timer.Reset(l.tick())
		}
	}
}

// tick is a quarter of the shorter heartbeat duration, so overdue pongs are
// caught within 25% of the timeout.
func (l *Liveness) tick() time.Duration {
	cfg := l.policy.Current()
	d := min(cfg.HeartbeatInterval, cfg.HeartbeatTimeout) / 4
	return max(d, 10*time.Millisecond)
}

// recoverAndLog catches panics in goroutine roots so one bug does not take
// the process down.
func recoverAndLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("goroutine panic recovered", "goroutine", name, "panic", r)
	}
}
