package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/evetabi/slotmine/internal/domain"
	"github.com/evetabi/slotmine/internal/stats"
	"github.com/gorilla/websocket"
)

// Entitlements decides whether an authenticated identity may connect.
type Entitlements interface {
	IsEntitled(ctx context.Context, identity string) (bool, error)
}

// HubConfig holds everything the Hub needs besides its collaborators.
type HubConfig struct {
	Pool            PoolConfig
	JWTSecret       []byte
	AllowedOrigins  []string // empty = allow all
	DefaultTopics   []string // subscribed on admission
	AvailableTopics []string // empty = any topic
	SendBuffer      int
	MaxMessageSize  int64
}

// ──────────────────────────────────────────────────────────────────────────────
// Hub
// ──────────────────────────────────────────────────────────────────────────────

// Hub binds the registry, router and liveness monitor to gorilla sockets.
// One Hub is built at startup and passed to every consumer; nothing here is
// global, so tests run several independent hubs side by side.
type Hub struct {
	cfg          HubConfig
	policy       *Policy
	registry     *Registry
	router       *Router
	liveness     *Liveness
	stats        *stats.Collector
	entitlements Entitlements
	identities   *IdentityResolver
	available    mapset.Set[string]
	logger       *slog.Logger

	// admitMu makes admission (registry, router, liveness) and release atomic
	// with respect to each other, to Shutdown and to DisconnectIdentity.
	admitMu sync.Mutex
	// disconnects is bumped by every DisconnectIdentity.  An admission whose
	// entitlement check raced one re-checks before registering.
	disconnects atomic.Uint64
	closing     atomic.Bool
	upgrader    websocket.Upgrader
}

// NewHub wires a Hub.  entitlements may be nil (every identity is entitled).
func NewHub(cfg HubConfig, entitlements Entitlements, collector *stats.Collector, logger *slog.Logger) (*Hub, error) {
	if collector == nil {
		return nil, errors.New("ws.NewHub: stats collector is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	policy, err := NewPolicy(cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("ws.NewHub: %w", err)
	}

	h := &Hub{
		cfg:          cfg,
		policy:       policy,
		registry:     NewRegistry(policy, collector),
		router:       NewRouter(collector, logger),
		liveness:     NewLiveness(policy, collector, logger),
		stats:        collector,
		entitlements: entitlements,
		identities:   NewIdentityResolver(cfg.JWTSecret),
		available:    mapset.NewSet(cfg.AvailableTopics...),
		logger:       logger.With("component", "ws_hub"),
	}
	h.router.OnEvict(h.Disconnect)
	h.liveness.OnDead(h.Disconnect)

	allowed := mapset.NewSet(cfg.AllowedOrigins...)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowed.Cardinality() == 0 || allowed.Contains("*") {
				return true // dev mode: allow all
			}
			return allowed.Contains(r.Header.Get("Origin"))
		},
	}
	return h, nil
}

// Run drives the liveness monitor until ctx is cancelled, then closes every
// connection with 1001 going away.
func (h *Hub) Run(ctx context.Context) {
	h.liveness.Run(ctx)
	h.Shutdown()
}

// Shutdown refuses new admissions and closes every live connection.
func (h *Hub) Shutdown() {
	h.admitMu.Lock()
	already := h.closing.Swap(true)
	h.admitMu.Unlock()
	if already {
		return
	}
	conns := h.registry.All()
	for _, c := range conns {
		h.Disconnect(c, ErrShuttingDown)
	}
	h.logger.Info("ws hub shut down", "closed", len(conns))
}

// ──────────────────────────────────────────────────────────────────────────────
// Admission and release
// ──────────────────────────────────────────────────────────────────────────────

// Attach admits a connection over t: entitlement check, pool limits, default
// topics, heartbeat tracking, then the connection_established and
// available_subscriptions frames.  On error nothing is left registered and the
// caller closes t with CloseCodeFor(err).
func (h *Hub) Attach(ctx context.Context, identity string, t Transport) (*Connection, error) {
	c, err := h.admit(ctx, identity, t)
	if err != nil {
		return nil, err
	}

	welcomed := h.router.SendTo(c.ID, MsgTypeConnectionEstablished, ConnectionEstablished{
		ConnectionID:        c.ID.String(),
		Identity:            identity,
		Topics:              h.router.Topics(c.ID),
		HeartbeatIntervalMs: h.policy.Current().HeartbeatInterval.Milliseconds(),
	}) && h.router.SendTo(c.ID, MsgTypeAvailableSubscriptions, AvailableSubscriptions{
		Topics: h.availableTopics(),
	})
	if !welcomed {
		// SendTo already evicted c.
		return nil, fmt.Errorf("ws.Hub.Attach: welcome frames: %w", ErrBackpressure)
	}

	h.logger.Debug("connection admitted", "conn", c.ID, "identity", identity, "remote", c.RemoteAddr)
	return c, nil
}

// admit checks entitlement, then registers the connection in the registry,
// router and liveness monitor as one step under admitMu.  If a
// DisconnectIdentity ran while the entitlement was being read, the read is
// repeated so a suspension is never missed.
func (h *Hub) admit(ctx context.Context, identity string, t Transport) (*Connection, error) {
	for {
		if h.closing.Load() {
			return nil, ErrShuttingDown
		}
		epoch := h.disconnects.Load()

		if err := h.checkEntitlement(ctx, identity); err != nil {
			return nil, err
		}

		h.admitMu.Lock()
		if h.closing.Load() {
			h.admitMu.Unlock()
			return nil, ErrShuttingDown
		}
		if identity != "" && h.entitlements != nil && h.disconnects.Load() != epoch {
			h.admitMu.Unlock()
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("ws.Hub.Attach: %w", err)
			}
			continue
		}
		c, err := h.registry.Admit(identity, t)
		if err != nil {
			h.admitMu.Unlock()
			return nil, err
		}
		h.router.Register(c, h.cfg.DefaultTopics...)
		h.liveness.Track(c)
		h.admitMu.Unlock()
		return c, nil
	}
}

func (h *Hub) checkEntitlement(ctx context.Context, identity string) error {
	if identity == "" || h.entitlements == nil {
		return nil
	}
	ok, err := h.entitlements.IsEntitled(ctx, identity)
	if err != nil {
		h.stats.RecordRejection(rejectionReason(err))
		return fmt.Errorf("ws.Hub.Attach: entitlement: %w", err)
	}
	if !ok {
		h.stats.RecordRejection(rejectionReason(domain.ErrNotEntitled))
		return fmt.Errorf("ws.Hub.Attach: %w", domain.ErrNotEntitled)
	}
	return nil
}

// Disconnect unregisters c from the registry, router and liveness monitor,
// then closes its transport with the code derived from cause (nil = normal
// closure).  Safe to call repeatedly and from any goroutine.
func (h *Hub) Disconnect(c *Connection, cause error) {
	h.release(c)
	if err := c.transport.Close(CloseCodeFor(cause), closeReason(cause)); err != nil {
		h.logger.Debug("transport close", "conn", c.ID, "err", err)
	}
}

func (h *Hub) release(c *Connection) {
	h.admitMu.Lock()
	defer h.admitMu.Unlock()
	h.router.Remove(c.ID)
	h.liveness.Forget(c.ID)
	if h.registry.Remove(c.ID) {
		h.logger.Debug("connection released", "conn", c.ID, "identity", c.Identity)
	}
}

// DisconnectIdentity closes every connection of identity.  Returns how many
// were closed.
func (h *Hub) DisconnectIdentity(identity string, cause error) int {
	h.admitMu.Lock()
	h.disconnects.Add(1)
	conns := h.registry.ConnectionsFor(identity)
	h.admitMu.Unlock()

	for _, c := range conns {
		h.Disconnect(c, cause)
	}
	return len(conns)
}

func closeReason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// ──────────────────────────────────────────────────────────────────────────────
// ServeWs: HTTP → WebSocket upgrade
// ──────────────────────────────────────────────────────────────────────────────

// ServeWs upgrades the request, resolves the caller's identity from its JWT
// and attaches the socket.  Rejected sockets are upgraded first so the client
// receives a close frame carrying the rejection code.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	identity := h.identities.Resolve(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	t := newSocketTransport(conn, h.cfg.SendBuffer)

	c, err := h.Attach(r.Context(), identity, t)
	if err != nil {
		level := slog.LevelWarn
		if domain.IsAdmissionError(err) {
			level = slog.LevelInfo
		}
		h.logger.Log(r.Context(), level, "connection rejected",
			"identity", identity, "remote", t.RemoteAddr(), "err", err)
		_ = t.Close(CloseCodeFor(err), closeReason(err))
		return
	}

	go t.writePump()
	go h.readPump(c, conn)
}

// readPump reads client frames until the socket fails, then releases the
// connection before returning.
func (h *Hub) readPump(c *Connection, conn *websocket.Conn) {
	defer recoverAndLog(h.logger, "ws.readPump")
	defer h.Disconnect(c, nil)

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		h.liveness.Pong(c.ID)
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("unexpected close", "conn", c.ID, "identity", c.Identity, "err", err)
			}
			return
		}
		h.HandleFrame(c, raw)
	}
}

// HandleFrame processes one inbound client frame.  Malformed and unknown
// frames are logged and ignored.
func (h *Hub) HandleFrame(c *Connection, raw []byte) {
	f, err := decodeInbound(raw)
	if err != nil {
		h.logger.Debug("malformed frame ignored", "conn", c.ID, "err", err)
		return
	}

	switch f.Type {
	case MsgTypePing:
		h.liveness.Pong(c.ID)
		h.router.SendTo(c.ID, MsgTypePong, nil)

	case MsgTypeSubscribe, MsgTypeUnsubscribe:
		topics, err := decodeTopics(f)
		if err != nil {
			h.router.SendTo(c.ID, MsgTypeError, ErrorMessage{Code: "bad_request", Message: err.Error()})
			return
		}
		ack := SubscriptionAck{Action: f.Type, Accepted: []string{}}
		for _, topic := range topics {
			if !h.topicAllowed(topic) {
				ack.Rejected = append(ack.Rejected, topic)
				continue
			}
			if f.Type == MsgTypeSubscribe {
				h.router.Subscribe(c.ID, topic)
			} else {
				h.router.Unsubscribe(c.ID, topic)
			}
			ack.Accepted = append(ack.Accepted, topic)
		}
		ack.Topics = h.router.Topics(c.ID)
		h.router.SendTo(c.ID, MsgTypeSubscriptionAck, ack)

	default:
		h.logger.Debug("unknown frame type ignored", "conn", c.ID, "type", f.Type)
	}
}

func (h *Hub) topicAllowed(topic string) bool {
	if topic == "" {
		return false
	}
	return h.available.Cardinality() == 0 || h.available.Contains(topic)
}

func (h *Hub) availableTopics() []string {
	if h.available.Cardinality() == 0 {
		return []string{}
	}
	return append([]string(nil), h.cfg.AvailableTopics...)
}

// ──────────────────────────────────────────────────────────────────────────────
// Broadcast surface: used by the scheduler, the correction bus and the
// back-office
// ──────────────────────────────────────────────────────────────────────────────

// Publish fans data out on topic.  See Router.Publish.
func (h *Hub) Publish(topic string, data any) int {
	return h.router.Publish(topic, data)
}

// PublishToIdentity fans data out on topic to one identity.
func (h *Hub) PublishToIdentity(identity, topic string, data any) int {
	return h.router.PublishToIdentity(identity, topic, data)
}

// PublishCritical delivers an identity-critical frame to every connection of
// identity, ignoring subscriptions.
func (h *Hub) PublishCritical(identity string, frameType MsgType, data any) int {
	return h.router.PublishCritical(identity, frameType, data)
}

// SubscribedIdentities lists identities receiving topic.
func (h *Hub) SubscribedIdentities(topic string) []string {
	return h.router.SubscribedIdentities(topic)
}

// HasSubscribers reports whether anyone receives topic.
func (h *Hub) HasSubscribers(topic string) bool {
	return h.router.HasSubscribers(topic)
}

// ──────────────────────────────────────────────────────────────────────────────
// Observability and configuration
// ──────────────────────────────────────────────────────────────────────────────

// Stats returns the collector snapshot plus live per-identity connection
// counts and per-topic subscriber counts.
func (h *Hub) Stats() stats.Snapshot {
	snap := h.stats.Snapshot()
	snap.ConnectionsByIdentity = h.registry.IdentityCounts()
	snap.SubscribersByTopic = h.router.TopicCounts()
	return snap
}

// IsOnline reports whether identity holds a live connection.
func (h *Hub) IsOnline(identity string) bool {
	return h.registry.IsOnline(identity)
}

// OnlineIdentities returns the number of distinct connected identities.
func (h *Hub) OnlineIdentities() int {
	return h.registry.OnlineIdentities()
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	return h.registry.Count()
}

// UserConnections describes identity's live connections, oldest first.
func (h *Hub) UserConnections(identity string) []ConnectionInfo {
	conns := h.registry.ConnectionsFor(identity)
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionInfo{
			ID:          c.ID,
			Identity:    c.Identity,
			ConnectedAt: c.ConnectedAt,
			RemoteAddr:  c.RemoteAddr,
			Topics:      h.router.Topics(c.ID),
		})
	}
	return out
}

// PoolConfig returns the active pool configuration.
func (h *Hub) PoolConfig() PoolConfig {
	return h.policy.Current()
}

// UpdatePoolConfig hot-reloads pool limits and heartbeat timings.  Existing
// connections are never evicted by a lowered limit.
func (h *Hub) UpdatePoolConfig(patch PoolConfigPatch) (PoolConfig, error) {
	cfg, err := h.policy.Update(patch)
	if err != nil {
		return cfg, err
	}
	h.logger.Info("pool config updated",
		"max_total", cfg.MaxConnectionsTotal,
		"max_per_identity", cfg.MaxConnectionsPerIdentity,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"heartbeat_timeout", cfg.HeartbeatTimeout)
	return cfg, nil
}
