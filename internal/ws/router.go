package ws

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

// EvictFunc is called, outside any router lock, for every connection whose
// send failed during a fan-out.  The router has already forgotten it.
type EvictFunc func(c *Connection, err error)

type subscriber struct {
	conn   *Connection
	topics mapset.Set[string]
}

// Router is a bidirectional topic index (topic → connections,
// connection → topics, identity → connections) that fans frames out to
// subscribers.
//
// Index mutations take mu exclusively; fan-out snapshots its targets under
// the read lock and sends after releasing it.  Publications on the same topic
// are serialised by a per-topic mutex, which together with the FIFO queue of
// each transport keeps per-connection, per-topic publish order.  Evictions
// run after that mutex is released.
type Router struct {
	stats  StatsRecorder
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	subs       map[uuid.UUID]*subscriber
	topics     map[string]mapset.Set[uuid.UUID]
	byIdentity map[string]mapset.Set[uuid.UUID]
	onEvict    EvictFunc

	orderMu sync.Mutex
	order   map[string]*sync.Mutex
}

// NewRouter creates an empty Router.  stats may be nil.
func NewRouter(stats StatsRecorder, logger *slog.Logger) *Router {
	if stats == nil {
		stats = nopStats{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		stats:      stats,
		logger:     logger.With("component", "router"),
		now:        time.Now,
		subs:       make(map[uuid.UUID]*subscriber),
		topics:     make(map[string]mapset.Set[uuid.UUID]),
		byIdentity: make(map[string]mapset.Set[uuid.UUID]),
		order:      make(map[string]*sync.Mutex),
	}
}

// OnEvict installs the hook run for connections dropped after a failed send.
func (r *Router) OnEvict(fn EvictFunc) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// ──────────────────────────────────────────────────────────────────────────────
// Index maintenance
// ──────────────────────────────────────────────────────────────────────────────

// Register adds c with an initial topic set.  Returns false if c is already
// registered.
func (r *Router) Register(c *Connection, topics ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[c.ID]; ok {
		return false
	}
	sub := &subscriber{conn: c, topics: mapset.NewThreadUnsafeSet[string]()}
	r.subs[c.ID] = sub
	if c.Identity != "" {
		r.indexLocked(r.byIdentity, c.Identity, c.ID)
	}
	for _, t := range topics {
		if sub.topics.Add(t) {
			r.indexLocked(r.topics, t, c.ID)
		}
	}
	return true
}

// Remove forgets the connection and all its subscriptions.  Idempotent.
func (r *Router) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Router) removeLocked(id uuid.UUID) bool {
	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	delete(r.subs, id)
	sub.topics.Each(func(t string) bool {
		r.unindexLocked(r.topics, t, id)
		return false
	})
	if sub.conn.Identity != "" {
		r.unindexLocked(r.byIdentity, sub.conn.Identity, id)
	}
	return true
}

// Subscribe adds topic to the connection's set.  Idempotent; returns false
// only for an unknown connection.
func (r *Router) Subscribe(id uuid.UUID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	if sub.topics.Add(topic) {
		r.indexLocked(r.topics, topic, id)
	}
	return true
}

// Unsubscribe removes topic from the connection's set.  Unsubscribing from
// TopicAll opts the connection out of the wildcard.  Idempotent; returns
// false only for an unknown connection.
func (r *Router) Unsubscribe(id uuid.UUID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	if sub.topics.Contains(topic) {
		sub.topics.Remove(topic)
		r.unindexLocked(r.topics, topic, id)
	}
	return true
}

func (r *Router) indexLocked(idx map[string]mapset.Set[uuid.UUID], key string, id uuid.UUID) {
	set, ok := idx[key]
	if !ok {
		set = mapset.NewThreadUnsafeSet[uuid.UUID]()
		idx[key] = set
	}
	set.Add(id)
}

func (r *Router) unindexLocked(idx map[string]mapset.Set[uuid.UUID], key string, id uuid.UUID) {
	set, ok := idx[key]
	if !ok {
		return
	}
	set.Remove(id)
	if set.Cardinality() == 0 {
		delete(idx, key)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────────────────────────

// Topics returns the connection's topics, sorted.
func (r *Router) Topics(id uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil
	}
	out := sub.topics.ToSlice()
	slices.Sort(out)
	return out
}

// HasSubscribers reports whether any connection would receive a publication
// on topic.
func (r *Router) HasSubscribers(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topics[topic] != nil || r.topics[TopicAll] != nil
}

// SubscribedIdentities returns the distinct authenticated identities with at
// least one connection receiving topic (directly or through TopicAll), sorted.
func (r *Router) SubscribedIdentities(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := mapset.NewThreadUnsafeSet[string]()
	for _, key := range []string{topic, TopicAll} {
		set := r.topics[key]
		if set == nil {
			continue
		}
		set.Each(func(id uuid.UUID) bool {
			if identity := r.subs[id].conn.Identity; identity != "" {
				ids.Add(identity)
			}
			return false
		})
	}
	out := ids.ToSlice()
	slices.Sort(out)
	return out
}

// TopicCounts returns the number of direct subscribers per topic.
func (r *Router) TopicCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.topics))
	for t, set := range r.topics {
		out[t] = set.Cardinality()
	}
	return out
}

// Len returns the number of registered connections.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// ──────────────────────────────────────────────────────────────────────────────
// Fan-out
// ──────────────────────────────────────────────────────────────────────────────

// Publish sends a "<topic>_update" frame to every connection subscribed to
// topic or holding TopicAll.  Returns the number of connections the frame was
// enqueued to.  A failing connection is evicted without affecting the rest.
func (r *Router) Publish(topic string, data any) int {
	return r.ordered(topic, func() (int, []failedSend) {
		frame, err := encodeFrame(UpdateType(topic), data, r.now())
		if err != nil {
			r.logger.Error("publish: encode failed", "topic", topic, "err", err)
			return 0, nil
		}
		return r.deliver(topic, frame, r.topicTargets(topic))
	})
}

// PublishToIdentity is Publish restricted to identity's connections.  An
// identity with no connection receiving topic gets nothing.
func (r *Router) PublishToIdentity(identity, topic string, data any) int {
	return r.ordered(topic, func() (int, []failedSend) {
		targets := r.identityTargets(identity, func(s *subscriber) bool {
			return s.topics.Contains(topic) || s.topics.Contains(TopicAll)
		})
		if len(targets) == 0 {
			return 0, nil
		}
		frame, err := encodeFrame(UpdateType(topic), data, r.now())
		if err != nil {
			r.logger.Error("publish: encode failed", "topic", topic, "identity", identity, "err", err)
			return 0, nil
		}
		return r.deliver(topic, frame, targets)
	})
}

// PublishCritical sends a frameType frame to every connection of identity,
// regardless of subscriptions.
func (r *Router) PublishCritical(identity string, frameType MsgType, data any) int {
	key := string(frameType)
	return r.ordered(key, func() (int, []failedSend) {
		targets := r.identityTargets(identity, func(*subscriber) bool { return true })
		if len(targets) == 0 {
			return 0, nil
		}
		frame, err := encodeFrame(frameType, data, r.now())
		if err != nil {
			r.logger.Error("publish critical: encode failed", "type", frameType, "identity", identity, "err", err)
			return 0, nil
		}
		return r.deliver(key, frame, targets)
	})
}

// SendTo enqueues a frame to a single registered connection.  A failure
// evicts it like any fan-out failure.
func (r *Router) SendTo(id uuid.UUID, frameType MsgType, data any) bool {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	frame, err := encodeFrame(frameType, data, r.now())
	if err != nil {
		r.logger.Error("send: encode failed", "type", frameType, "conn", id, "err", err)
		return false
	}
	delivered, failed := r.deliver(string(frameType), frame, []*Connection{sub.conn})
	r.evict(string(frameType), failed)
	return delivered == 1
}

// ordered runs one fan-out under the order lock for key and evicts the
// connections it failed on after the lock is released.
func (r *Router) ordered(key string, fanOut func() (int, []failedSend)) int {
	delivered, failed := func() (int, []failedSend) {
		lock := r.orderLock(key)
		lock.Lock()
		defer lock.Unlock()
		return fanOut()
	}()

	r.evict(key, failed)
	return delivered
}

func (r *Router) topicTargets(topic string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	seen := make(map[uuid.UUID]struct{})
	for _, key := range []string{topic, TopicAll} {
		set := r.topics[key]
		if set == nil {
			continue
		}
		set.Each(func(id uuid.UUID) bool {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, r.subs[id].conn)
			}
			return false
		})
	}
	return out
}

func (r *Router) identityTargets(identity string, match func(*subscriber) bool) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byIdentity[identity]
	if set == nil {
		return nil
	}
	var out []*Connection
	set.Each(func(id uuid.UUID) bool {
		if sub := r.subs[id]; match(sub) {
			out = append(out, sub.conn)
		}
		return false
	})
	return out
}

type failedSend struct {
	conn *Connection
	err  error
}

// deliver enqueues frame to every target and drops the failed ones from the
// index.  The failed connections are returned for evict.
func (r *Router) deliver(label string, frame []byte, targets []*Connection) (int, []failedSend) {
	delivered := 0
	var failed []failedSend
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			failed = append(failed, failedSend{conn: c, err: err})
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, f := range failed {
			r.removeLocked(f.conn.ID)
		}
		r.mu.Unlock()
	}

	r.stats.RecordPublish(label, delivered)
	return delivered, failed
}

// evict runs the eviction hook for each failed send.  Callers hold no lock.
func (r *Router) evict(label string, failed []failedSend) {
	if len(failed) == 0 {
		return
	}
	r.mu.RLock()
	hook := r.onEvict
	r.mu.RUnlock()

	for _, f := range failed {
		r.stats.RecordDeliveryFailure(label)
		r.logger.Warn("delivery failed, evicting connection",
			"topic", label, "conn", f.conn.ID, "identity", f.conn.Identity, "err", f.err)
		if hook != nil {
			hook(f.conn, f.err)
		}
	}
}

func (r *Router) orderLock(key string) *sync.Mutex {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	m, ok := r.order[key]
	if !ok {
		m = &sync.Mutex{}
		r.order[key] = m
	}
	return m
}
