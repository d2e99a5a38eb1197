// Package stats aggregates connection and broadcast counters for the realtime
// core.  Writers never block: events go through a buffered channel drained by
// Run, and a full buffer drops the event and counts the drop.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Action labels a connection history entry.
type Action string

const (
	ActionConnect    Action = "connect"
	ActionDisconnect Action = "disconnect"
)

// Event is one entry of the connection history ring.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Identity  string    `json:"identity,omitempty"` // "" = anonymous
}

// Snapshot is a read-only copy of the collector state.
// ConnectionsByIdentity and SubscribersByTopic are filled by the owner of the
// live indexes (the ws hub); the collector leaves them nil.
type Snapshot struct {
	StartedAt             time.Time         `json:"started_at"`
	TotalConnections      uint64            `json:"total_connections"`
	TotalDisconnections   uint64            `json:"total_disconnections"`
	ActiveConnections     int64             `json:"active_connections"`
	Rejections            map[string]uint64 `json:"rejections"`
	DeliveryFailures      uint64            `json:"delivery_failures"`
	LivenessTimeouts      uint64            `json:"liveness_timeouts"`
	MessagesPublished     uint64            `json:"messages_published"`
	DroppedEvents         uint64            `json:"dropped_events"`
	ConnectionsByIdentity map[string]int    `json:"connections_by_identity,omitempty"`
	SubscribersByTopic    map[string]int    `json:"subscribers_by_topic,omitempty"`
	History               []Event           `json:"history"`
}

type kind uint8

const (
	kindConnect kind = iota
	kindDisconnect
	kindRejection
	kindDeliveryFailure
	kindLivenessTimeout
	kindPublish
)

type event struct {
	kind     kind
	at       time.Time
	identity string
	label    string // rejection reason or topic
	n        int
}

// Collector is safe for concurrent use.  Construct it with New and start Run
// in its own goroutine.
type Collector struct {
	events  chan event
	dropped atomic.Uint64
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics

	mu                  sync.RWMutex
	startedAt           time.Time
	totalConnections    uint64
	totalDisconnections uint64
	active              int64
	rejections          map[string]uint64
	deliveryFailures    uint64
	livenessTimeouts    uint64
	messagesPublished   uint64
	history             *ring
}

// New creates a Collector with a history ring of historySize entries and an
// event buffer of bufferSize.
func New(historySize, bufferSize int, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		events:     make(chan event, bufferSize),
		now:        time.Now,
		logger:     logger.With("component", "stats"),
		metrics:    newMetrics(),
		rejections: make(map[string]uint64),
		history:    newRing(historySize),
	}
	c.startedAt = c.now().UTC()
	return c
}

// Registry returns the prometheus registry holding this collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.metrics.registry
}

// ──────────────────────────────────────────────────────────────────────────────
// Fire-and-forget writers
// ──────────────────────────────────────────────────────────────────────────────

// RecordConnect records an admitted connection.
func (c *Collector) RecordConnect(identity string) {
	c.emit(event{kind: kindConnect, identity: identity})
}

// RecordDisconnect records a removed connection.
func (c *Collector) RecordDisconnect(identity string) {
	c.emit(event{kind: kindDisconnect, identity: identity})
}

// RecordRejection records a refused admission, labelled by reason.
func (c *Collector) RecordRejection(reason string) {
	c.emit(event{kind: kindRejection, label: reason})
}

// RecordDeliveryFailure records a send that failed during fan-out.
func (c *Collector) RecordDeliveryFailure(topic string) {
	c.emit(event{kind: kindDeliveryFailure, label: topic})
}

// RecordLivenessTimeout records a connection evicted for a missed pong.
func (c *Collector) RecordLivenessTimeout() {
	c.emit(event{kind: kindLivenessTimeout})
}

// RecordPublish records delivered messages on topic.
func (c *Collector) RecordPublish(topic string, delivered int) {
	if delivered <= 0 {
		return
	}
	c.emit(event{kind: kindPublish, label: topic, n: delivered})
}

// ObserveJob records one scheduler run.  Prometheus collectors are safe for
// concurrent use, so this bypasses the event channel.
func (c *Collector) ObserveJob(job string, took time.Duration, failures int) {
	c.metrics.jobDuration.WithLabelValues(job).Observe(took.Seconds())
	if failures > 0 {
		c.metrics.jobFailures.WithLabelValues(job).Add(float64(failures))
	}
}

// ObserveExpired records positions retired by the cleanup job.
func (c *Collector) ObserveExpired(n int64) {
	if n > 0 {
		c.metrics.expiredPositions.Add(float64(n))
	}
}

func (c *Collector) emit(e event) {
	e.at = c.now().UTC()
	select {
	case c.events <- e:
	default:
		c.dropped.Add(1)
		c.metrics.dropped.Inc()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Drain loop
// ──────────────────────────────────────────────────────────────────────────────

// Run applies buffered events until ctx is cancelled, then applies whatever is
// still queued.
func (c *Collector) Run(ctx context.Context) {
	c.logger.Info("stats collector started")
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-c.events:
					c.apply(e)
				default:
					c.logger.Info("stats collector stopped")
					return
				}
			}
		case e := <-c.events:
			c.apply(e)
		}
	}
}

func (c *Collector) apply(e event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.kind {
	case kindConnect:
		c.totalConnections++
		c.active++
		c.history.push(Event{Timestamp: e.at, Action: ActionConnect, Identity: e.identity})
		c.metrics.connections.Inc()
		c.metrics.active.Inc()
	case kindDisconnect:
		c.totalDisconnections++
		if c.active > 0 {
			c.active--
			c.metrics.active.Dec()
		}
		c.history.push(Event{Timestamp: e.at, Action: ActionDisconnect, Identity: e.identity})
		c.metrics.disconnections.Inc()
	case kindRejection:
		c.rejections[e.label]++
		c.metrics.rejections.WithLabelValues(e.label).Inc()
	case kindDeliveryFailure:
		c.deliveryFailures++
		c.metrics.deliveryFailures.WithLabelValues(e.label).Inc()
	case kindLivenessTimeout:
		c.livenessTimeouts++
		c.metrics.livenessTimeouts.Inc()
	case kindPublish:
		c.messagesPublished += uint64(e.n)
		c.metrics.published.WithLabelValues(e.label).Add(float64(e.n))
	}
}

// Snapshot returns a copy of the current counters and history, oldest event
// first.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rej := make(map[string]uint64, len(c.rejections))
	for k, v := range c.rejections {
		rej[k] = v
	}
	return Snapshot{
		StartedAt:           c.startedAt,
		TotalConnections:    c.totalConnections,
		TotalDisconnections: c.totalDisconnections,
		ActiveConnections:   c.active,
		Rejections:          rej,
		DeliveryFailures:    c.deliveryFailures,
		LivenessTimeouts:    c.livenessTimeouts,
		MessagesPublished:   c.messagesPublished,
		DroppedEvents:       c.dropped.Load(),
		History:             c.history.slice(),
	}
}
