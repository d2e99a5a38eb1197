package ws

import (
	"errors"
	"time"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Delivery and lifecycle errors.  Delivery errors are handled inside the
// router and never reach publishers.
var (
	// ErrBackpressure is returned by Transport.Send when the outbound queue is full.
	ErrBackpressure = errors.New("ws: outbound queue full")

	// ErrTransportClosed is returned by Transport.Send after Close.
	ErrTransportClosed = errors.New("ws: transport closed")

	// ErrLivenessTimeout marks a connection that missed its pong deadline.
	ErrLivenessTimeout = errors.New("ws: heartbeat not acknowledged")

	// ErrShuttingDown marks connections closed by a server shutdown.
	ErrShuttingDown = errors.New("ws: server shutting down")

	// ErrKicked marks connections closed by an operator.
	ErrKicked = errors.New("ws: closed by operator")
)

// Application close codes (4000–4999 private range).
const (
	CloseInternal           = websocket.CloseInternalServerErr
	ClosePoolExhausted      = 4001
	CloseIdentityQuota      = 4002
	CloseNotEntitled        = 4003
	CloseLivenessTimeout    = 4004
	CloseAdministrativeKick = 4005
)

// CloseCodeFor maps an error to the close code sent to the client.
func CloseCodeFor(err error) int {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure
	case errors.Is(err, domain.ErrPoolExhausted):
		return ClosePoolExhausted
	case errors.Is(err, domain.ErrIdentityQuotaExceeded):
		return CloseIdentityQuota
	case errors.Is(err, domain.ErrNotEntitled):
		return CloseNotEntitled
	case errors.Is(err, ErrLivenessTimeout):
		return CloseLivenessTimeout
	case errors.Is(err, ErrKicked):
		return CloseAdministrativeKick
	case errors.Is(err, ErrBackpressure):
		return websocket.CloseTryAgainLater
	case errors.Is(err, ErrShuttingDown):
		return websocket.CloseGoingAway
	case errors.Is(err, ErrTransportClosed):
		return websocket.CloseNormalClosure
	default:
		return CloseInternal
	}
}

// rejectionReason labels admission failures in stats.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, domain.ErrIdentityQuotaExceeded):
		return "identity_quota"
	case errors.Is(err, domain.ErrNotEntitled):
		return "not_entitled"
	default:
		return "internal"
	}
}

// Transport is the socket under a Connection.  Send must not block: it
// enqueues onto a bounded queue drained by the transport's writer.
type Transport interface {
	Send(frame []byte) error
	Ping() error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Connection is one admitted physical socket.  Its topic set lives in the
// Router and its heartbeat state in the Liveness monitor, both keyed by ID.
type Connection struct {
	ID          uuid.UUID
	Identity    string // "" = anonymous
	ConnectedAt time.Time
	RemoteAddr  string

	transport Transport
}

// Send enqueues a pre-encoded frame.
func (c *Connection) Send(frame []byte) error {
	return c.transport.Send(frame)
}

// ConnectionInfo is the observable view of a live connection.
type ConnectionInfo struct {
	ID          uuid.UUID `json:"id"`
	Identity    string    `json:"identity,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	RemoteAddr  string    `json:"remote_addr"`
	Topics      []string  `json:"topics"`
}

// StatsRecorder receives fire-and-forget events from the core.
// *stats.Collector implements it.
type StatsRecorder interface {
	RecordConnect(identity string)
	RecordDisconnect(identity string)
	RecordRejection(reason string)
	RecordDeliveryFailure(topic string)
	RecordLivenessTimeout()
	RecordPublish(topic string, delivered int)
}

type nopStats struct{}

func (nopStats) RecordConnect(string)         {}
func (nopStats) RecordDisconnect(string)      {}
func (nopStats) RecordRejection(string)       {}
func (nopStats) RecordDeliveryFailure(string) {}
func (nopStats) RecordLivenessTimeout()       {}
func (nopStats) RecordPublish(string, int)    {}
