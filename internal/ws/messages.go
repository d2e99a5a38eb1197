// Package ws holds the realtime core: the connection registry, the
// subscription router, the liveness monitor and the Hub that binds them to
// gorilla/websocket sockets.
//
// messages.go defines the {type, data, timestamp} frames exchanged with clients.
package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// MsgType identifies the kind of WS frame so clients can switch on it.
type MsgType string

// Outbound frame types.  Topic publications use "<topic>_update".
const (
	MsgTypeConnectionEstablished  MsgType = "connection_established"
	MsgTypeAvailableSubscriptions MsgType = "available_subscriptions"
	MsgTypePong                   MsgType = "pong"
	MsgTypeSubscriptionAck        MsgType = "subscription_ack"
	MsgTypeBalanceCorrection      MsgType = "balance_correction"
	MsgTypeError                  MsgType = "error"
)

// Inbound frame types.
const (
	MsgTypeSubscribe   MsgType = "subscribe"
	MsgTypeUnsubscribe MsgType = "unsubscribe"
	MsgTypePing        MsgType = "ping"
)

// TopicAll is the wildcard topic.  A connection holding it receives every
// topic publication until it unsubscribes from it.
const TopicAll = "all"

// UpdateType returns the frame type used for publications on topic.
func UpdateType(topic string) MsgType {
	return MsgType(topic + "_update")
}

// Frame is the envelope of every message on the wire.
type Frame struct {
	Type      MsgType   `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InboundFrame is a decoded client message; Data is parsed per type.
type InboundFrame struct {
	Type      MsgType         `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// TopicsPayload is the data of subscribe and unsubscribe frames.
type TopicsPayload struct {
	Topics []string `json:"topics"`
}

// ConnectionEstablished is sent once after admission.
type ConnectionEstablished struct {
	ConnectionID        string   `json:"connection_id"`
	Identity            string   `json:"identity,omitempty"`
	Topics              []string `json:"topics"`
	HeartbeatIntervalMs int64    `json:"heartbeat_interval_ms"`
}

// AvailableSubscriptions lists the topics a client may subscribe to.
type AvailableSubscriptions struct {
	Topics []string `json:"topics"`
}

// SubscriptionAck confirms a subscribe or unsubscribe and echoes the
// connection's resulting topic set.
type SubscriptionAck struct {
	Action   MsgType  `json:"action"`
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
	Topics   []string `json:"topics"`
}

// ErrorMessage is sent directly to one client on a non-fatal error.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeFrame(t MsgType, data any, at time.Time) ([]byte, error) {
	b, err := json.Marshal(Frame{Type: t, Data: data, Timestamp: at.UTC()})
	if err != nil {
		return nil, fmt.Errorf("ws.encodeFrame %s: %w", t, err)
	}
	return b, nil
}

func decodeInbound(raw []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("ws.decodeInbound: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("ws.decodeInbound: missing type")
	}
	return &f, nil
}

func decodeTopics(f *InboundFrame) ([]string, error) {
	var p TopicsPayload
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("ws.decodeTopics: %s without data", f.Type)
	}
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return nil, fmt.Errorf("ws.decodeTopics: %w", err)
	}
	return p.Topics, nil
}
