package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evetabi/slotmine/internal/stats"
	"github.com/stretchr/testify/require"
)

// fakeTransport records frames instead of writing to a socket.
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	sendErr   error
	pingErr   error
	pings     int
	closed    bool
	closeCode int
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "127.0.0.1:5555" }

func (f *fakeTransport) failWith(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) decoded(t *testing.T) []Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, 0, len(f.frames))
	for _, raw := range f.frames {
		var fr Frame
		require.NoError(t, json.Unmarshal(raw, &fr))
		out = append(out, fr)
	}
	return out
}

func (f *fakeTransport) types(t *testing.T) []MsgType {
	t.Helper()
	var out []MsgType
	for _, fr := range f.decoded(t) {
		out = append(out, fr.Type)
	}
	return out
}

func (f *fakeTransport) count(t MsgType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, raw := range f.frames {
		var fr struct {
			Type MsgType `json:"type"`
		}
		if json.Unmarshal(raw, &fr) == nil && fr.Type == t {
			n++
		}
	}
	return n
}

func (f *fakeTransport) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// countingStats counts events synchronously.
type countingStats struct {
	connects, disconnects, rejections, failures, timeouts, published atomic.Int64
}

func (s *countingStats) RecordConnect(string)         { s.connects.Add(1) }
func (s *countingStats) RecordDisconnect(string)      { s.disconnects.Add(1) }
func (s *countingStats) RecordRejection(string)       { s.rejections.Add(1) }
func (s *countingStats) RecordDeliveryFailure(string) { s.failures.Add(1) }
func (s *countingStats) RecordLivenessTimeout()       { s.timeouts.Add(1) }
func (s *countingStats) RecordPublish(_ string, n int) {
	s.published.Add(int64(n))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPool() PoolConfig {
	return PoolConfig{
		MaxConnectionsTotal:       100,
		MaxConnectionsPerIdentity: 5,
		HeartbeatInterval:         30 * time.Second,
		HeartbeatTimeout:          10 * time.Second,
	}
}

func mustPolicy(t *testing.T, cfg PoolConfig) *Policy {
	t.Helper()
	p, err := NewPolicy(cfg)
	require.NoError(t, err)
	return p
}

func newTestHub(t *testing.T, pool PoolConfig, ent Entitlements) *Hub {
	t.Helper()
	h, err := NewHub(HubConfig{
		Pool:            pool,
		DefaultTopics:   []string{TopicAll},
		AvailableTopics: []string{"earnings", "balance", "market", TopicAll},
	}, ent, stats.New(100, 1024, quietLogger()), quietLogger())
	require.NoError(t, err)
	return h
}
