package stats_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/evetabi/slotmine/internal/stats"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCollector(t *testing.T, history, buffer int) *stats.Collector {
	t.Helper()
	c := stats.New(history, buffer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestCollector_CountsAndHistory(t *testing.T) {
	c := startCollector(t, 3, 64)

	c.RecordConnect("alice")
	c.RecordConnect("bob")
	c.RecordConnect("")
	c.RecordDisconnect("alice")
	c.RecordRejection("pool_exhausted")
	c.RecordRejection("pool_exhausted")
	c.RecordDeliveryFailure("earnings")
	c.RecordLivenessTimeout()
	c.RecordPublish("market", 4)
	c.RecordPublish("market", 0)

	require.Eventually(t, func() bool {
		return c.Snapshot().MessagesPublished == 4
	}, time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	assert.EqualValues(t, 3, snap.TotalConnections)
	assert.EqualValues(t, 1, snap.TotalDisconnections)
	assert.EqualValues(t, 2, snap.ActiveConnections)
	assert.EqualValues(t, 2, snap.Rejections["pool_exhausted"])
	assert.EqualValues(t, 1, snap.DeliveryFailures)
	assert.EqualValues(t, 1, snap.LivenessTimeouts)
	assert.Zero(t, snap.DroppedEvents)

	// Capacity 3: the first connect dropped out.
	require.Len(t, snap.History, 3)
	assert.Equal(t, stats.ActionConnect, snap.History[0].Action)
	assert.Equal(t, "bob", snap.History[0].Identity)
	assert.Equal(t, stats.ActionDisconnect, snap.History[2].Action)
	assert.Equal(t, "alice", snap.History[2].Identity)
}

func TestCollector_NeverBlocksWhenBufferFull(t *testing.T) {
	c := stats.New(10, 2, nil) // Run never started

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c.RecordConnect("x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	assert.EqualValues(t, 98, c.Snapshot().DroppedEvents)
}

func TestCollector_SnapshotIsACopy(t *testing.T) {
	c := startCollector(t, 5, 16)
	c.RecordRejection("not_entitled")
	require.Eventually(t, func() bool {
		return c.Snapshot().Rejections["not_entitled"] == 1
	}, time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	snap.Rejections["not_entitled"] = 99
	assert.EqualValues(t, 1, c.Snapshot().Rejections["not_entitled"])
}

func TestCollector_PrometheusExport(t *testing.T) {
	c := startCollector(t, 5, 16)
	c.RecordConnect("alice")
	c.RecordConnect("bob")
	c.ObserveJob("earnings", 3*time.Millisecond, 1)
	require.Eventually(t, func() bool {
		return c.Snapshot().TotalConnections == 2
	}, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "slotmine_ws_connections_total 2")
	assert.Contains(t, string(body), "slotmine_ws_active_connections 2")
	assert.Contains(t, string(body), `slotmine_scheduler_identity_failures_total{job="earnings"} 1`)
}

func TestCollector_IndependentInstances(t *testing.T) {
	a := stats.New(1, 1, nil)
	b := stats.New(1, 1, nil)
	assert.NotSame(t, a.Registry(), b.Registry())
}
