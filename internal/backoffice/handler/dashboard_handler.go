package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/evetabi/slotmine/internal/stats"
	"github.com/evetabi/slotmine/internal/ws"
	"github.com/gin-gonic/gin"
)

// HubAdmin is the operator surface of ws.Hub.
type HubAdmin interface {
	Stats() stats.Snapshot
	ConnectionCount() int
	OnlineIdentities() int
	IsOnline(identity string) bool
	UserConnections(identity string) []ws.ConnectionInfo
	DisconnectIdentity(identity string, cause error) int
	PoolConfig() ws.PoolConfig
	UpdatePoolConfig(patch ws.PoolConfigPatch) (ws.PoolConfig, error)
}

// MarketViewer computes the platform snapshot.  Implemented by
// service.EarningsService.
type MarketViewer interface {
	MarketView(ctx context.Context, now time.Time) (*domain.MarketView, error)
}

// DashboardHandler serves /admin/stats and /admin/dashboard.
type DashboardHandler struct {
	hub    HubAdmin
	market MarketViewer
}

// NewDashboardHandler creates a DashboardHandler.
func NewDashboardHandler(hub HubAdmin, market MarketViewer) *DashboardHandler {
	return &DashboardHandler{hub: hub, market: market}
}

// Stats godoc
// GET /admin/stats
// Full collector snapshot: lifetime counters, live per-identity and per-topic
// counts and the bounded event history.
func (h *DashboardHandler) Stats(c *gin.Context) {
	respondSuccess(c, http.StatusOK, h.hub.Stats())
}

// Dashboard godoc
// GET /admin/dashboard
func (h *DashboardHandler) Dashboard(c *gin.Context) {
	snap := h.hub.Stats()

	// ── Platform ─────────────────────────────────────────────────────────────
	var market *domain.MarketView
	if h.market != nil {
		var err error
		market, err = h.market.MarketView(c.Request.Context(), time.Now())
		if err != nil {
			respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
			return
		}
	}

	respondSuccess(c, http.StatusOK, gin.H{
		"connections":          h.hub.ConnectionCount(),
		"online_identities":    h.hub.OnlineIdentities(),
		"subscribers_by_topic": snap.SubscribersByTopic,
		"rejections":           snap.Rejections,
		"delivery_failures":    snap.DeliveryFailures,
		"liveness_timeouts":    snap.LivenessTimeouts,
		"uptime_sec":           int64(time.Since(snap.StartedAt).Seconds()),
		"pool":                 poolConfigJSON(h.hub.PoolConfig()),
		"market":               market,
	})
}
