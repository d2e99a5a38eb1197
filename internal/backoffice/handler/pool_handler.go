package handler

import (
	"net/http"
	"time"

	"github.com/evetabi/slotmine/internal/ws"
	"github.com/gin-gonic/gin"
)

// poolConfigBody is the JSON form of ws.PoolConfig; durations travel as
// milliseconds.
type poolConfigBody struct {
	MaxConnectionsTotal       *int   `json:"max_connections_total,omitempty"`
	MaxConnectionsPerIdentity *int   `json:"max_connections_per_identity,omitempty"`
	HeartbeatIntervalMs       *int64 `json:"heartbeat_interval_ms,omitempty"`
	HeartbeatTimeoutMs        *int64 `json:"heartbeat_timeout_ms,omitempty"`
}

func poolConfigJSON(cfg ws.PoolConfig) poolConfigBody {
	interval := cfg.HeartbeatInterval.Milliseconds()
	timeout := cfg.HeartbeatTimeout.Milliseconds()
	return poolConfigBody{
		MaxConnectionsTotal:       &cfg.MaxConnectionsTotal,
		MaxConnectionsPerIdentity: &cfg.MaxConnectionsPerIdentity,
		HeartbeatIntervalMs:       &interval,
		HeartbeatTimeoutMs:        &timeout,
	}
}

func (b poolConfigBody) patch() ws.PoolConfigPatch {
	p := ws.PoolConfigPatch{
		MaxConnectionsTotal:       b.MaxConnectionsTotal,
		MaxConnectionsPerIdentity: b.MaxConnectionsPerIdentity,
	}
	if b.HeartbeatIntervalMs != nil {
		d := time.Duration(*b.HeartbeatIntervalMs) * time.Millisecond
		p.HeartbeatInterval = &d
	}
	if b.HeartbeatTimeoutMs != nil {
		d := time.Duration(*b.HeartbeatTimeoutMs) * time.Millisecond
		p.HeartbeatTimeout = &d
	}
	return p
}

// PoolHandler serves /admin/pool-config.
type PoolHandler struct {
	hub HubAdmin
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(hub HubAdmin) *PoolHandler {
	return &PoolHandler{hub: hub}
}

// Get godoc
// GET /admin/pool-config
func (h *PoolHandler) Get(c *gin.Context) {
	respondSuccess(c, http.StatusOK, poolConfigJSON(h.hub.PoolConfig()))
}

// Patch godoc
// PATCH /admin/pool-config
// Body: {"max_connections_per_identity": 3, "heartbeat_interval_ms": 15000}
// Omitted fields keep their value.  Lowered limits apply to new admissions
// only.
func (h *PoolHandler) Patch(c *gin.Context) {
	var body poolConfigBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
		return
	}
	cfg, err := h.hub.UpdatePoolConfig(body.patch())
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, "ERR_INVALID_POOL_CONFIG", err.Error())
		return
	}
	respondSuccess(c, http.StatusOK, poolConfigJSON(cfg))
}
