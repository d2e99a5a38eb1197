package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/gin-gonic/gin"
)

// Views computes the read models served over REST.  Implemented by
// service.EarningsService; the same views are pushed over WebSocket.
type Views interface {
	EarningsView(ctx context.Context, identity string, now time.Time) (*domain.EarningsView, error)
	BalanceView(ctx context.Context, identity string, now time.Time) (*domain.BalanceView, error)
	MarketView(ctx context.Context, now time.Time) (*domain.MarketView, error)
}

// MarketHandler serves the public platform snapshot.
type MarketHandler struct {
	views Views
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(views Views) *MarketHandler {
	return &MarketHandler{views: views}
}

// Snapshot godoc
// GET /api/market
func (h *MarketHandler) Snapshot(c *gin.Context) {
	view, err := h.views.MarketView(c.Request.Context(), time.Now())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not compute market snapshot")
		return
	}
	respondSuccess(c, http.StatusOK, view)
}
