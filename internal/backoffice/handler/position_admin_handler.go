package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/evetabi/slotmine/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Settler moves accrued yield into the owner's wallet.  Implemented by
// service.SettlementService.
type Settler interface {
	Settle(ctx context.Context, positionID uuid.UUID, upTo time.Time) (*domain.Settlement, error)
}

// PositionLookup reads one position with its unsettled yield.  Implemented by
// service.EarningsService.
type PositionLookup interface {
	PositionDetail(ctx context.Context, id uuid.UUID, now time.Time) (*domain.PositionDetail, error)
}

// JobTrigger runs a broadcast job on demand.  Implemented by
// scheduler.Scheduler.
type JobTrigger interface {
	Trigger(ctx context.Context, job string) (int, error)
}

// PositionAdminHandler serves position lookup, settlement and forced
// broadcasts.
type PositionAdminHandler struct {
	positions PositionLookup
	settler   Settler
	jobs      JobTrigger
}

// NewPositionAdminHandler creates a PositionAdminHandler.
func NewPositionAdminHandler(positions PositionLookup, settler Settler, jobs JobTrigger) *PositionAdminHandler {
	return &PositionAdminHandler{positions: positions, settler: settler, jobs: jobs}
}

// Get godoc
// GET /admin/positions/:id
func (h *PositionAdminHandler) Get(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	p, err := h.positions.PositionDetail(c.Request.Context(), id, time.Now())
	switch {
	case err == nil:
		respondSuccess(c, http.StatusOK, p)
	case errors.Is(err, domain.ErrPositionNotFound):
		respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrCorruptPosition):
		respondError(c, http.StatusInternalServerError, "ERR_CORRUPT_POSITION", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
	}
}

// Settle godoc
// POST /admin/positions/:id/settle
// Body (optional): {"up_to": "2026-01-02T00:00:00Z"}; omitted means now.
func (h *PositionAdminHandler) Settle(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var body struct {
		UpTo *time.Time `json:"up_to"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, http.StatusBadRequest, "ERR_VALIDATION", err.Error())
			return
		}
	}
	var upTo time.Time
	if body.UpTo != nil {
		upTo = *body.UpTo
	}

	st, err := h.settler.Settle(c.Request.Context(), id, upTo)
	switch {
	case err == nil:
		respondSuccess(c, http.StatusOK, st)
	case errors.Is(err, domain.ErrPositionNotFound):
		respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrPositionInactive):
		respondError(c, http.StatusConflict, "ERR_POSITION_INACTIVE", err.Error())
	case errors.Is(err, domain.ErrSettleInFuture):
		respondError(c, http.StatusBadRequest, "ERR_SETTLE_IN_FUTURE", err.Error())
	case errors.Is(err, domain.ErrCorruptPosition):
		respondError(c, http.StatusInternalServerError, "ERR_CORRUPT_POSITION", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
	}
}

// Broadcast godoc
// POST /admin/broadcast/:job
// Runs one scheduler job (earnings, balance, market, cleanup) immediately.
func (h *PositionAdminHandler) Broadcast(c *gin.Context) {
	job := c.Param("job")
	failures, err := h.jobs.Trigger(c.Request.Context(), job)
	switch {
	case errors.Is(err, scheduler.ErrJobRunning):
		respondError(c, http.StatusConflict, "ERR_JOB_RUNNING", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusNotFound, "ERR_UNKNOWN_JOB", err.Error())
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"job": job, "failures": failures})
}
