package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/evetabi/slotmine/internal/api/middleware"
	"github.com/evetabi/slotmine/internal/service"
	"github.com/gin-gonic/gin"
)

// EarningsHandler serves the caller's live accrual, the REST twin of the
// earnings topic.
type EarningsHandler struct {
	views Views
}

// NewEarningsHandler creates an EarningsHandler.
func NewEarningsHandler(views Views) *EarningsHandler {
	return &EarningsHandler{views: views}
}

// Me godoc
// GET /api/me/earnings [JWT]
func (h *EarningsHandler) Me(c *gin.Context) {
	userID := middleware.GetUserID(c)
	view, err := h.views.EarningsView(c.Request.Context(), userID.String(), time.Now())
	if err != nil {
		var accErr *service.AccrualError
		if errors.As(err, &accErr) {
			respondError(c, http.StatusInternalServerError, "ERR_ACCRUAL", "earnings could not be computed")
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch earnings")
		return
	}
	respondSuccess(c, http.StatusOK, view)
}
