package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/evetabi/slotmine/internal/api/middleware"
	"github.com/evetabi/slotmine/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TransactionReader lists a user's wallet audit trail.  Implemented by
// repository.WalletRepository.
type TransactionReader interface {
	GetTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Transaction, error)
}

// WalletHandler serves balance and transaction history endpoints.
type WalletHandler struct {
	views Views
	txns  TransactionReader
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(views Views, txns TransactionReader) *WalletHandler {
	return &WalletHandler{views: views, txns: txns}
}

// GetBalance godoc
// GET /api/wallet/balance [JWT]
func (h *WalletHandler) GetBalance(c *gin.Context) {
	userID := middleware.GetUserID(c)
	view, err := h.views.BalanceView(c.Request.Context(), userID.String(), time.Now())
	if err != nil {
		if domain.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "ERR_WALLET_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch balance")
		return
	}
	respondSuccess(c, http.StatusOK, view)
}

// GetTransactions godoc
// GET /api/wallet/transactions?page=1&limit=20 [JWT]
func (h *WalletHandler) GetTransactions(c *gin.Context) {
	userID := middleware.GetUserID(c)
	page, limit := parsePagination(c)
	offset := (page - 1) * limit

	txns, err := h.txns.GetTransactions(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", "could not fetch transactions")
		return
	}
	if txns == nil {
		txns = []*domain.Transaction{}
	}
	respondList(c, txns, len(txns), page, limit)
}
