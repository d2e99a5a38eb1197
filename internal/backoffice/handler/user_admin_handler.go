package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/evetabi/slotmine/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AccountControl reads, suspends and reinstates accounts.  Implemented by
// service.EntitlementService.
type AccountControl interface {
	Account(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	Suspend(ctx context.Context, userID uuid.UUID, cause error) (int, error)
	Reinstate(ctx context.Context, userID uuid.UUID) error
}

// WalletLedger reads a user's wallet and audit trail.  Implemented by
// repository.WalletRepository.
type WalletLedger interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	GetTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Transaction, error)
}

// UserAdminHandler serves /admin/users endpoints.
type UserAdminHandler struct {
	hub      HubAdmin
	accounts AccountControl
	wallets  WalletLedger
}

// NewUserAdminHandler creates a UserAdminHandler.
func NewUserAdminHandler(hub HubAdmin, accounts AccountControl, wallets WalletLedger) *UserAdminHandler {
	return &UserAdminHandler{hub: hub, accounts: accounts, wallets: wallets}
}

// Get godoc
// GET /admin/users/:id
func (h *UserAdminHandler) Get(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	user, err := h.accounts.Account(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			respondError(c, http.StatusNotFound, "ERR_USER_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	conns := h.hub.UserConnections(id.String())
	respondSuccess(c, http.StatusOK, gin.H{
		"user":        user,
		"online":      len(conns) > 0,
		"connections": len(conns),
	})
}

// Online godoc
// GET /admin/users/:id/online
func (h *UserAdminHandler) Online(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	conns := h.hub.UserConnections(id.String())
	respondSuccess(c, http.StatusOK, gin.H{
		"user_id":     id,
		"online":      len(conns) > 0,
		"connections": len(conns),
	})
}

// Connections godoc
// GET /admin/users/:id/connections
func (h *UserAdminHandler) Connections(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	conns := h.hub.UserConnections(id.String())
	respondList(c, conns, len(conns), 1, len(conns))
}

// Wallet godoc
// GET /admin/users/:id/wallet?page=1&limit=50
func (h *UserAdminHandler) Wallet(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	wallet, err := h.wallets.GetByUserID(ctx, id)
	if err != nil {
		if domain.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "ERR_WALLET_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}

	page, limit := adminPagination(c)
	txns, err := h.wallets.GetTransactions(ctx, id, limit, (page-1)*limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	if txns == nil {
		txns = []*domain.Transaction{}
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"wallet":       wallet,
		"transactions": txns,
		"page":         page,
		"limit":        limit,
	})
}

// Suspend godoc
// POST /admin/users/:id/suspend
// Deactivates the account and closes its connections with 4003.
func (h *UserAdminHandler) Suspend(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	closed, err := h.accounts.Suspend(c.Request.Context(), id, domain.ErrNotEntitled)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"user_id": id, "is_active": false, "connections_closed": closed})
}

// Reinstate godoc
// POST /admin/users/:id/reinstate
func (h *UserAdminHandler) Reinstate(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	if err := h.accounts.Reinstate(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			respondError(c, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "ERR_INTERNAL", err.Error())
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"user_id": id, "is_active": true})
}

// Kick godoc
// POST /admin/users/:id/kick
// Closes the user's connections with 4005 without touching the account; the
// client may reconnect.
func (h *UserAdminHandler) Kick(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	closed := h.hub.DisconnectIdentity(id.String(), ws.ErrKicked)
	respondSuccess(c, http.StatusOK, gin.H{"user_id": id, "connections_closed": closed})
}
