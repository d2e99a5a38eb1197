package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/google/uuid"
)

// UserFlags reads and flips the account flag that gates realtime access.
// Implemented by repository.UserRepository.
type UserFlags interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	IsActive(ctx context.Context, id uuid.UUID) (bool, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// Disconnector closes every live connection of an identity.
// Implemented by ws.Hub.
type Disconnector interface {
	DisconnectIdentity(identity string, cause error) int
}

// EntitlementService answers the hub's "may this identity connect?" question
// and lets operators suspend accounts.
type EntitlementService struct {
	users  UserFlags
	kicker Disconnector // injected after the hub is built
	logger *slog.Logger
}

// NewEntitlementService creates an EntitlementService.
func NewEntitlementService(users UserFlags, logger *slog.Logger) *EntitlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementService{users: users, logger: logger.With("component", "entitlements")}
}

// SetDisconnector injects the hub post-construction.
func (s *EntitlementService) SetDisconnector(d Disconnector) { s.kicker = d }

// IsEntitled reports whether identity may hold realtime connections.  Unknown
// users and identities that are not user ids are not entitled; only store
// failures return an error.
func (s *EntitlementService) IsEntitled(ctx context.Context, identity string) (bool, error) {
	id, err := uuid.Parse(identity)
	if err != nil {
		return false, nil
	}
	active, err := s.users.IsActive(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("entitlement_service.IsEntitled: %w", err)
	}
	return active, nil
}

// Account returns the user record behind an identity.
func (s *EntitlementService) Account(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("entitlement_service.Account: %w", err)
	}
	return u, nil
}

// Suspend deactivates the account and closes its live connections with cause.
// Returns the number of connections closed.
func (s *EntitlementService) Suspend(ctx context.Context, userID uuid.UUID, cause error) (int, error) {
	if err := s.users.SetActive(ctx, userID, false); err != nil {
		return 0, fmt.Errorf("entitlement_service.Suspend: %w", err)
	}
	closed := 0
	if s.kicker != nil {
		closed = s.kicker.DisconnectIdentity(userID.String(), cause)
	}
	s.logger.Info("account suspended", "user", userID, "connections_closed", closed)
	return closed, nil
}

// Reinstate reactivates a suspended account.  Its clients may reconnect.
func (s *EntitlementService) Reinstate(ctx context.Context, userID uuid.UUID) error {
	if err := s.users.SetActive(ctx, userID, true); err != nil {
		return fmt.Errorf("entitlement_service.Reinstate: %w", err)
	}
	s.logger.Info("account reinstated", "user", userID)
	return nil
}
