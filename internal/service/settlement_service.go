package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/google/uuid"
)

// Settler moves accrued yield into the owner's wallet in one transaction.
// Implemented by repository.PositionRepository.
type Settler interface {
	Settle(ctx context.Context, positionID uuid.UUID, upTo time.Time) (*domain.Settlement, error)
}

// CorrectionNotifier pushes balance corrections to the owner's sockets.
// Implemented by the correction package.
type CorrectionNotifier interface {
	Notify(ctx context.Context, c domain.BalanceCorrection) error
}

// SettlementService settles positions on behalf of external collaborators
// (withdrawals, the back-office) and tells the owner's clients about it.
type SettlementService struct {
	settler  Settler
	notifier CorrectionNotifier // injected after the correction bus is built
	now      func() time.Time
	logger   *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(settler Settler, logger *slog.Logger) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{
		settler: settler,
		now:     time.Now,
		logger:  logger.With("component", "settlement"),
	}
}

// SetNotifier injects the correction bus post-construction.
func (s *SettlementService) SetNotifier(n CorrectionNotifier) { s.notifier = n }

// Settle credits the yield accrued on positionID up to upTo (zero = now).
// Settling into the future is refused; settling an expired position stops at
// its expiry and retires it.  A positive settlement emits a
// balance_correction to the owner; a failed notification is logged, never
// returned, because the money has already moved.
func (s *SettlementService) Settle(ctx context.Context, positionID uuid.UUID, upTo time.Time) (st *domain.Settlement, err error) {
	now := s.now()
	if upTo.IsZero() {
		upTo = now
	}
	if upTo.After(now) {
		return nil, fmt.Errorf("settlement_service.Settle: %w (%s > %s)",
			domain.ErrSettleInFuture, upTo.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("accrual panic during settlement",
				"position", positionID, "up_to", upTo, "panic", r)
			st, err = nil, fmt.Errorf("settlement_service.Settle %s: %w: %v", positionID, domain.ErrCorruptPosition, r)
		}
	}()

	st, err = s.settler.Settle(ctx, positionID, upTo)
	if err != nil {
		return nil, fmt.Errorf("settlement_service.Settle: %w", err)
	}

	s.logger.Info("position settled",
		"position", st.PositionID, "owner", st.OwnerID, "amount", st.Amount.String(),
		"from", st.SettledFrom, "to", st.SettledUpTo, "deactivated", st.Deactivated)

	if st.Amount.IsPositive() && s.notifier != nil {
		pid := st.PositionID
		correction := domain.BalanceCorrection{
			OwnerID:      st.OwnerID,
			PositionID:   &pid,
			Amount:       st.Amount,
			BalanceAfter: st.BalanceAfter,
			Reason:       "settlement",
			At:           now.UTC(),
		}
		if nerr := s.notifier.Notify(ctx, correction); nerr != nil {
			s.logger.Warn("balance correction not delivered",
				"owner", st.OwnerID, "position", st.PositionID, "err", nerr)
		}
	}
	return st, nil
}
