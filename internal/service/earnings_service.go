package service

import (
	"context"
	"fmt"
	"time"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Interfaces injected into the services (implemented by internal/repository)
// ──────────────────────────────────────────────────────────────────────────────

// PositionStore is the read side of the position table.
type PositionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Position, error)
	ReadActivePositions(ctx context.Context, owner uuid.UUID) ([]*domain.Position, error)
	PlatformTotals(ctx context.Context, now time.Time) (domain.PlatformTotals, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// WalletReader reads spendable balances.
type WalletReader interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
}

// OnlineCounter reports how many distinct identities hold a live connection.
// Implemented by ws.Hub.
type OnlineCounter interface {
	OnlineIdentities() int
}

// ──────────────────────────────────────────────────────────────────────────────
// AccrualError
// ──────────────────────────────────────────────────────────────────────────────

// AccrualError is returned when the accrual engine panics on a stored
// position.  It carries everything needed to find the offending row.
type AccrualError struct {
	Identity      string
	PositionID    uuid.UUID
	Principal     decimal.Decimal
	WeeklyRate    decimal.Decimal
	LastAccruedAt time.Time
	ExpiresAt     time.Time
	Now           time.Time
	Panic         any
}

func (e *AccrualError) Error() string {
	return fmt.Sprintf("accrual failed for position %s (identity %s, principal %s, rate %s, last_accrued_at %s, expires_at %s, now %s): %v",
		e.PositionID, e.Identity, e.Principal, e.WeeklyRate,
		e.LastAccruedAt.Format(time.RFC3339Nano), e.ExpiresAt.Format(time.RFC3339Nano),
		e.Now.Format(time.RFC3339Nano), e.Panic)
}

// Unwrap lets callers match the error with errors.Is(err, domain.ErrCorruptPosition).
func (e *AccrualError) Unwrap() error { return domain.ErrCorruptPosition }

// accrue evaluates p at now and turns an engine panic into an *AccrualError.
func accrue(identity string, p *domain.Position, now time.Time) (amount decimal.Decimal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &AccrualError{
				Identity:      identity,
				PositionID:    p.ID,
				Principal:     p.Principal,
				WeeklyRate:    p.WeeklyRate,
				LastAccruedAt: p.LastAccruedAt,
				ExpiresAt:     p.ExpiresAt,
				Now:           now,
				Panic:         r,
			}
		}
	}()
	return p.AccruedAt(now), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// EarningsService
// ──────────────────────────────────────────────────────────────────────────────

// EarningsService builds the read models streamed to clients: live earnings
// per position, balance including unsettled yield, and the platform snapshot.
// It never writes; settlement is SettlementService's job.
type EarningsService struct {
	positions PositionStore
	wallets   WalletReader
	online    OnlineCounter
}

// NewEarningsService creates an EarningsService.  online may be nil until the
// hub is built; see SetOnlineCounter.
func NewEarningsService(positions PositionStore, wallets WalletReader, online OnlineCounter) *EarningsService {
	return &EarningsService{
		positions: positions,
		wallets:   wallets,
		online:    online,
	}
}

// SetOnlineCounter injects the hub after construction.
func (s *EarningsService) SetOnlineCounter(o OnlineCounter) { s.online = o }

func parseIdentity(identity string) (uuid.UUID, error) {
	id, err := uuid.Parse(identity)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", domain.ErrInvalidIdentity, identity)
	}
	return id, nil
}

// EarningsView reads identity's active positions and evaluates their accrual
// at now.  An accrual panic on any position fails the whole view with an
// *AccrualError; a partial total would be misleading.
func (s *EarningsService) EarningsView(ctx context.Context, identity string, now time.Time) (*domain.EarningsView, error) {
	owner, err := parseIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("earnings_service.EarningsView: %w", err)
	}
	positions, err := s.positions.ReadActivePositions(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("earnings_service.EarningsView: %w", err)
	}

	view := &domain.EarningsView{
		OwnerID:      owner,
		Positions:    make([]domain.PositionEarnings, 0, len(positions)),
		TotalAccrued: decimal.Zero,
		PerSecond:    decimal.Zero,
		ComputedAt:   now.UTC(),
	}
	for _, p := range positions {
		accrued, err := accrue(identity, p, now)
		if err != nil {
			return nil, err
		}
		perSecond := p.RatePerSecond(now)
		view.Positions = append(view.Positions, domain.PositionEarnings{
			PositionID:    p.ID,
			Principal:     p.Principal,
			WeeklyRate:    p.WeeklyRate,
			Accrued:       accrued,
			PerSecond:     perSecond,
			ExpiresAt:     p.ExpiresAt,
			RemainingSec:  int64(p.Remaining(now) / time.Second),
			LastAccruedAt: p.LastAccruedAt,
		})
		view.TotalAccrued = view.TotalAccrued.Add(accrued)
		view.PerSecond = view.PerSecond.Add(perSecond)
	}
	return view, nil
}

// PositionDetail returns one position, active or retired, with its unsettled
// yield evaluated at now.
func (s *EarningsService) PositionDetail(ctx context.Context, id uuid.UUID, now time.Time) (*domain.PositionDetail, error) {
	p, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("earnings_service.PositionDetail: %w", err)
	}
	accrued, err := accrue(p.OwnerID.String(), p, now)
	if err != nil {
		return nil, err
	}
	return &domain.PositionDetail{
		Position:     *p,
		Accrued:      accrued,
		PerSecond:    p.RatePerSecond(now),
		RemainingSec: int64(p.Remaining(now) / time.Second),
		ComputedAt:   now.UTC(),
	}, nil
}

// BalanceView returns identity's wallet balance plus the yield accrued but not
// yet settled at now.
func (s *EarningsService) BalanceView(ctx context.Context, identity string, now time.Time) (*domain.BalanceView, error) {
	owner, err := parseIdentity(identity)
	if err != nil {
		return nil, fmt.Errorf("earnings_service.BalanceView: %w", err)
	}
	wallet, err := s.wallets.GetByUserID(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("earnings_service.BalanceView: %w", err)
	}
	positions, err := s.positions.ReadActivePositions(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("earnings_service.BalanceView: %w", err)
	}

	unsettled := decimal.Zero
	for _, p := range positions {
		accrued, err := accrue(identity, p, now)
		if err != nil {
			return nil, err
		}
		unsettled = unsettled.Add(accrued)
	}
	return &domain.BalanceView{
		OwnerID:   owner,
		Balance:   wallet.Balance,
		Unsettled: unsettled,
		Total:     wallet.Balance.Add(unsettled),
		AsOf:      now.UTC(),
	}, nil
}

// MarketView returns the platform-wide snapshot at now.
func (s *EarningsService) MarketView(ctx context.Context, now time.Time) (*domain.MarketView, error) {
	totals, err := s.positions.PlatformTotals(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("earnings_service.MarketView: %w", err)
	}
	online := 0
	if s.online != nil {
		online = s.online.OnlineIdentities()
	}
	return &domain.MarketView{
		ActivePositions:  totals.ActivePositions,
		TotalPrincipal:   totals.TotalPrincipal,
		WeeklyPayout:     totals.WeeklyPayout,
		OnlineIdentities: online,
		AsOf:             now.UTC(),
	}, nil
}

// RetireExpired deactivates expired positions whose yield is fully settled.
func (s *EarningsService) RetireExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.positions.DeactivateExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("earnings_service.RetireExpired: %w", err)
	}
	return n, nil
}
