package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const positionColumns = `id, owner_id, principal, weekly_rate, created_at, expires_at, last_accrued_at, active`

// PositionRepository handles all database operations for mining positions.
type PositionRepository struct {
	db      *sqlx.DB
	wallets *WalletRepository
}

// NewPositionRepository creates a new PositionRepository.  Settlement credits
// wallets through wallets inside the same transaction.
func NewPositionRepository(db *sqlx.DB, wallets *WalletRepository) *PositionRepository {
	return &PositionRepository{db: db, wallets: wallets}
}

// GetByID fetches a position by primary key.
func (r *PositionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Position, error) {
	var p domain.Position
	err := r.db.GetContext(ctx, &p,
		`SELECT `+positionColumns+` FROM mining_positions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPositionNotFound
		}
		return nil, fmt.Errorf("position_repo.GetByID: %w", err)
	}
	return &p, nil
}

// ReadActivePositions returns every active position owned by owner, oldest
// first.  Expired positions stay active until their yield is fully settled.
func (r *PositionRepository) ReadActivePositions(ctx context.Context, owner uuid.UUID) ([]*domain.Position, error) {
	var positions []*domain.Position
	err := r.db.SelectContext(ctx, &positions, `
		SELECT `+positionColumns+`
		FROM mining_positions
		WHERE owner_id = $1 AND active
		ORDER BY created_at ASC`,
		owner)
	if err != nil {
		return nil, fmt.Errorf("position_repo.ReadActivePositions: %w", err)
	}
	return positions, nil
}

// PlatformTotals aggregates every position still accruing at now.
func (r *PositionRepository) PlatformTotals(ctx context.Context, now time.Time) (domain.PlatformTotals, error) {
	var t domain.PlatformTotals
	err := r.db.GetContext(ctx, &t, `
		SELECT
			COUNT(*)                                  AS active_positions,
			COALESCE(SUM(principal), 0)               AS total_principal,
			COALESCE(SUM(principal * weekly_rate), 0) AS weekly_payout
		FROM mining_positions
		WHERE active AND expires_at > $1`,
		now)
	if err != nil {
		return domain.PlatformTotals{}, fmt.Errorf("position_repo.PlatformTotals: %w", err)
	}
	return t, nil
}

// DeactivateExpired retires positions that expired at or before now and whose
// yield has been settled up to expiry.  Returns the number of rows flipped.
func (r *PositionRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mining_positions
		SET active = false
		WHERE active AND expires_at <= $1 AND last_accrued_at >= expires_at`,
		now)
	if err != nil {
		return 0, fmt.Errorf("position_repo.DeactivateExpired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Settlement
// ──────────────────────────────────────────────────────────────────────────────

// Settle moves the yield accrued on a position up to upTo into its owner's
// wallet and advances last_accrued_at, all in one transaction.  The position
// and wallet rows are locked FOR UPDATE so concurrent settlements serialise.
// A position settled up to its expiry is deactivated.
func (r *PositionRepository) Settle(ctx context.Context, positionID uuid.UUID, upTo time.Time) (*domain.Settlement, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("position_repo.Settle: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after Commit

	var p domain.Position
	err = tx.GetContext(ctx, &p,
		`SELECT `+positionColumns+` FROM mining_positions WHERE id = $1 FOR UPDATE`, positionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPositionNotFound
		}
		return nil, fmt.Errorf("position_repo.Settle: lock position: %w", err)
	}
	if !p.Active {
		return nil, domain.ErrPositionInactive
	}

	amount := p.AccruedAt(upTo)
	settledUpTo := p.AccrualEnd(upTo)
	if settledUpTo.Before(p.LastAccruedAt) {
		settledUpTo = p.LastAccruedAt
	}

	wallet, err := r.wallets.GetForUpdate(ctx, tx, p.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("position_repo.Settle: %w", err)
	}
	balanceAfter := wallet.Balance.Add(amount)

	if amount.IsPositive() {
		if err = r.wallets.AddBalance(ctx, tx, p.OwnerID, amount); err != nil {
			return nil, fmt.Errorf("position_repo.Settle: %w", err)
		}
		refID := p.ID
		txn := &domain.Transaction{
			ID:            uuid.New(),
			WalletID:      wallet.ID,
			Type:          domain.TxMiningYield,
			Amount:        amount,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  balanceAfter,
			RefID:         &refID,
			Description: fmt.Sprintf("Mining yield %s → %s",
				p.LastAccruedAt.UTC().Format(time.RFC3339), settledUpTo.UTC().Format(time.RFC3339)),
			CreatedAt: time.Now().UTC(),
		}
		if err = r.wallets.LogTransaction(ctx, tx, txn); err != nil {
			return nil, fmt.Errorf("position_repo.Settle: %w", err)
		}
	}

	deactivate := !settledUpTo.Before(p.ExpiresAt)
	_, err = tx.ExecContext(ctx,
		`UPDATE mining_positions SET last_accrued_at = $1, active = $2 WHERE id = $3`,
		settledUpTo, !deactivate, p.ID)
	if err != nil {
		return nil, fmt.Errorf("position_repo.Settle: advance accrual: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("position_repo.Settle: commit: %w", err)
	}

	return &domain.Settlement{
		PositionID:   p.ID,
		OwnerID:      p.OwnerID,
		Amount:       amount,
		SettledFrom:  p.LastAccruedAt,
		SettledUpTo:  settledUpTo,
		BalanceAfter: balanceAfter,
		Deactivated:  deactivate,
	}, nil
}
