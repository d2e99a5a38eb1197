// Package domain defines the core entities of the slot-mining ledger and the
// pure accrual math applied to them.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Position
// ──────────────────────────────────────────────────────────────────────────────

// Position is one purchased mining slot: a fixed principal that accrues yield
// at WeeklyRate until ExpiresAt.  Only LastAccruedAt (advanced by settlement)
// and Active (flipped by the expiry sweep or an admin) ever change.
type Position struct {
	ID            uuid.UUID       `json:"id"              db:"id"`
	OwnerID       uuid.UUID       `json:"owner_id"        db:"owner_id"`
	Principal     decimal.Decimal `json:"principal"       db:"principal"`
	WeeklyRate    decimal.Decimal `json:"weekly_rate"     db:"weekly_rate"` // 0.30 = 30 %/week
	CreatedAt     time.Time       `json:"created_at"      db:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"      db:"expires_at"`
	LastAccruedAt time.Time       `json:"last_accrued_at" db:"last_accrued_at"`
	Active        bool            `json:"active"          db:"active"`
}

// IsExpired reports whether the accrual window has closed at now.
func (p *Position) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// AccrualEnd returns the instant accrual stops being counted for a read at now:
// min(now, ExpiresAt).
func (p *Position) AccrualEnd(now time.Time) time.Time {
	if now.After(p.ExpiresAt) {
		return p.ExpiresAt
	}
	return now
}

// AccruedAt returns the yield earned since LastAccruedAt and not yet settled,
// evaluated at now and clamped to ExpiresAt.
//
// A settlement that ran with a slightly later clock may leave LastAccruedAt
// after now; everything up to LastAccruedAt is already settled, so the
// unsettled amount is zero.  A row whose ExpiresAt precedes LastAccruedAt is
// corrupt and makes the accrual engine panic.
func (p *Position) AccruedAt(now time.Time) decimal.Decimal {
	if now.Before(p.LastAccruedAt) {
		return decimal.Zero
	}
	return AccruedYield(p.Principal, p.WeeklyRate, p.LastAccruedAt, p.AccrualEnd(now))
}

// MaxYield returns the yield the slot produces over its full term.
func (p *Position) MaxYield() decimal.Decimal {
	return AccruedYield(p.Principal, p.WeeklyRate, p.CreatedAt, p.ExpiresAt)
}

// RatePerSecond returns the accrual speed while the slot is running, and zero
// once it has expired.
func (p *Position) RatePerSecond(now time.Time) decimal.Decimal {
	if p.IsExpired(now) {
		return decimal.Zero
	}
	return YieldPerSecond(p.Principal, p.WeeklyRate)
}

// Remaining returns how long the slot keeps accruing.  Zero after expiry.
func (p *Position) Remaining(now time.Time) time.Duration {
	if p.IsExpired(now) {
		return 0
	}
	return p.ExpiresAt.Sub(now)
}

// ──────────────────────────────────────────────────────────────────────────────
// Read models pushed to clients
// ──────────────────────────────────────────────────────────────────────────────

// PositionEarnings is the live view of one slot inside an EarningsView.
type PositionEarnings struct {
	PositionID    uuid.UUID       `json:"position_id"`
	Principal     decimal.Decimal `json:"principal"`
	WeeklyRate    decimal.Decimal `json:"weekly_rate"`
	Accrued       decimal.Decimal `json:"accrued"`
	PerSecond     decimal.Decimal `json:"per_second"`
	ExpiresAt     time.Time       `json:"expires_at"`
	RemainingSec  int64           `json:"remaining_sec"`
	LastAccruedAt time.Time       `json:"last_accrued_at"`
}

// PositionDetail is one slot with its unsettled yield at ComputedAt, served to
// operators.
type PositionDetail struct {
	Position
	Accrued      decimal.Decimal `json:"accrued"`
	PerSecond    decimal.Decimal `json:"per_second"`
	RemainingSec int64           `json:"remaining_sec"`
	ComputedAt   time.Time       `json:"computed_at"`
}

// EarningsView is the payload of an earnings_update frame for one identity.
type EarningsView struct {
	OwnerID      uuid.UUID          `json:"owner_id"`
	Positions    []PositionEarnings `json:"positions"`
	TotalAccrued decimal.Decimal    `json:"total_accrued"`
	PerSecond    decimal.Decimal    `json:"per_second"`
	ComputedAt   time.Time          `json:"computed_at"`
}

// BalanceView is the payload of a balance_update frame.
type BalanceView struct {
	OwnerID   uuid.UUID       `json:"owner_id"`
	Balance   decimal.Decimal `json:"balance"`
	Unsettled decimal.Decimal `json:"unsettled"`
	Total     decimal.Decimal `json:"total"` // Balance + Unsettled
	AsOf      time.Time       `json:"as_of"`
}

// MarketView is the platform-wide payload of a market_update frame.
type MarketView struct {
	ActivePositions  int64           `json:"active_positions"`
	TotalPrincipal   decimal.Decimal `json:"total_principal"`
	WeeklyPayout     decimal.Decimal `json:"weekly_payout"` // Σ principal × rate
	OnlineIdentities int             `json:"online_identities"`
	AsOf             time.Time       `json:"as_of"`
}

// PlatformTotals is the raw aggregate read from the store for a MarketView.
type PlatformTotals struct {
	ActivePositions int64           `db:"active_positions"`
	TotalPrincipal  decimal.Decimal `db:"total_principal"`
	WeeklyPayout    decimal.Decimal `db:"weekly_payout"`
}
