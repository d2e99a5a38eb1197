package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// User
// ──────────────────────────────────────────────────────────────────────────────

// User carries the fields the realtime core reads from the accounts table.
// Registration and login live in the accounts service.
type User struct {
	ID        uuid.UUID `json:"id"         db:"id"`
	Username  string    `json:"username"   db:"username"`
	IsActive  bool      `json:"is_active"  db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Wallet
// ──────────────────────────────────────────────────────────────────────────────

// Wallet holds a user's spendable balance.  Mining yield lands here only
// through settlement.
type Wallet struct {
	ID        uuid.UUID       `json:"id"         db:"id"`
	UserID    uuid.UUID       `json:"user_id"    db:"user_id"`
	Balance   decimal.Decimal `json:"balance"    db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Transaction
// ──────────────────────────────────────────────────────────────────────────────

// TxType enumerates wallet transaction types for auditing.
type TxType string

const (
	TxMiningYield TxType = "mining_yield" // settled slot accrual
	TxAdjustment  TxType = "adjustment"   // back-office correction
)

// Transaction is an immutable audit record for every wallet balance change.
type Transaction struct {
	ID            uuid.UUID       `json:"id"             db:"id"`
	WalletID      uuid.UUID       `json:"wallet_id"      db:"wallet_id"`
	Type          TxType          `json:"type"           db:"type"`
	Amount        decimal.Decimal `json:"amount"         db:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"  db:"balance_after"`
	RefID         *uuid.UUID      `json:"ref_id"         db:"ref_id"` // position ID
	Description   string          `json:"description"    db:"description"`
	CreatedAt     time.Time       `json:"created_at"     db:"created_at"`
}

// Settlement is the result of moving a position's accrual into its owner's
// wallet.
type Settlement struct {
	PositionID   uuid.UUID       `json:"position_id"`
	OwnerID      uuid.UUID       `json:"owner_id"`
	Amount       decimal.Decimal `json:"amount"`
	SettledFrom  time.Time       `json:"settled_from"`
	SettledUpTo  time.Time       `json:"settled_up_to"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Deactivated  bool            `json:"deactivated"`
}

// BalanceCorrection tells every connection of an identity that its spendable
// balance changed outside the regular balance_update cadence.
type BalanceCorrection struct {
	OwnerID      uuid.UUID       `json:"owner_id"`
	PositionID   *uuid.UUID      `json:"position_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reason       string          `json:"reason"`
	At           time.Time       `json:"at"`
}
