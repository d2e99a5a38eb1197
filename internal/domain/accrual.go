package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Accrual engine
// ──────────────────────────────────────────────────────────────────────────────

// AccrualScale is the number of decimal places kept by AccruedYield.  Each
// call rounds exactly once, so the error per call is bounded by 5e-19 and a
// week of per-second samples stays well below 1e-8 relative drift.
const AccrualScale int32 = 18

// nanosPerWeek is 7 × 24 × 3600 × 1e9.
var nanosPerWeek = decimal.NewFromInt(int64(7 * 24 * time.Hour))

// AccruedYield returns the yield earned by principal at weeklyRate over the
// half-open interval [from, to):
//
//	principal × weeklyRate × (to − from) / 1 week
//
// It is pure and safe for concurrent use.  Returns exactly zero when
// to == from.  Negative principal, negative rate or to < from are caller bugs
// and panic; they are never coerced to zero because that would silently
// misprice a balance.
func AccruedYield(principal, weeklyRate decimal.Decimal, from, to time.Time) decimal.Decimal {
	if principal.IsNegative() {
		panic(fmt.Sprintf("domain.AccruedYield: negative principal %s", principal))
	}
	if weeklyRate.IsNegative() {
		panic(fmt.Sprintf("domain.AccruedYield: negative weekly rate %s", weeklyRate))
	}
	if to.Before(from) {
		panic(fmt.Sprintf("domain.AccruedYield: to %s is before from %s",
			to.Format(time.RFC3339Nano), from.Format(time.RFC3339Nano)))
	}

	elapsed := to.Sub(from)
	if elapsed == 0 || principal.IsZero() || weeklyRate.IsZero() {
		return decimal.Zero
	}

	numerator := principal.Mul(weeklyRate).Mul(decimal.NewFromInt(int64(elapsed)))
	return numerator.DivRound(nanosPerWeek, AccrualScale)
}

// YieldPerSecond returns the constant accrual speed of principal at weeklyRate.
func YieldPerSecond(principal, weeklyRate decimal.Decimal) decimal.Decimal {
	return principal.Mul(weeklyRate).DivRound(decimal.NewFromInt(7*24*3600), AccrualScale)
}
