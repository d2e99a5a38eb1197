package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors: compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Admission errors.  Terminal for the attempt; the transport closes the socket
// with a code derived from the error.
var (
	// ErrPoolExhausted is returned when the pool already holds
	// MaxConnectionsTotal live connections.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrIdentityQuotaExceeded is returned when the identity already holds
	// MaxConnectionsPerIdentity live connections.
	ErrIdentityQuotaExceeded = errors.New("per-identity connection quota exceeded")

	// ErrNotEntitled is returned when the auth collaborator reports that the
	// identity may not connect (suspended account).
	ErrNotEntitled = errors.New("identity is not entitled to connect")
)

// Position errors
var (
	// ErrPositionNotFound is returned when no position matches the given ID.
	ErrPositionNotFound = errors.New("position not found")

	// ErrPositionInactive is returned when settling a closed position.
	ErrPositionInactive = errors.New("position is not active")

	// ErrSettleInFuture is returned when a settlement is requested past now.
	ErrSettleInFuture = errors.New("settlement instant is in the future")

	// ErrCorruptPosition is returned when a stored position violates the
	// accrual invariants (e.g. expires before it was last settled).
	ErrCorruptPosition = errors.New("position row is corrupt")
)

// User / wallet errors
var (
	// ErrUserNotFound is returned when no user matches the given criteria.
	ErrUserNotFound = errors.New("user not found")

	// ErrWalletNotFound is returned when no wallet exists for the requested user.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInvalidIdentity is returned when an identity is not a valid user UUID.
	ErrInvalidIdentity = errors.New("identity is not a valid user id")
)

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

var notFoundErrors = []error{
	ErrPositionNotFound,
	ErrUserNotFound,
	ErrWalletNotFound,
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAdmissionError returns true for errors that reject a new connection.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrIdentityQuotaExceeded) ||
		errors.Is(err, ErrNotEntitled)
}
