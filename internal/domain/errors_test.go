package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/evetabi/slotmine/internal/domain"
)

// ── Error predicates ──────────────────────────────────────────────────────────

func TestIsNotFound(t *testing.T) {
	wrapped := fmt.Errorf("wallet_repo.GetByUserID: %w", domain.ErrWalletNotFound)
	if !domain.IsNotFound(wrapped) {
		t.Error("wrapped ErrWalletNotFound should be a not-found error")
	}
	if !domain.IsNotFound(domain.ErrPositionNotFound) {
		t.Error("ErrPositionNotFound should be a not-found error")
	}
	if domain.IsNotFound(domain.ErrPositionInactive) {
		t.Error("ErrPositionInactive is a conflict, not a not-found error")
	}
	if domain.IsNotFound(nil) {
		t.Error("nil is not a not-found error")
	}
}

func TestIsAdmissionError(t *testing.T) {
	for _, err := range []error{
		domain.ErrPoolExhausted,
		fmt.Errorf("registry.Admit: %w", domain.ErrIdentityQuotaExceeded),
		domain.ErrNotEntitled,
	} {
		if !domain.IsAdmissionError(err) {
			t.Errorf("%v should be an admission error", err)
		}
	}
	if domain.IsAdmissionError(errors.New("connection reset")) {
		t.Error("a transport failure is not an admission error")
	}
}
