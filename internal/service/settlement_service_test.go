package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/evetabi/slotmine/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSettlement(store *memStore, now time.Time) (*service.SettlementService, *recordingNotifier) {
	svc := service.NewSettlementService(store, nil)
	service.SetSettlementClock(svc, func() time.Time { return now })
	n := &recordingNotifier{}
	svc.SetNotifier(n)
	return svc, n
}

func TestSettle_CreditsWalletAndNotifies(t *testing.T) {
	store := newMemStore()
	owner := store.addUser("10")
	p := store.addPosition(owner, "250", "0.3", t0, week)
	now := t0.Add(3 * 24 * time.Hour)
	svc, notifier := newSettlement(store, now)

	st, err := svc.Settle(context.Background(), p.ID, time.Time{})
	require.NoError(t, err)

	want := domain.AccruedYield(p.Principal, p.WeeklyRate, t0, now)
	assert.True(t, st.Amount.Equal(want))
	assert.True(t, store.balance(owner).Equal(decimal.NewFromInt(10).Add(want)))
	assert.Equal(t, now, store.position(p.ID).LastAccruedAt)
	assert.False(t, st.Deactivated)

	require.Len(t, notifier.sent, 1)
	c := notifier.sent[0]
	assert.Equal(t, owner, c.OwnerID)
	assert.Equal(t, p.ID, *c.PositionID)
	assert.True(t, c.BalanceAfter.Equal(st.BalanceAfter))
	assert.Equal(t, "settlement", c.Reason)
}

func TestSettle_AfterSettlementNothingIsUnsettled(t *testing.T) {
	store := newMemStore()
	owner := store.addUser("0")
	p := store.addPosition(owner, "100", "0.3", t0, week)
	now := t0.Add(24 * time.Hour)
	svc, notifier := newSettlement(store, now)

	_, err := svc.Settle(context.Background(), p.ID, now)
	require.NoError(t, err)
	st, err := svc.Settle(context.Background(), p.ID, now)
	require.NoError(t, err)

	assert.True(t, st.Amount.IsZero())
	assert.Len(t, notifier.sent, 1, "zero settlements are silent")

	earnings := service.NewEarningsService(store, store, nil)
	view, err := earnings.EarningsView(context.Background(), owner.String(), now)
	require.NoError(t, err)
	assert.True(t, view.TotalAccrued.IsZero())
}

func TestSettle_ExpiredPositionStopsAtExpiryAndRetires(t *testing.T) {
	store := newMemStore()
	owner := store.addUser("0")
	p := store.addPosition(owner, "250", "0.3", t0, week)
	svc, _ := newSettlement(store, t0.Add(3*week))

	st, err := svc.Settle(context.Background(), p.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "75", st.Amount.String())
	assert.Equal(t, p.ExpiresAt, st.SettledUpTo)
	assert.True(t, st.Deactivated)

	_, err = svc.Settle(context.Background(), p.ID, time.Time{})
	assert.ErrorIs(t, err, domain.ErrPositionInactive)
}

func TestSettle_RefusesFutureInstant(t *testing.T) {
	store := newMemStore()
	owner := store.addUser("0")
	p := store.addPosition(owner, "100", "0.3", t0, week)
	svc, _ := newSettlement(store, t0.Add(time.Hour))

	_, err := svc.Settle(context.Background(), p.ID, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, domain.ErrSettleInFuture)
	assert.Equal(t, t0, store.position(p.ID).LastAccruedAt)
}

func TestSettle_UnknownPosition(t *testing.T) {
	svc, _ := newSettlement(newMemStore(), t0)
	_, err := svc.Settle(context.Background(), uuid.New(), time.Time{})
	assert.True(t, domain.IsNotFound(err))
}

func TestSettle_CorruptRowIsRecovered(t *testing.T) {
	store := newMemStore()
	owner := store.addUser("0")
	p := store.addPosition(owner, "100", "0.3", t0, week)
	store.positions[p.ID].LastAccruedAt = p.ExpiresAt.Add(time.Hour)
	svc, notifier := newSettlement(store, p.ExpiresAt.Add(2*time.Hour))

	_, err := svc.Settle(context.Background(), p.ID, time.Time{})
	assert.ErrorIs(t, err, domain.ErrCorruptPosition)
	assert.Empty(t, notifier.sent)
}

func TestSettle_NotificationFailureDoesNotFailSettlement(t *testing.T) {
	store := newMemStore()
	owner := store.addUser("0")
	p := store.addPosition(owner, "100", "0.3", t0, week)
	svc, notifier := newSettlement(store, t0.Add(time.Hour))
	notifier.err = errors.New("bus down")

	st, err := svc.Settle(context.Background(), p.ID, time.Time{})
	require.NoError(t, err)
	assert.True(t, st.Amount.IsPositive())
}

// Concurrent settlements of one position must credit the wallet exactly the
// accrued amount, however they interleave.
func TestSettle_ConcurrentCallsNeverDoubleCredit(t *testing.T) {
	const workers = 50
	store := newMemStore()
	owner := store.addUser("0")
	p := store.addPosition(owner, "250", "0.3", t0, week)
	now := t0.Add(2 * 24 * time.Hour)
	svc, _ := newSettlement(store, now)

	var positive atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := svc.Settle(context.Background(), p.ID, now)
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			if st.Amount.IsPositive() {
				positive.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, positive.Load())
	want := domain.AccruedYield(p.Principal, p.WeeklyRate, t0, now)
	assert.True(t, store.balance(owner).Equal(want), "balance %s want %s", store.balance(owner), want)
	assert.Len(t, store.txns, 1)
}
