package service_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory PositionStore, WalletReader and Settler.  Settle
// mirrors the repository transaction under one mutex.  memUsers adapts it to
// UserFlags.
type memStore struct {
	mu        sync.Mutex
	positions map[uuid.UUID]*domain.Position
	wallets   map[uuid.UUID]*domain.Wallet
	users     map[uuid.UUID]bool
	txns      []domain.Transaction
	readErr   error
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[uuid.UUID]*domain.Position),
		wallets:   make(map[uuid.UUID]*domain.Wallet),
		users:     make(map[uuid.UUID]bool),
	}
}

func (m *memStore) addUser(balance string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.users[id] = true
	m.wallets[id] = &domain.Wallet{ID: uuid.New(), UserID: id, Balance: decimal.RequireFromString(balance)}
	return id
}

func (m *memStore) addPosition(owner uuid.UUID, principal, rate string, created time.Time, term time.Duration) *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &domain.Position{
		ID:            uuid.New(),
		OwnerID:       owner,
		Principal:     decimal.RequireFromString(principal),
		WeeklyRate:    decimal.RequireFromString(rate),
		CreatedAt:     created,
		ExpiresAt:     created.Add(term),
		LastAccruedAt: created,
		Active:        true,
	}
	m.positions[p.ID] = p
	return p
}

func (m *memStore) position(id uuid.UUID) domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.positions[id]
}

func (m *memStore) balance(owner uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[owner].Balance
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	p, ok := m.positions[id]
	if !ok {
		return nil, domain.ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ReadActivePositions(_ context.Context, owner uuid.UUID) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	var out []*domain.Position
	for _, p := range m.positions {
		if p.OwnerID == owner && p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) PlatformTotals(_ context.Context, now time.Time) (domain.PlatformTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := domain.PlatformTotals{TotalPrincipal: decimal.Zero, WeeklyPayout: decimal.Zero}
	for _, p := range m.positions {
		if p.Active && p.ExpiresAt.After(now) {
			t.ActivePositions++
			t.TotalPrincipal = t.TotalPrincipal.Add(p.Principal)
			t.WeeklyPayout = t.WeeklyPayout.Add(p.Principal.Mul(p.WeeklyRate))
		}
	}
	return t, nil
}

func (m *memStore) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.positions {
		if p.Active && !p.ExpiresAt.After(now) && !p.LastAccruedAt.Before(p.ExpiresAt) {
			p.Active = false
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetByUserID(_ context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memStore) Settle(_ context.Context, positionID uuid.UUID, upTo time.Time) (*domain.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return nil, domain.ErrPositionNotFound
	}
	if !p.Active {
		return nil, domain.ErrPositionInactive
	}
	amount := p.AccruedAt(upTo)
	to := p.AccrualEnd(upTo)
	if to.Before(p.LastAccruedAt) {
		to = p.LastAccruedAt
	}
	w := m.wallets[p.OwnerID]
	before := w.Balance
	w.Balance = w.Balance.Add(amount)
	if amount.IsPositive() {
		m.txns = append(m.txns, domain.Transaction{Type: domain.TxMiningYield, Amount: amount, BalanceBefore: before, BalanceAfter: w.Balance})
	}
	from := p.LastAccruedAt
	p.LastAccruedAt = to
	deactivate := !to.Before(p.ExpiresAt)
	if deactivate {
		p.Active = false
	}
	return &domain.Settlement{
		PositionID: p.ID, OwnerID: p.OwnerID, Amount: amount,
		SettledFrom: from, SettledUpTo: to, BalanceAfter: w.Balance, Deactivated: deactivate,
	}, nil
}

// memUsers is the UserFlags view of a memStore.
type memUsers struct{ *memStore }

func (u memUsers) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	active, ok := u.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &domain.User{ID: id, Username: "miner", IsActive: active}, nil
}

func (m *memStore) IsActive(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return false, m.readErr
	}
	active, ok := m.users[id]
	if !ok {
		return false, domain.ErrUserNotFound
	}
	return active, nil
}

func (m *memStore) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return domain.ErrUserNotFound
	}
	m.users[id] = active
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.BalanceCorrection
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, c domain.BalanceCorrection) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, c)
	return n.err
}

type fixedOnline int

func (f fixedOnline) OnlineIdentities() int { return int(f) }

type kickRecorder struct {
	identity string
	cause    error
}

func (k *kickRecorder) DisconnectIdentity(identity string, cause error) int {
	k.identity, k.cause = identity, cause
	return 2
}

var errStoreDown = errors.New("store unavailable")
