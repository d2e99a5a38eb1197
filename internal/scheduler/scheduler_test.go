package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evetabi/slotmine/internal/config"
	"github.com/evetabi/slotmine/internal/domain"
	"github.com/evetabi/slotmine/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	identity string
	topic    string
	data     any
}

type fakeHub struct {
	mu          sync.Mutex
	subscribers map[string][]string
	sent        []published
}

func (h *fakeHub) SubscribedIdentities(topic string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribers[topic]
}

func (h *fakeHub) HasSubscribers(topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[topic]) > 0
}

func (h *fakeHub) PublishToIdentity(identity, topic string, data any) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, published{identity, topic, data})
	return 1
}

func (h *fakeHub) Publish(topic string, data any) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, published{"", topic, data})
	return len(h.subscribers[topic])
}

func (h *fakeHub) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

type fakeViews struct {
	calls     atomic.Int64
	failFor   map[string]error
	panicFor  map[string]bool
	marketErr error
	retired   int64
	seenNow   []time.Time
	mu        sync.Mutex

	gate        chan struct{} // when set, per-identity views block until closed
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (v *fakeViews) earnings(identity string, now time.Time) error {
	v.calls.Add(1)
	n := v.inFlight.Add(1)
	defer v.inFlight.Add(-1)
	for {
		peak := v.maxInFlight.Load()
		if n <= peak || v.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if v.gate != nil {
		<-v.gate
	}
	v.mu.Lock()
	v.seenNow = append(v.seenNow, now)
	v.mu.Unlock()
	if v.panicFor[identity] {
		panic("boom")
	}
	return v.failFor[identity]
}

func (v *fakeViews) EarningsView(_ context.Context, identity string, now time.Time) (*domain.EarningsView, error) {
	if err := v.earnings(identity, now); err != nil {
		return nil, err
	}
	return &domain.EarningsView{TotalAccrued: decimal.NewFromInt(1), ComputedAt: now}, nil
}

func (v *fakeViews) BalanceView(_ context.Context, identity string, now time.Time) (*domain.BalanceView, error) {
	if err := v.earnings(identity, now); err != nil {
		return nil, err
	}
	return &domain.BalanceView{Balance: decimal.NewFromInt(5), AsOf: now}, nil
}

func (v *fakeViews) MarketView(_ context.Context, now time.Time) (*domain.MarketView, error) {
	v.calls.Add(1)
	if v.marketErr != nil {
		return nil, v.marketErr
	}
	return &domain.MarketView{ActivePositions: 3, AsOf: now}, nil
}

func (v *fakeViews) RetireExpired(context.Context, time.Time) (int64, error) {
	return v.retired, nil
}

type fakeObserver struct {
	mu       sync.Mutex
	jobs     map[string]int
	failures map[string]int
	expired  int64
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{jobs: map[string]int{}, failures: map[string]int{}}
}

func (o *fakeObserver) ObserveJob(job string, _ time.Duration, failures int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs[job]++
	o.failures[job] += failures
}

func (o *fakeObserver) ObserveExpired(n int64) {
	o.mu.Lock()
	o.expired += n
	o.mu.Unlock()
}

func (o *fakeObserver) runs(job string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs[job]
}

var testSpecs = config.ScheduleConfig{
	Earnings: "@every 1s",
	Balance:  "@every 5s",
	Market:   "@every 30s",
	Cleanup:  "@every 1m",
}

func newTestScheduler(t *testing.T, hub *fakeHub, views *fakeViews, obs *fakeObserver) *Scheduler {
	t.Helper()
	var o JobObserver
	if obs != nil {
		o = obs
	}
	s, err := New(testSpecs, views, hub, o, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestEarnings_NoSubscribersNoWork(t *testing.T) {
	hub := &fakeHub{subscribers: map[string][]string{"market": {"x"}}}
	views := &fakeViews{}
	s := newTestScheduler(t, hub, views, nil)

	assert.Zero(t, s.runEarnings(context.Background()))
	assert.Zero(t, views.calls.Load(), "no store reads without subscribers")
	assert.Zero(t, hub.sentCount())
}

func TestEarnings_OneViewPerSubscribedIdentity(t *testing.T) {
	alice, bob := uuid.NewString(), uuid.NewString()
	hub := &fakeHub{subscribers: map[string][]string{TopicEarnings: {alice, bob}}}
	views := &fakeViews{}
	s := newTestScheduler(t, hub, views, nil)
	fixed := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	assert.Zero(t, s.runEarnings(context.Background()))

	require.Len(t, hub.sent, 2)
	assert.Equal(t, alice, hub.sent[0].identity)
	assert.Equal(t, bob, hub.sent[1].identity)
	for _, p := range hub.sent {
		assert.Equal(t, TopicEarnings, p.topic)
		assert.IsType(t, &domain.EarningsView{}, p.data)
	}
	assert.Equal(t, []time.Time{fixed, fixed}, views.seenNow)
}

func TestEarnings_FailingIdentitiesAreSkipped(t *testing.T) {
	ok, broken, corrupt := uuid.NewString(), uuid.NewString(), uuid.NewString()
	hub := &fakeHub{subscribers: map[string][]string{TopicEarnings: {broken, corrupt, ok}}}
	views := &fakeViews{
		failFor:  map[string]error{broken: errors.New("connection reset")},
		panicFor: map[string]bool{corrupt: true},
	}
	s := newTestScheduler(t, hub, views, nil)

	failures := s.runEarnings(context.Background())

	assert.Equal(t, 2, failures)
	require.Len(t, hub.sent, 1)
	assert.Equal(t, ok, hub.sent[0].identity)
}

func TestEarnings_AccrualErrorIsLoggedNotFatal(t *testing.T) {
	id := uuid.NewString()
	hub := &fakeHub{subscribers: map[string][]string{TopicBalance: {id}}}
	views := &fakeViews{failFor: map[string]error{id: &service.AccrualError{Identity: id, PositionID: uuid.New(), Panic: "to before from"}}}
	s := newTestScheduler(t, hub, views, nil)

	assert.Equal(t, 1, s.runBalance(context.Background()))
	assert.Zero(t, hub.sentCount())
}

func TestEarnings_StopsOnCancelledContext(t *testing.T) {
	hub := &fakeHub{subscribers: map[string][]string{TopicEarnings: {uuid.NewString(), uuid.NewString()}}}
	views := &fakeViews{}
	s := newTestScheduler(t, hub, views, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.runEarnings(ctx)
	assert.Zero(t, views.calls.Load())
}

func TestMarket_PublishesOnlyWithListeners(t *testing.T) {
	hub := &fakeHub{subscribers: map[string][]string{}}
	views := &fakeViews{}
	s := newTestScheduler(t, hub, views, nil)

	assert.Zero(t, s.runMarket(context.Background()))
	assert.Zero(t, views.calls.Load())

	hub.subscribers[TopicMarket] = []string{"someone"}
	assert.Zero(t, s.runMarket(context.Background()))
	require.Len(t, hub.sent, 1)
	assert.Equal(t, TopicMarket, hub.sent[0].topic)

	views.marketErr = errors.New("db down")
	assert.Equal(t, 1, s.runMarket(context.Background()))
	assert.Len(t, hub.sent, 1)
}

func TestCleanup_RecordsRetired(t *testing.T) {
	obs := newFakeObserver()
	s := newTestScheduler(t, &fakeHub{}, &fakeViews{retired: 4}, obs)

	assert.Zero(t, s.runCleanup(context.Background()))
	assert.EqualValues(t, 4, obs.expired)
}

func TestTrigger_RunsNamedJobNow(t *testing.T) {
	hub := &fakeHub{subscribers: map[string][]string{TopicMarket: {"someone"}}}
	obs := newFakeObserver()
	s := newTestScheduler(t, hub, &fakeViews{}, obs)

	failures, err := s.Trigger(context.Background(), "market")
	require.NoError(t, err)
	assert.Zero(t, failures)
	assert.Len(t, hub.sent, 1)
	assert.Equal(t, 1, obs.runs("market"))

	_, err = s.Trigger(context.Background(), "payouts")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestTrigger_BusyJobIsNotStartedTwice(t *testing.T) {
	hub := &fakeHub{subscribers: map[string][]string{TopicEarnings: {uuid.NewString()}}}
	views := &fakeViews{gate: make(chan struct{})}
	obs := newFakeObserver()
	s := newTestScheduler(t, hub, views, obs)

	first := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background(), "earnings")
		first <- err
	}()
	require.Eventually(t, func() bool { return views.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.Trigger(context.Background(), "earnings")
	assert.ErrorIs(t, err, ErrJobRunning)

	// Other jobs are independent.
	_, err = s.Trigger(context.Background(), "cleanup")
	assert.NoError(t, err)

	close(views.gate)
	require.NoError(t, <-first)
	assert.EqualValues(t, 1, views.maxInFlight.Load())
	assert.Equal(t, 1, obs.runs("earnings"))

	_, err = s.Trigger(context.Background(), "earnings")
	assert.NoError(t, err, "free again once the run returned")
}

func TestRun_SlowJobSkipsTicksAndTriggers(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the cron clock")
	}
	hub := &fakeHub{subscribers: map[string][]string{TopicEarnings: {uuid.NewString()}}}
	views := &fakeViews{gate: make(chan struct{})}
	obs := newFakeObserver()
	specs := testSpecs
	specs.Earnings = "* * * * * *"
	s, err := New(specs, views, hub, obs, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return views.inFlight.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	_, err = s.Trigger(ctx, "earnings")
	assert.ErrorIs(t, err, ErrJobRunning)

	// Let at least one more tick land while the first run is blocked.
	time.Sleep(1500 * time.Millisecond)
	assert.EqualValues(t, 1, views.maxInFlight.Load())
	assert.Zero(t, obs.runs("earnings"), "skipped ticks are not queued")

	close(views.gate)
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.EqualValues(t, 1, views.maxInFlight.Load())
}

func TestNew_RejectsInvalidSpec(t *testing.T) {
	specs := testSpecs
	specs.Market = "every now and then"
	_, err := New(specs, &fakeViews{}, &fakeHub{}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market")
}

func TestRun_FiresJobsUntilCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the cron clock")
	}
	obs := newFakeObserver()
	hub := &fakeHub{subscribers: map[string][]string{TopicEarnings: {uuid.NewString()}}}
	specs := testSpecs
	specs.Earnings = "* * * * * *"
	s, err := New(specs, &fakeViews{}, hub, obs, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return obs.runs("earnings") > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Positive(t, hub.sentCount())
}
