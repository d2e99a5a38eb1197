// Package scheduler runs the periodic broadcast jobs on a robfig/cron clock:
//  1. earnings – per-identity live accrual on the "earnings" topic.
//  2. balance  – per-identity balance including unsettled yield.
//  3. market   – the platform-wide snapshot.
//  4. cleanup  – retires expired, fully settled positions.
//
// Every job is skipped (not queued) while its previous run is still going.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evetabi/slotmine/internal/config"
	"github.com/evetabi/slotmine/internal/domain"
	"github.com/evetabi/slotmine/internal/service"
	"github.com/robfig/cron/v3"
)

// Topics published by the scheduler.
const (
	TopicEarnings = "earnings"
	TopicBalance  = "balance"
	TopicMarket   = "market"
)

// ──────────────────────────────────────────────────────────────────────────────
// Collaborators, declared here so the scheduler does not import ws
// ──────────────────────────────────────────────────────────────────────────────

// Broadcaster is the part of ws.Hub the jobs publish through.
type Broadcaster interface {
	SubscribedIdentities(topic string) []string
	HasSubscribers(topic string) bool
	PublishToIdentity(identity, topic string, data any) int
	Publish(topic string, data any) int
}

// Views computes the payloads.  Implemented by service.EarningsService.
type Views interface {
	EarningsView(ctx context.Context, identity string, now time.Time) (*domain.EarningsView, error)
	BalanceView(ctx context.Context, identity string, now time.Time) (*domain.BalanceView, error)
	MarketView(ctx context.Context, now time.Time) (*domain.MarketView, error)
	RetireExpired(ctx context.Context, now time.Time) (int64, error)
}

// JobObserver records job timings.  Implemented by stats.Collector.
type JobObserver interface {
	ObserveJob(job string, took time.Duration, failures int)
	ObserveExpired(n int64)
}

// ──────────────────────────────────────────────────────────────────────────────
// Scheduler
// ──────────────────────────────────────────────────────────────────────────────

// Scheduler owns the cron instance and the four broadcast jobs.  Build it with
// New, then call Run(ctx) once; cancelling ctx stops it after in-flight jobs
// finish.
type Scheduler struct {
	cron   *cron.Cron
	views  Views
	hub    Broadcaster
	obs    JobObserver
	logger *slog.Logger
	now    func() time.Time

	ctx  context.Context // set by Run before the cron starts
	jobs map[string]*job
}

// job is one registered broadcast job.  busy is held for the whole run, by
// the cron clock and by Trigger alike, so a job never overlaps itself.
type job struct {
	name string
	run  func(context.Context) int
	busy sync.Mutex
}

var (
	// ErrUnknownJob is returned by Trigger for a job name that is not registered.
	ErrUnknownJob = errors.New("scheduler: unknown job")
	// ErrJobRunning is returned by Trigger while the job's previous run is in flight.
	ErrJobRunning = errors.New("scheduler: job already running")
)

// New registers the jobs with the given specs.  An invalid spec is an error.
func New(specs config.ScheduleConfig, views Views, hub Broadcaster, obs JobObserver, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}

	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		views:  views,
		hub:    hub,
		obs:    obs,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
		jobs:   make(map[string]*job, 4),
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) int
	}{
		{"earnings", specs.Earnings, s.runEarnings},
		{"balance", specs.Balance, s.runBalance},
		{"market", specs.Market, s.runMarket},
		{"cleanup", specs.Cleanup, s.runCleanup},
	}
	for _, j := range jobs {
		registered := &job{name: j.name, run: j.run}
		if _, err := s.cron.AddFunc(j.spec, s.timed(registered)); err != nil {
			return nil, fmt.Errorf("scheduler.New: register %s (%q): %w", j.name, j.spec, err)
		}
		s.jobs[j.name] = registered
	}
	return s, nil
}

// Run starts the cron clock and blocks until ctx is cancelled, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Trigger runs one job now, outside the cron clock, and returns how many
// identities failed.  Used by the back-office to force a broadcast.  A job
// whose previous run is still going is not started: ErrJobRunning.
func (s *Scheduler) Trigger(ctx context.Context, name string) (int, error) {
	j, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("scheduler.Trigger %q: %w", name, ErrUnknownJob)
	}
	start := time.Now()
	failures, ran := s.runOnce(ctx, j)
	if !ran {
		return 0, fmt.Errorf("scheduler.Trigger %q: %w", name, ErrJobRunning)
	}
	s.logger.Info("job triggered", "job", name, "failures", failures, "took", time.Since(start))
	return failures, nil
}

// timed adapts a job to the cron clock.  A tick that lands while the job is
// still running is skipped, not queued.
func (s *Scheduler) timed(j *job) func() {
	return func() {
		if _, ran := s.runOnce(s.ctx, j); !ran {
			s.logger.Debug("job still running, tick skipped", "job", j.name)
		}
	}
}

// runOnce runs j unless it is already in flight, recording duration and
// failures.  ran is false when the run was skipped.
func (s *Scheduler) runOnce(ctx context.Context, j *job) (failures int, ran bool) {
	if !j.busy.TryLock() {
		return 0, false
	}
	defer j.busy.Unlock()

	start := time.Now()
	failures = j.run(ctx)
	if s.obs != nil {
		s.obs.ObserveJob(j.name, time.Since(start), failures)
	}
	return failures, true
}

// ──────────────────────────────────────────────────────────────────────────────
// Jobs.  Each returns the number of identities that failed.
// ──────────────────────────────────────────────────────────────────────────────

func (s *Scheduler) runEarnings(ctx context.Context) int {
	return s.perIdentity(ctx, TopicEarnings, func(ctx context.Context, identity string, now time.Time) (any, error) {
		return s.views.EarningsView(ctx, identity, now)
	})
}

func (s *Scheduler) runBalance(ctx context.Context) int {
	return s.perIdentity(ctx, TopicBalance, func(ctx context.Context, identity string, now time.Time) (any, error) {
		return s.views.BalanceView(ctx, identity, now)
	})
}

func (s *Scheduler) runMarket(ctx context.Context) int {
	if !s.hub.HasSubscribers(TopicMarket) {
		return 0
	}
	view, err := s.views.MarketView(ctx, s.now())
	if err != nil {
		s.logger.Warn("market snapshot failed", "err", err)
		return 1
	}
	s.hub.Publish(TopicMarket, view)
	return 0
}

func (s *Scheduler) runCleanup(ctx context.Context) int {
	n, err := s.views.RetireExpired(ctx, s.now())
	if err != nil {
		s.logger.Warn("expired position sweep failed", "err", err)
		return 1
	}
	if s.obs != nil {
		s.obs.ObserveExpired(n)
	}
	if n > 0 {
		s.logger.Info("expired positions retired", "count", n)
	}
	return 0
}

type viewFunc func(ctx context.Context, identity string, now time.Time) (any, error)

// perIdentity builds and publishes one view per identity subscribed to topic.
// All views of a run share one clock reading.  A failing identity is logged
// and skipped; it never aborts the run.
func (s *Scheduler) perIdentity(ctx context.Context, topic string, build viewFunc) int {
	identities := s.hub.SubscribedIdentities(topic)
	if len(identities) == 0 {
		return 0
	}
	now := s.now()

	failures := 0
	for _, identity := range identities {
		if ctx.Err() != nil {
			break
		}
		view, err := s.safeBuild(ctx, identity, now, build)
		if err != nil {
			failures++
			s.logFailure(topic, identity, err)
			continue
		}
		s.hub.PublishToIdentity(identity, topic, view)
	}
	return failures
}

func (s *Scheduler) safeBuild(ctx context.Context, identity string, now time.Time, build viewFunc) (view any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrCorruptPosition, r)
		}
	}()
	return build(ctx, identity, now)
}

func (s *Scheduler) logFailure(topic, identity string, err error) {
	var accErr *service.AccrualError
	switch {
	case errors.As(err, &accErr):
		s.logger.Error("accrual computation failed, identity skipped",
			"topic", topic,
			"identity", identity,
			"position", accErr.PositionID,
			"principal", accErr.Principal.String(),
			"weekly_rate", accErr.WeeklyRate.String(),
			"last_accrued_at", accErr.LastAccruedAt,
			"expires_at", accErr.ExpiresAt,
			"now", accErr.Now,
			"panic", accErr.Panic)
	case errors.Is(err, domain.ErrCorruptPosition):
		s.logger.Error("computation failed, identity skipped", "topic", topic, "identity", identity, "err", err)
	default:
		s.logger.Warn("view read failed, identity skipped", "topic", topic, "identity", identity, "err", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// cron.Logger over slog
// ──────────────────────────────────────────────────────────────────────────────

type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
