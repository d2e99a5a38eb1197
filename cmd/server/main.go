// Package main is the entry point for the slotmine realtime ledger server.
// It wires the repositories, services, WebSocket hub, stats collector and
// broadcast scheduler, then serves the public API and the back-office API
// from one process so both see the same live connection pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/evetabi/slotmine/internal/api"
	"github.com/evetabi/slotmine/internal/backoffice"
	"github.com/evetabi/slotmine/internal/config"
	"github.com/evetabi/slotmine/internal/correction"
	"github.com/evetabi/slotmine/internal/repository"
	"github.com/evetabi/slotmine/internal/scheduler"
	"github.com/evetabi/slotmine/internal/service"
	"github.com/evetabi/slotmine/internal/stats"
	"github.com/evetabi/slotmine/internal/ws"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// ── 1. Logger ─────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting slotmine server",
		"env", cfg.Server.Env, "port", cfg.Server.Port, "backoffice_port", cfg.Server.BackofficePort)

	// ── 2. Database ───────────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime.Duration)
	logger.Info("database connected")

	// ── 3. Migrations ─────────────────────────────────────────────────────────
	if err = runMigrations(db, cfg.DB.MigrationsDir); err != nil {
		return err
	}
	logger.Info("migrations applied")

	// ── 4. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 5. Repositories ───────────────────────────────────────────────────────
	userRepo := repository.NewUserRepository(db)
	walletRepo := repository.NewWalletRepository(db)
	positionRepo := repository.NewPositionRepository(db, walletRepo)

	// ── 6. Services (hub-facing setters are wired after the hub exists) ───────
	earningsSvc := service.NewEarningsService(positionRepo, walletRepo, nil)
	settlementSvc := service.NewSettlementService(positionRepo, logger)
	entitlementSvc := service.NewEntitlementService(userRepo, logger)

	// ── 7. Stats + WebSocket hub ──────────────────────────────────────────────
	collector := stats.New(cfg.Stats.HistorySize, cfg.Stats.EventBuffer, logger)

	hub, err := ws.NewHub(hubConfig(cfg), entitlementSvc, collector, logger)
	if err != nil {
		return err
	}
	earningsSvc.SetOnlineCounter(hub)
	entitlementSvc.SetDisconnector(hub)

	// ── 8. Balance-correction bus ─────────────────────────────────────────────
	local := correction.NewLocal(hub)
	var bus *correction.Redis
	if cfg.Redis.Addr != "" {
		bus, err = correction.NewRedis(ctx, cfg.Redis, local, logger)
		if err != nil {
			return err
		}
		defer bus.Close()
		settlementSvc.SetNotifier(bus)
		logger.Info("balance corrections fan out over redis", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	} else {
		settlementSvc.SetNotifier(local)
	}

	// ── 9. Scheduler ──────────────────────────────────────────────────────────
	sched, err := scheduler.New(cfg.Schedule, earningsSvc, hub, collector, logger)
	if err != nil {
		return err
	}

	// ── 10. HTTP routers ──────────────────────────────────────────────────────
	publicSrv := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: api.SetupRouter(ctx, api.RouterDeps{
			Hub:      hub,
			Views:    earningsSvc,
			Txns:     walletRepo,
			Resolver: ws.NewIdentityResolver([]byte(cfg.JWT.AccessSecret)),
			Metrics:  collector.Registry(),
			Cfg:      cfg,
		}),
		ReadTimeout: cfg.Server.ReadTimeout.Duration,
		// no WriteTimeout: upgraded sockets outlive any fixed deadline
	}
	adminSrv := &http.Server{
		Addr: ":" + cfg.Server.BackofficePort,
		Handler: backoffice.SetupBackofficeRouter(backoffice.BackofficeDeps{
			Hub:       hub,
			Market:    earningsSvc,
			Accounts:  entitlementSvc,
			Wallets:   walletRepo,
			Positions: earningsSvc,
			Settler:   settlementSvc,
			Jobs:      sched,
			Cfg:       cfg,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	// ── 11. Run everything until the first failure or a signal ────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { collector.Run(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { sched.Run(gctx); return nil })
	if bus != nil {
		g.Go(func() error { return bus.Listen(gctx) })
	}
	for _, srv := range []*http.Server{publicSrv, adminSrv} {
		srv := srv // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			logger.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	// ── 12. Graceful shutdown ─────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, draining connections…")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		hub.Shutdown()
		return errors.Join(publicSrv.Shutdown(shutdownCtx), adminSrv.Shutdown(shutdownCtx))
	})

	if err = g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// hubConfig maps the [ws] and [jwt] config sections onto ws.HubConfig.
func hubConfig(cfg *config.Config) ws.HubConfig {
	return ws.HubConfig{
		Pool: ws.PoolConfig{
			MaxConnectionsTotal:       cfg.WS.MaxConnectionsTotal,
			MaxConnectionsPerIdentity: cfg.WS.MaxConnectionsPerIdentity,
			HeartbeatInterval:         cfg.WS.HeartbeatInterval.Duration,
			HeartbeatTimeout:          cfg.WS.HeartbeatTimeout.Duration,
		},
		JWTSecret:       []byte(cfg.JWT.AccessSecret),
		AllowedOrigins:  cfg.WS.AllowedOrigins,
		DefaultTopics:   cfg.WS.DefaultTopics,
		AvailableTopics: cfg.WS.AvailableTopics,
		SendBuffer:      cfg.WS.SendBuffer,
		MaxMessageSize:  cfg.WS.MaxMessageSize,
	}
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially.  Idempotent: SQL files should use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
