// Package main is the entry point for the KASOKO settlement and payout
// server. It wires together the settlement pipeline, the M-Pesa gateway,
// the task queue, the sweep scheduler and the HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // postgres driver

	"github.com/kasoko/settlement/internal/api"
	"github.com/kasoko/settlement/internal/config"
	"github.com/kasoko/settlement/internal/mpesa"
	"github.com/kasoko/settlement/internal/queue"
	"github.com/kasoko/settlement/internal/repository"
	"github.com/kasoko/settlement/internal/scheduler"
	"github.com/kasoko/settlement/internal/service"
	"github.com/kasoko/settlement/internal/ws"
)

func main() {
	// ── 1. Config + logger ────────────────────────────────────────────────────
	_ = godotenv.Load() // .env is optional; real env vars win

	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting kasoko settlement server", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// ── 2. Database ───────────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err = db.Ping(); err != nil {
		logger.Error("database ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// ── 3. Migrations ─────────────────────────────────────────────────────────
	if err = runMigrations(db, "migrations"); err != nil {
		logger.Error("migrations failed", "err", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	// ── 4. Repositories ───────────────────────────────────────────────────────
	userRepo := repository.NewUserRepository(db)
	marketRepo := repository.NewMarketRepository(db)
	betRepo := repository.NewBetRepository(db)
	txRepo := repository.NewTransactionRepository(db)

	// ── 5. Payment gateway ────────────────────────────────────────────────────
	var gateway service.Gateway
	if cfg.Mpesa.UseMock {
		gateway = mpesa.NewMockGateway(logger)
		logger.Warn("using MOCK payment gateway; no real money will move")
	} else {
		if cfg.Mpesa.SecurityCredential == "" {
			certPEM, err := os.ReadFile(cfg.Mpesa.CertPath)
			if err != nil {
				logger.Error("read mpesa certificate failed", "path", cfg.Mpesa.CertPath, "err", err)
				os.Exit(1)
			}
			cred, err := mpesa.EncryptSecurityCredential(cfg.Mpesa.InitiatorPassword, certPEM)
			if err != nil {
				logger.Error("encrypt security credential failed", "err", err)
				os.Exit(1)
			}
			cfg.Mpesa.SecurityCredential = cred
			logger.Info("security credential derived from initiator password")
		}
		gateway = mpesa.NewClient(cfg.Mpesa, logger)
		logger.Info("daraja gateway configured",
			"base_url", cfg.Mpesa.BaseURL, "shortcode", cfg.Mpesa.Shortcode)
	}

	// ── 6. WebSocket Hub ──────────────────────────────────────────────────────
	hub := ws.NewHub([]byte(cfg.JWT.AccessSecret), logger)

	// ── 7. Task queue + services ──────────────────────────────────────────────
	taskQueue := queue.New(cfg.Queue.Workers, logger)

	payoutSvc := service.NewPayoutService(txRepo, gateway, taskQueue, hub, cfg.Retry, logger)
	settlementSvc := service.NewSettlementService(
		db, marketRepo, betRepo, txRepo, userRepo, taskQueue, hub, cfg.Settlement, logger)
	reconcileSvc := service.NewReconcileService(db, txRepo, userRepo, hub, logger)

	taskQueue.RegisterHandler(service.TaskDispatchPayout, payoutSvc.DispatchTask, queue.Policy{
		MaxAttempts: cfg.Queue.DispatchAttempts,
		BaseDelay:   cfg.Queue.DispatchBaseDelay,
		OnExhausted: payoutSvc.OnDispatchExhausted,
	})

	// ── 8. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run()
	taskQueue.Start()

	// ── 9. Sweep scheduler ────────────────────────────────────────────────────
	sched := scheduler.New(payoutSvc, logger)
	if err = sched.Start(); err != nil {
		logger.Error("scheduler start failed", "err", err)
		os.Exit(1)
	}

	// ── 10. HTTP Router ───────────────────────────────────────────────────────
	router := api.SetupRouter(api.RouterDeps{
		Settler:    settlementSvc,
		Payouts:    payoutSvc,
		Reconciler: reconcileSvc,
		MarketRepo: marketRepo,
		TxRepo:     txRepo,
		Hub:        hub,
		Cfg:        cfg,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── 11. Start server ──────────────────────────────────────────────────────
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop() // trigger graceful shutdown
		}
	}()

	// ── 12. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}

	sched.Stop()
	taskQueue.Stop()
	db.Close()
	logger.Info("server stopped cleanly")
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially. Idempotent: SQL files use IF NOT EXISTS / ON CONFLICT.
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
