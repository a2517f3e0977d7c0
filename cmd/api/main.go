package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callburst/internal/audit"
	"callburst/internal/auth"
	"callburst/internal/config"
	"callburst/internal/didpool"
	"callburst/internal/dispatch"
	"callburst/internal/httpapi"
	"callburst/internal/pricing"
	"callburst/internal/provider"
	"callburst/internal/reporting"
	"callburst/internal/wallet"
	"callburst/pkg/logger"
	"callburst/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional .env for local development; real deployments set env directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	gateway, err := provider.NewRESTGateway(provider.RESTConfig{
		AccountSID: cfg.Provider.AccountSID,
		AuthToken:  cfg.Provider.AuthToken,
		BaseURL:    cfg.Provider.BaseURL,
		AnswerURL:  cfg.Provider.AnswerURL,
	})
	if err != nil {
		log.Error("provider init failed", "err", err)
		os.Exit(1)
	}

	// Caller-ID inventory: load from Postgres, keep the rotation state in
	// memory while the process runs.
	didRepo := didpool.NewRepository(db)
	inventory := didpool.NewInventory(cfg.Dispatch.RetryAvoidWindow)
	dids, err := didRepo.LoadAll(rootCtx)
	if err != nil {
		log.Error("did inventory load failed", "err", err)
		os.Exit(1)
	}
	inventory.Load(dids)
	log.Info("did inventory loaded", "count", len(dids))

	walletSvc := wallet.NewService(db)
	rates := pricing.NewService(pricing.NewPostgresRepo(db))
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	engine := dispatch.NewEngine(inventory, gateway, rates, walletSvc, dispatch.NewStore(db, walletSvc), log, dispatch.Config{
		StatusCallbackURL:  cfg.StatusCallbackURL(),
		RingTimeoutSeconds: cfg.Dispatch.RingTimeoutSeconds,
		MaxRepeatCount:     cfg.Dispatch.MaxRepeatCount,
		InterAttemptDelay:  cfg.Dispatch.InterAttemptDelay,
		MaxTalkTime:        cfg.Dispatch.MaxTalkTime,
		WatchdogTimeout:    cfg.Dispatch.WatchdogTimeout,
	})
	engine.SetUsageSaver(didRepo)
	engine.SetAuditor(ledgerGapAuditor{audit: auditSvc})

	handlers := httpapi.Handlers{
		Auth:               authManager,
		Wallet:             walletSvc,
		Engine:             engine,
		Reports:            reporting.NewService(reporting.NewPostgresRepo(db)),
		Inventory:          inventory,
		Audit:              auditSvc,
		DIDs:               didRepo,
		Redis:              rdb,
		ConcurrencyCap:     cfg.Dispatch.ConcurrencyCap,
		DefaultDestination: cfg.Dispatch.DefaultDestination,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, handlers, engine, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Dispatch requests block for the whole attempt sequence; the write
		// timeout has to cover worst-case repeat * (watchdog + delay).
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// ledgerGapAuditor bridges settlement failures into the audit trail.
type ledgerGapAuditor struct {
	audit *audit.Service
}

func (a ledgerGapAuditor) LedgerGap(ctx context.Context, attempt dispatch.CallAttempt, walletID string, cause error) {
	if err := a.audit.LogLedgerGap(ctx, attempt.WorkspaceID, walletID, attempt.RequestID, attempt.ID, attempt.CostMinor, cause); err != nil {
		slog.Error("ledger gap audit failed", "attempt_id", attempt.ID, "err", err)
	}
}
